package ptpkt

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned by DecodePacket when buf does not hold enough
// bytes to decode a complete packet.
var ErrShortBuffer = errors.New("ptpkt: short buffer")

// psbEndMarker is the two-byte packet that closes a PSB+ region.
var psbEndMarker = [2]byte{0x02, 0x23}

// genericHeaderLen is the fixed header length of every non-marker packet
// produced by Codec: one kind byte, one count byte, one size byte, eight
// payload bytes.
const genericHeaderLen = 1 + 1 + 1 + 8

// Codec is a reference PacketDecoder/encoder pair. It is not a model of
// the real CPU-emitted PT byte encoding (that encoding is the external
// unit-decoder's concern); it exists so tests and the
// example command can build and decode self-consistent synthetic traces
// that still exercise PSB literal-scanning, split-packet splicing, and
// every packet kind the automaton handles.
type Codec struct{}

// NewDecoder returns the reference PacketDecoder.
func NewDecoder() *Codec { return &Codec{} }

// DecodePacket implements PacketDecoder.
func (Codec) DecodePacket(buf []byte) (Packet, int, error) {
	if len(buf) == 0 {
		return Packet{}, 0, ErrShortBuffer
	}
	if len(buf) >= PSBLen && bytes.Equal(buf[:PSBLen], PSBMarker[:]) {
		return Packet{Kind: KindPSB, Size: PSBLen}, PSBLen, nil
	}
	if len(buf) >= 2 && buf[0] == psbEndMarker[0] && buf[1] == psbEndMarker[1] {
		return Packet{Kind: KindPSBEnd, Size: 2}, 2, nil
	}
	if len(buf) < PSBLen && bytes.Equal(buf, PSBMarker[:len(buf)]) {
		// A PSB (or PSBEND) cut off by the end of the chunk.
		return Packet{}, 0, ErrShortBuffer
	}
	if buf[0] == 0x00 {
		return Packet{Kind: KindPad, Size: 1}, 1, nil
	}
	if len(buf) < genericHeaderLen {
		// Could still be a short PSB/PSBEND prefix straddling a chunk
		// boundary; the tokenizer decides whether to splice more bytes.
		return Packet{}, 0, ErrShortBuffer
	}
	kind := Kind(buf[0])
	count := buf[1]
	size := buf[2]
	payload := binary.LittleEndian.Uint64(buf[3:11])
	if kind == KindBad || kind > KindMNT || int(size) != genericHeaderLen {
		return Packet{}, 1, errBadPacket
	}
	return Packet{Kind: kind, Payload: payload, Count: count, Size: size}, genericHeaderLen, nil
}

var errBadPacket = errors.New("ptpkt: bad packet")

// Encode appends the wire bytes for pkt to dst and returns the result.
// PSB/PSBEND/PAD ignore Payload/Count and emit their literal marker.
func Encode(dst []byte, pkt Packet) []byte {
	switch pkt.Kind {
	case KindPSB:
		return append(dst, PSBMarker[:]...)
	case KindPSBEnd:
		return append(dst, psbEndMarker[:]...)
	case KindPad:
		return append(dst, 0x00)
	default:
		hdr := make([]byte, genericHeaderLen)
		hdr[0] = byte(pkt.Kind)
		hdr[1] = pkt.Count
		hdr[2] = genericHeaderLen
		binary.LittleEndian.PutUint64(hdr[3:11], pkt.Payload)
		return append(dst, hdr...)
	}
}
