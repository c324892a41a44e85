// Package ptsync implements PSB scanning (including PSBs split across
// buffer chunk boundaries) and the buffer-overlap detection used to splice
// two possibly-duplicated trace captures back into one stream. Ported from
// intel_pt_scan_for_psb/intel_pt_part_psb/intel_pt_rest_psb and the
// intel_pt_find_overlap* family in intel-pt-decoder.c.
package ptsync

import (
	"bytes"

	"github.com/ptdecode/intelpt/pkg/ptpkt"
)

// ScanForPSB returns the offset of the first PSB marker in buf, or -1 if
// none is present. It does not handle a PSB straddling a chunk boundary —
// callers combine this with PartPSB/RestPSB for that case.
func ScanForPSB(buf []byte) int {
	return bytes.Index(buf, ptpkt.PSBMarker[:])
}

// PartPSB returns the length of the longest suffix of buf that is a proper
// prefix of the PSB marker — i.e. a PSB that started in this chunk but was
// cut off by the chunk boundary. It returns 0 if buf's tail does not match
// any PSB prefix.
func PartPSB(buf []byte) int {
	n := len(buf)
	for i := len(ptpkt.PSBMarker) - 1; i > 0; i-- {
		if i > n {
			continue
		}
		if bytes.Equal(buf[n-i:], ptpkt.PSBMarker[:i]) {
			return i
		}
	}
	return 0
}

// RestPSB checks whether next begins with the remaining bytes of a PSB
// marker whose first partPSB bytes were already matched at the tail of the
// previous chunk. It returns the number of bytes of next that complete the
// marker, or 0 if next does not continue it.
func RestPSB(next []byte, partPSB int) int {
	rest := len(ptpkt.PSBMarker) - partPSB
	if rest > len(next) {
		return 0
	}
	if !bytes.Equal(next[:rest], ptpkt.PSBMarker[partPSB:]) {
		return 0
	}
	return rest
}

// NextPSB advances buf to the start of the first PSB marker it contains,
// returning the advanced slice and true, or false if none is present.
func NextPSB(buf []byte) ([]byte, bool) {
	i := ScanForPSB(buf)
	if i < 0 {
		return nil, false
	}
	return buf[i:], true
}

// StepPSB advances buf past its leading PSB to the start of the following
// one, returning the advanced slice and true, or false if there is no
// further PSB.
func StepPSB(buf []byte) ([]byte, bool) {
	if len(buf) == 0 {
		return nil, false
	}
	i := ScanForPSB(buf[1:])
	if i < 0 {
		return nil, false
	}
	return buf[1+i:], true
}

// LastPSB returns the offset of the last PSB marker in buf, or -1 if none
// is present.
func LastPSB(buf []byte) int {
	if len(buf) < len(ptpkt.PSBMarker) {
		return -1
	}
	last := -1
	for off := 0; ; {
		i := bytes.Index(buf[off:], ptpkt.PSBMarker[:])
		if i < 0 {
			break
		}
		last = off + i
		off = last + 1
	}
	return last
}

// NextTSC scans forward from buf (which must begin at a PSB) for a TSC
// packet, stopping if a PSBEND is reached first. It returns the TSC value
// and the number of bytes remaining in buf from the TSC packet onward.
func NextTSC(buf []byte, dec ptpkt.PacketDecoder) (tsc uint64, rem int, ok bool) {
	for len(buf) > 0 {
		pkt, n, err := dec.DecodePacket(buf)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		switch pkt.Kind {
		case ptpkt.KindTSC:
			return pkt.Payload, len(buf), true
		case ptpkt.KindPSBEnd:
			return 0, 0, false
		}
		buf = buf[n:]
	}
	return 0, 0, false
}

// TSCCompare compares two 7-byte TSC values allowing for wraparound,
// assuming the true difference is less than half the maximum representable
// difference. Returns -1 if tsc1 precedes tsc2, 0 if equal, 1 if it follows.
func TSCCompare(tsc1, tsc2 uint64) int {
	const halfway = uint64(1) << 55
	switch {
	case tsc1 == tsc2:
		return 0
	case tsc1 < tsc2:
		if tsc2-tsc1 < halfway {
			return -1
		}
		return 1
	default:
		if tsc1-tsc2 < halfway {
			return 1
		}
		return -1
	}
}

// FindOverlap determines where in b non-overlapped data starts, given that
// a and b are two possibly-duplicated captures each expected to begin with
// a PSB. consecutive reports whether the returned remainder continues a's
// stream without a synchronization gap. It returns the index into b at
// which new, non-overlapping data begins (len(b) if there is none).
func FindOverlap(a, b []byte, haveTSC bool, dec ptpkt.PacketDecoder) (offset int, consecutive bool) {
	bAt, ok := NextPSB(b)
	if !ok {
		return len(b), false
	}
	bBase := len(b) - len(bAt)

	aAt, ok := NextPSB(a)
	if !ok {
		return bBase, false
	}

	if haveTSC {
		off, cons := findOverlapTSC(aAt, bAt, dec)
		return bBase + off, cons
	}

	// Buffer b cannot end within buffer a, so for comparison purposes the
	// first part of a can be skipped.
	lenA := len(aAt)
	lenB := len(bAt)
	for lenB < lenA {
		next, ok := StepPSB(aAt)
		if !ok {
			return bBase, false
		}
		aAt = next
		lenA = len(aAt)
	}

	for {
		if bytes.Contains(aAt, bAt[:lenA]) {
			return bBase + lenA, true
		}
		next, ok := StepPSB(aAt)
		if !ok {
			return bBase, false
		}
		aAt = next
		lenA = len(aAt)
	}
}

// findOverlapTSC implements the TSC-driven path of FindOverlap: compare the
// TSC of a's last complete PSB+ region against the TSC at each PSB in b.
// Both offsets returned are relative to b's first PSB.
func findOverlapTSC(a, b []byte, dec ptpkt.PacketDecoder) (offset int, consecutive bool) {
	p := LastPSB(a)
	if p < 0 {
		return 0, false
	}
	tscA, remA, ok := NextTSC(a[p:], dec)
	if !ok {
		// The last PSB+ in a is incomplete, so go back one more.
		aShrunk := a[:p]
		p2 := LastPSB(aShrunk)
		if p2 < 0 {
			return 0, false
		}
		tscA, remA, ok = NextTSC(aShrunk[p2:], dec)
		if !ok {
			return 0, false
		}
	}

	bCur := b
	base := 0
	for {
		// Ignore a PSB+ with no TSC.
		tscB, remB, ok := NextTSC(bCur, dec)
		if ok {
			cmp := TSCCompare(tscA, tscB)
			if cmp == 0 && remB >= remA {
				// Same TSC, so the buffers are consecutive.
				return base + (len(bCur) - (remB - remA)), true
			}
			if cmp < 0 {
				// tsc_a precedes tsc_b: everything from the current
				// position in b onward is new, non-overlapping data.
				return base, false
			}
		}
		next, ok := StepPSB(bCur)
		if !ok {
			return len(b), false
		}
		base = len(b) - len(next)
		bCur = next
	}
}
