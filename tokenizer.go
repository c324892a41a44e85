package intelpt

import "github.com/ptdecode/intelpt/pkg/ptpkt"

// getData fetches a fresh chunk from the trace reader, mirroring
// intel_pt_get_data. A non-consecutive chunk is a capture discontinuity:
// IP and timing state reset and errNoLink is returned so the caller resyncs.
func (d *Decoder) getData() error {
	d.pktStep = 0

	buf, err := d.params.GetTrace.GetTrace()
	if err != nil {
		return err
	}
	d.buf = buf.Buf
	if len(d.buf) == 0 {
		return errNoData
	}
	if !buf.Consecutive {
		d.ip = 0
		d.pktState = stateNoPSB
		d.timing.RefTimestamp = buf.RefTimestamp
		d.timing.Timestamp = 0
		d.timing.HaveTMA = false
		d.state.TraceNr = buf.TraceNr
		d.log.Logf(LogDebug, "reference timestamp %#x", buf.RefTimestamp)
		return errNoLink
	}
	return nil
}

// getNextData consumes a previously spliced lookahead chunk if one is
// pending, otherwise fetches fresh data (intel_pt_get_next_data).
func (d *Decoder) getNextData() error {
	if d.nextBuf == nil {
		return d.getData()
	}
	d.buf = d.nextBuf
	d.nextBuf = nil
	return nil
}

// getSplitPacket reconstructs a packet that was cut off by a chunk
// boundary, splicing the tail of the current chunk with the head of the
// next one in tempBuf (intel_pt_get_split_packet).
func (d *Decoder) getSplitPacket() (int, error) {
	oldLen := len(d.buf)
	copy(d.tempBuf[:], d.buf)

	if err := d.getData(); err != nil {
		d.pos += uint64(oldLen)
		return 0, err
	}

	n := ptpkt.MaxPacketSize - oldLen
	if n > len(d.buf) {
		n = len(d.buf)
	}
	copy(d.tempBuf[oldLen:], d.buf[:n])
	total := oldLen + n

	pkt, size, err := d.params.PacketDecoder.DecodePacket(d.tempBuf[:total])
	if err != nil || size < oldLen {
		d.nextBuf = d.buf
		d.buf = append([]byte(nil), d.tempBuf[:oldLen]...)
		return 0, d.badPacket()
	}

	// The unconsumed remainder of the fresh chunk becomes the next chunk.
	d.nextBuf = d.buf[size-oldLen:]
	d.buf = append([]byte(nil), d.tempBuf[:size]...)
	d.packet = pkt
	return size, nil
}

// badPacket records a malformed-packet error, advancing the cursor one byte
// and clearing transactional state, mirroring intel_pt_bad_packet.
func (d *Decoder) badPacket() error {
	d.txFlags = 0
	d.timing.HaveTMA = false
	d.pktLen = 1
	d.pktStep = 1
	if d.pktState != stateNoPSB {
		d.log.Logf(LogWarn, "bad packet at pos %#x", d.pos)
		d.pktState = errState1(d.pktState)
	}
	return errBadPacket
}

// nextPacket advances past the previously decoded packet and decodes the
// next one, splicing across chunk boundaries and skipping PAD packets
// transparently (intel_pt_get_next_packet).
func (d *Decoder) nextPacket() error {
	d.lastPacketType = d.packet.Kind

	for {
		d.pos += uint64(d.pktStep)
		if d.pktStep >= len(d.buf) {
			d.buf = d.buf[len(d.buf):]
		} else {
			d.buf = d.buf[d.pktStep:]
		}

		if len(d.buf) == 0 {
			if err := d.getNextData(); err != nil {
				return err
			}
		}

		pkt, n, err := d.params.PacketDecoder.DecodePacket(d.buf)
		if err == ptpkt.ErrShortBuffer && len(d.buf) < ptpkt.MaxPacketSize && d.nextBuf == nil {
			n, err = d.getSplitPacket()
			if err != nil {
				return err
			}
			pkt = d.packet
		}
		if err != nil || n <= 0 {
			return d.badPacket()
		}

		d.packet = pkt
		d.pktLen = n
		d.pktStep = n

		if pkt.Kind != ptpkt.KindPad {
			break
		}
	}
	return nil
}
