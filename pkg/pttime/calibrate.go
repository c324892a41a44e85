package pttime

import "github.com/ptdecode/intelpt/pkg/ptpkt"

// LookaheadPacket is one packet surfaced to the calibrator's lookahead
// walk. It never consumes the packet from the decoder's own cursor — the
// automaton supplies these purely for the calibrator to peek at.
type LookaheadPacket struct {
	Kind    ptpkt.Kind
	Payload uint64
	Count   uint8
}

// Lookahead walks forward over the packets following the current one,
// stopping either when the walk runs out of buffered data or when visit
// returns false. It mirrors intel_pt_pkt_lookahead, which the calibrator
// uses without disturbing the decoder's own packet cursor.
type Lookahead func(visit func(pkt LookaheadPacket, precededByCYC bool) bool)

// calcCycData shadows the timing state the lookahead mutates while
// scanning, so an aborted calibration leaves the Unit untouched
// (struct intel_pt_calc_cyc_to_tsc_info).
type calcCycData struct {
	cycleCnt     uint64
	cbr          uint32
	lastMTC      uint32
	ctcTimestamp uint64
	ctcDelta     uint32
	tscTimestamp uint64
	timestamp    uint64
	haveTMA      bool
	fixupLastMTC bool
	fromMTC      bool
	cbrCycToTSC  float64
}

// calibrate runs the cycle-to-TSC calibration lookahead described in the
// timing design: starting from the current anchor, it scans ahead
// accumulating CYC payloads until a CYC-preceded MTC or TSC resolves a
// candidate cyc_to_tsc ratio, or an abort condition (TIP.PGD, TRACESTOP,
// OVF, a conflicting CBR) is seen first. fromMTC selects whether the seed
// anchor came from an MTC or a TSC timestamp, following
// intel_pt_calc_cyc_to_tsc/intel_pt_calc_cyc_cb.
func (u *Unit) calibrate(fromMTC bool, lookahead Lookahead) {
	if lookahead == nil {
		return
	}

	data := calcCycData{
		lastMTC:      u.LastMTC,
		ctcTimestamp: u.CTCTimestamp,
		ctcDelta:     u.CTCDelta,
		tscTimestamp: u.TSCTimestamp,
		timestamp:    u.Timestamp,
		haveTMA:      u.HaveTMA,
		fixupLastMTC: u.FixupLastMTC,
		fromMTC:      fromMTC,
	}

	lookahead(func(pkt LookaheadPacket, precededByCYC bool) bool {
		var resolved uint64

		switch pkt.Kind {
		case ptpkt.KindTNT, ptpkt.KindTIPPGE, ptpkt.KindTIP, ptpkt.KindFUP,
			ptpkt.KindPSB, ptpkt.KindPIP, ptpkt.KindModeExec,
			ptpkt.KindModeTSX, ptpkt.KindPSBEnd, ptpkt.KindPad,
			ptpkt.KindVMCS, ptpkt.KindMNT:
			return true

		case ptpkt.KindMTC:
			if !data.haveTMA {
				return true
			}
			mtc := uint32(pkt.Payload)
			if u.cfg.MTCShift > 8 && data.fixupLastMTC {
				data.fixupLastMTC = false
				fixupLastMTC(mtc, u.cfg.MTCShift, &data.lastMTC)
			}
			var delta uint32
			if mtc > data.lastMTC {
				delta = mtc - data.lastMTC
			} else {
				delta = mtc + 256 - data.lastMTC
			}
			data.ctcDelta += delta << u.cfg.MTCShift
			data.lastMTC = mtc

			var ts uint64
			if u.tscCTCMult != 0 {
				ts = data.ctcTimestamp + uint64(data.ctcDelta)*uint64(u.tscCTCMult)
			} else {
				ts = data.ctcTimestamp + multdiv(uint64(data.ctcDelta), u.cfg.TSCCTCRatioN, u.cfg.TSCCTCRatioD)
			}
			if ts < data.timestamp {
				return false
			}
			if !precededByCYC {
				data.timestamp = ts
				return true
			}
			resolved = ts

		case ptpkt.KindTSC:
			ts := pkt.Payload | (data.timestamp & (0xff << 56))
			if data.fromMTC && ts < data.timestamp && data.timestamp-ts < TSCSlip {
				return false
			}
			if ts < data.timestamp {
				ts += 1 << 56
			}
			if !precededByCYC {
				if data.fromMTC {
					return false
				}
				data.tscTimestamp = ts
				data.timestamp = ts
				return true
			}
			resolved = ts

		case ptpkt.KindTMA:
			if data.fromMTC {
				return false
			}
			if u.cfg.TSCCTCRatioD == 0 {
				return true
			}
			ctc := uint32(pkt.Payload)
			fc := uint64(pkt.Count)
			ctcRem := ctc & u.ctcRemMask

			data.lastMTC = (ctc >> u.cfg.MTCShift) & 0xff
			data.ctcTimestamp = data.tscTimestamp - fc
			if u.tscCTCMult != 0 {
				data.ctcTimestamp -= uint64(ctcRem) * uint64(u.tscCTCMult)
			} else {
				data.ctcTimestamp -= multdiv(uint64(ctcRem), u.cfg.TSCCTCRatioN, u.cfg.TSCCTCRatioD)
			}
			data.ctcDelta = 0
			data.haveTMA = true
			data.fixupLastMTC = true
			return true

		case ptpkt.KindCYC:
			data.cycleCnt += pkt.Payload
			return true

		case ptpkt.KindCBR:
			cbr := uint32(pkt.Payload)
			if data.cbr != 0 && data.cbr != cbr {
				return false
			}
			data.cbr = cbr
			data.cbrCycToTSC = u.maxNonTurboRatioFP / float64(cbr)
			return true

		default:
			// TIP.PGD, TRACESTOP, OVF, BAD end the lookahead without
			// a result.
			return false
		}

		if data.cbr == 0 && u.CBR != 0 {
			data.cbr = u.CBR
			data.cbrCycToTSC = u.CBRCycToTSC
		}

		if data.cycleCnt == 0 {
			return false
		}

		cycToTSC := float64(resolved-u.Timestamp) / float64(data.cycleCnt)
		if data.cbr != 0 && cycToTSC > data.cbrCycToTSC &&
			cycToTSC/data.cbrCycToTSC > 1.25 {
			return false
		}

		u.CalcCycToTSC = cycToTSC
		u.HaveCalcCycToTSC = true
		return false
	})
}
