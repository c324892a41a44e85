// Package pttime reconstructs Intel Processor Trace timestamps by fusing
// TSC, MTC, TMA, CBR and CYC packets, including a lookahead-based
// cycle-to-TSC calibrator. Every formula here is ported from
// intel-pt-decoder.c's intel_pt_calc_* family.
package pttime

// TSCSlip is the cushion, in TSC ticks, within which a TSC packet that
// appears to move the timestamp backwards is suppressed rather than
// treated as a wraparound. It is an order of magnitude above the ~40-cycle
// observed MTC-vs-TSC skew; do not tune without measurements.
const TSCSlip = 0x10000

// Config holds the construction-time parameters that shape timestamp
// reconstruction: the MTC period shift, the TSC:CTC ratio, and the
// nominal (non-turbo) ratio used to relate CBR to wall-clock ticks.
type Config struct {
	MTCShift         uint32
	TSCCTCRatioN     uint32
	TSCCTCRatioD     uint32
	MaxNonTurboRatio uint32
}

// Unit holds the mutable timing-reconstruction state for one decoder
// instance, mirroring the timing block of struct intel_pt_decoder.
type Unit struct {
	cfg Config

	ctcRemMask  uint32
	tscCTCMult  uint32

	Timestamp        uint64
	TSCTimestamp     uint64
	RefTimestamp     uint64
	CTCTimestamp     uint64
	CTCDelta         uint32
	LastMTC          uint32
	CycleCnt         uint64
	CycRefTimestamp  uint64
	CBR              uint32
	CBRCycToTSC      float64
	CalcCycToTSC     float64
	HaveTMA          bool
	HaveCYC          bool
	HaveCalcCycToTSC bool
	FixupLastMTC     bool

	maxNonTurboRatioFP float64
}

// New constructs a timing unit from cfg, mirroring the setup performed in
// intel_pt_decoder_new before the main decode loop starts.
func New(cfg Config) *Unit {
	u := &Unit{cfg: cfg}
	u.ctcRemMask = (uint32(1) << cfg.MTCShift) - 1
	if cfg.TSCCTCRatioN == 0 {
		u.cfg.TSCCTCRatioD = 0
	}
	if u.cfg.TSCCTCRatioD != 0 && u.cfg.TSCCTCRatioN%u.cfg.TSCCTCRatioD == 0 {
		u.tscCTCMult = u.cfg.TSCCTCRatioN / u.cfg.TSCCTCRatioD
	}
	u.maxNonTurboRatioFP = float64(cfg.MaxNonTurboRatio)
	return u
}

// multdiv computes (t/d)*n + ((t%d)*n)/d, which avoids overflow on 64-bit
// operands where a naive (t*n)/d would not. Must be used whenever the
// tscCTCMult shortcut (ratio_n % ratio_d == 0) does not apply.
func multdiv(t uint64, n, d uint32) uint64 {
	if d == 0 {
		return 0
	}
	return (t/uint64(d))*uint64(n) + ((t % uint64(d)) * uint64(n) / uint64(d))
}

// fixupLastMTC backfills the high bits that an 8-bit MTC payload dropped
// when mtc_shift exceeds 8, by taking bits [16-shift, 8) from the new mtc
// value and picking whichever candidate precedes mtc.
func fixupLastMTC(mtc uint32, shift uint32, lastMTC *uint32) {
	firstMissingBit := uint32(1) << (16 - shift)
	mask := ^(firstMissingBit - 1)
	*lastMTC |= mtc & mask
	if *lastMTC >= mtc {
		*lastMTC -= firstMissingBit
		*lastMTC &= 0xff
	}
}

// OnTSC applies a TSC packet. lastWasCYC reports whether the packet
// immediately preceding this TSC (in stream order) was a CYC packet, which
// re-seeds the cycle-to-TSC calibrator. It reports whether the timestamp
// anchor moved, so the caller can reset its per-timestamp instruction count.
func (u *Unit) OnTSC(payload uint64, lastWasCYC bool, lookahead Lookahead) bool {
	u.HaveTMA = false
	anchored := true

	switch {
	case u.RefTimestamp != 0:
		ts := payload | (u.RefTimestamp & (0xff << 56))
		if ts < u.RefTimestamp {
			if u.RefTimestamp-ts > (1 << 55) {
				ts += 1 << 56
			}
		} else if ts-u.RefTimestamp > (1 << 55) {
			ts -= 1 << 56
		}
		u.TSCTimestamp = ts
		u.Timestamp = ts
		u.RefTimestamp = 0
	case u.Timestamp != 0:
		ts := payload | (u.Timestamp & (0xff << 56))
		u.TSCTimestamp = ts
		if ts < u.Timestamp && u.Timestamp-ts < TSCSlip {
			ts = u.Timestamp
		}
		if ts < u.Timestamp {
			ts += 1 << 56
			u.TSCTimestamp = ts
		}
		u.Timestamp = ts
	default:
		anchored = false
	}

	if lastWasCYC {
		u.CycRefTimestamp = u.Timestamp
		u.CycleCnt = 0
		u.HaveCalcCycToTSC = false
		u.calibrate(false, lookahead)
	}
	return anchored
}

// OnTMA applies a TMA packet; payload carries the 16-bit CTC value in its
// low bits and count carries the fractional-cycles term.
func (u *Unit) OnTMA(payload uint64, count uint8) {
	if u.cfg.TSCCTCRatioD == 0 {
		return
	}
	ctc := uint32(payload)
	fc := uint64(count)
	ctcRem := ctc & u.ctcRemMask

	u.LastMTC = (ctc >> u.cfg.MTCShift) & 0xff
	u.CTCTimestamp = u.TSCTimestamp - fc
	if u.tscCTCMult != 0 {
		u.CTCTimestamp -= uint64(ctcRem) * uint64(u.tscCTCMult)
	} else {
		u.CTCTimestamp -= multdiv(uint64(ctcRem), u.cfg.TSCCTCRatioN, u.cfg.TSCCTCRatioD)
	}
	u.CTCDelta = 0
	u.HaveTMA = true
	u.FixupLastMTC = true
}

// OnMTC applies an MTC packet. It returns false when the packet is a no-op
// because no TMA anchor has been seen yet (mirrors intel_pt_calc_mtc_timestamp
// returning immediately when !have_tma).
func (u *Unit) OnMTC(payload uint64, lastWasCYC bool, lookahead Lookahead) bool {
	if !u.HaveTMA {
		return false
	}
	mtc := uint32(payload)

	if u.cfg.MTCShift > 8 && u.FixupLastMTC {
		u.FixupLastMTC = false
		fixupLastMTC(mtc, u.cfg.MTCShift, &u.LastMTC)
	}

	var mtcDelta uint32
	if mtc > u.LastMTC {
		mtcDelta = mtc - u.LastMTC
	} else {
		mtcDelta = mtc + 256 - u.LastMTC
	}
	u.CTCDelta += mtcDelta << u.cfg.MTCShift

	var ts uint64
	if u.tscCTCMult != 0 {
		ts = u.CTCTimestamp + uint64(u.CTCDelta)*uint64(u.tscCTCMult)
	} else {
		ts = u.CTCTimestamp + multdiv(uint64(u.CTCDelta), u.cfg.TSCCTCRatioN, u.cfg.TSCCTCRatioD)
	}

	if ts >= u.Timestamp {
		u.Timestamp = ts
	}
	u.LastMTC = mtc

	if lastWasCYC {
		u.CycRefTimestamp = u.Timestamp
		u.CycleCnt = 0
		u.HaveCalcCycToTSC = false
		u.calibrate(true, lookahead)
	}
	return true
}

// OnCBR applies a CBR packet.
func (u *Unit) OnCBR(payload uint64) {
	cbr := uint32(payload)
	if u.CBR == cbr {
		return
	}
	u.CBR = cbr
	u.CBRCycToTSC = u.maxNonTurboRatioFP / float64(cbr)
}

// OnCYC applies a CYC packet. It reports whether a timestamp candidate was
// computed (even a suppressed backwards one), so the caller can reset its
// per-timestamp instruction count.
func (u *Unit) OnCYC(payload uint64) bool {
	u.HaveCYC = true
	u.CycleCnt += payload

	if u.CycRefTimestamp == 0 {
		return false
	}

	var ts uint64
	switch {
	case u.HaveCalcCycToTSC:
		ts = u.CycRefTimestamp + uint64(float64(u.CycleCnt)*u.CalcCycToTSC)
	case u.CBR != 0:
		ts = u.CycRefTimestamp + uint64(float64(u.CycleCnt)*u.CBRCycToTSC)
	default:
		return false
	}

	if ts >= u.Timestamp {
		u.Timestamp = ts
	}
	return true
}

// Estimate computes the estimated timestamp between explicit timing
// packets, given the last sampled timestamp/instruction count. Without both
// a CBR and a MaxNonTurboRatio it returns sampleTimestamp unchanged.
func (u *Unit) Estimate(sampleTimestamp, sampleInsnCnt uint64) uint64 {
	if u.CBR == 0 || u.cfg.MaxNonTurboRatio == 0 {
		return sampleTimestamp
	}
	est := sampleInsnCnt << 1
	est *= uint64(u.cfg.MaxNonTurboRatio)
	est /= uint64(u.CBR)
	return sampleTimestamp + est
}
