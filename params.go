package intelpt

import (
	"errors"

	"github.com/ptdecode/intelpt/pkg/ptpkt"
	"github.com/ptdecode/intelpt/pkg/ptstack"
	"github.com/ptdecode/intelpt/pkg/pttime"
)

// PeriodType selects how Decode paces INSTRUCTION samples, mirroring enum
// intel_pt_period_type.
type PeriodType int

const (
	PeriodNone PeriodType = iota
	PeriodInstructions
	PeriodTicks
	PeriodMTC
)

// Params configures a Decoder at construction time, mirroring struct
// intel_pt_params. GetTrace, WalkInsn and PacketDecoder are mandatory;
// PgdIP and Logger are optional collaborators.
type Params struct {
	GetTrace      TraceReader
	WalkInsn      InsnWalker
	PgdIP         FilterPredicate
	PacketDecoder ptpkt.PacketDecoder
	Logger        Logger

	ReturnCompression bool

	Period     uint64
	PeriodType PeriodType

	MaxNonTurboRatio uint32

	// MTCShift is the bit shift applied to CTC to recover last_mtc
	// (decoder->mtc_shift = params->mtc_period, no further derivation).
	MTCShift     uint32
	TSCCTCRatioN uint32
	TSCCTCRatioD uint32
}

// ErrMissingCallback is returned by NewDecoder when a mandatory collaborator
// is nil.
var ErrMissingCallback = errors.New("intelpt: GetTrace, WalkInsn and PacketDecoder are mandatory")

// lowerPowerOfTwo returns the largest power of two <= x, x > 0
// (intel_pt_lower_power_of_2).
func lowerPowerOfTwo(x uint64) uint64 {
	if x == 0 {
		return 0
	}
	shift := uint(0)
	for x>>shift > 1 {
		shift++
	}
	return (x >> shift) << shift
}

// NewDecoder validates params and constructs a ready Decoder
// (intel_pt_decoder_new).
func NewDecoder(p Params) (*Decoder, error) {
	if p.GetTrace == nil || p.WalkInsn == nil || p.PacketDecoder == nil {
		return nil, ErrMissingCallback
	}
	log := p.Logger
	if log == nil {
		log = nopLogger{}
	}

	d := &Decoder{
		params:   p,
		log:      log,
		id:       newTraceID(),
		stack:    ptstack.New(),
		pktState: stateNoPSB,
	}

	if p.PeriodType == PeriodTicks {
		periodTicks := lowerPowerOfTwo(p.Period)
		d.periodTicks = periodTicks
		d.periodMask = ^(periodTicks - 1)
	}

	cfg := pttime.Config{
		MTCShift:         p.MTCShift,
		TSCCTCRatioN:     p.TSCCTCRatioN,
		TSCCTCRatioD:     p.TSCCTCRatioD,
		MaxNonTurboRatio: p.MaxNonTurboRatio,
	}
	d.timing = pttime.New(cfg)

	return d, nil
}
