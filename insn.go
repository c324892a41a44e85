package intelpt

import "github.com/ptdecode/intelpt/pkg/ptpkt"

// InsnOp classifies the instruction the external walker just decoded,
// mirroring enum intel_pt_insn_op.
type InsnOp uint8

const (
	OpOther InsnOp = iota
	OpCall
	OpRet
)

// BranchKind classifies how (or whether) an instruction branches,
// mirroring enum intel_pt_insn_branch.
type BranchKind uint8

const (
	NoBranch BranchKind = iota
	Unconditional
	Conditional
	Indirect
)

// Insn is filled in by InsnWalker.WalkInsn for the last instruction it
// decoded before stopping (at a branch, at toIP, or at the instruction
// budget), mirroring struct intel_pt_insn.
type Insn struct {
	Op     InsnOp
	Branch BranchKind
	Length uint8
	// Rel is the branch's IP-relative displacement, meaningful only when
	// Branch is Unconditional or Conditional.
	Rel int32
}

// Buffer is one chunk of trace bytes handed back by TraceReader.GetTrace,
// mirroring struct intel_pt_buffer.
type Buffer struct {
	Buf []byte
	// Consecutive is false when this chunk does not continue the
	// previous one (a capture gap); the decoder resyncs and reports
	// RefTimestamp/TraceNr from this chunk instead of trusting continuity.
	Consecutive  bool
	RefTimestamp uint64
	TraceNr      uint64
}

// TraceReader supplies the next chunk of raw trace bytes.
type TraceReader interface {
	GetTrace() (Buffer, error)
}

// InsnWalker decodes instructions starting at *ip, stopping at the first
// branch, when *ip reaches toIP (toIP == 0 disables this check), or after
// maxInsnCnt instructions, whichever comes first. It reports how many
// instructions it actually walked, advancing *ip past every straight-line
// instruction consumed along the way but leaving *ip at the start of the
// final, reported instruction — Decode's automaton commits *ip past that
// one once it knows how the branch resolves. Returning ErrNoInsnText
// signals that the text at *ip could not be read (mapped to ErrNoInsn);
// any other error is mapped to ErrMismatch.
type InsnWalker interface {
	WalkInsn(insn *Insn, ip *uint64, toIP uint64, maxInsnCnt uint64) (insnCnt uint64, err error)
}

// FilterPredicate reports whether ip lies outside the active trace filter
// region, used to recognize filter-exit branches during TIP.PGD handling.
type FilterPredicate interface {
	PgdIP(ip uint64) bool
}

// LogLevel orders the severity of a Logger.Logf call.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogWarn
	LogError
)

// Logger receives diagnostic lines from the decoder. It must not block and
// must be safe to call from within Decode.
type Logger interface {
	Logf(level LogLevel, format string, args ...any)
}

// nopLogger discards every line. It is the zero value used when Params.Logger
// is nil.
type nopLogger struct{}

func (nopLogger) Logf(LogLevel, string, ...any) {}

// haveIP reports whether the most recently tokenized packet carries a
// usable IP, delegating to ptpkt.HaveIP with this decoder's have-last-IP
// state (intel_pt_have_ip).
func (d *Decoder) haveIP() bool {
	return ptpkt.HaveIP(d.packet.Count, d.haveLastIP)
}
