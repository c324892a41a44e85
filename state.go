package intelpt

// StateType is a bitmask describing what kind of event a published State
// represents, mirroring the INTEL_PT_BRANCH/INSTRUCTION/TRANSACTION bits of
// intel_pt_insn_type in intel-pt-decoder.c.
type StateType uint32

const (
	// StateBranch marks a taken branch: FromIP/ToIP describe the edge.
	StateBranch StateType = 1 << iota
	// StateInstruction marks a period boundary within straight-line code;
	// FromIP is the instruction reached when the sample budget expired.
	StateInstruction
	// StateTransaction marks an RTM/HLE transaction start, commit or abort.
	StateTransaction
)

// Flags is a bitmask of transaction/sync qualifiers on a State.
type Flags uint32

const (
	// FlagInTx means a transaction is open at FromIP/ToIP.
	FlagInTx Flags = 1 << iota
	// FlagAbortTx means the transaction starting or ending here aborted.
	FlagAbortTx
	// FlagAsync marks a branch taken asynchronously (interrupt, exception,
	// or other event not encoded as a synchronous TNT/TIP pair).
	FlagAsync
)

// State is the immutable record Decode hands back for each step of the
// trace, the Go analogue of struct intel_pt_state. A State with Type == 0
// carries no branch/instruction event of its own; it is emitted solely to
// publish a resynchronization point.
type State struct {
	Type  StateType
	Flags Flags

	FromIP uint64
	ToIP   uint64

	// CR3 is the last page-table base observed via a PIP packet, or zero
	// before any PIP packet has been seen.
	CR3 uint64

	// Timestamp is the last packet-derived TSC-domain time, exact but
	// coarse-grained (it only advances on TSC, MTC and CYC packets).
	Timestamp uint64
	// EstTimestamp is Timestamp projected forward by the instructions
	// walked since it was sampled, scaled by MaxNonTurboRatio/CBR; it
	// equals Timestamp while either of those is unknown.
	EstTimestamp uint64

	// TotInsnCnt is the running count of instructions walked so far.
	TotInsnCnt uint64

	// Err is nil on a normal step and non-nil exactly once per error,
	// at which point FromIP holds the instruction pointer of the failure.
	Err error

	// TraceNr is the trace-buffer sequence number supplied by the
	// TraceReader at the last discontinuity, letting callers relate a
	// step back to the capture it was decoded from.
	TraceNr uint64
}
