package intelpt

import "errors"

// maxLoops bounds the stuck-IP counter before the decoder gives up and
// reports a never-ending loop (INTEL_PT_MAX_LOOPS).
const maxLoops = 10000

// ErrNoInsnText should be returned (or wrapped) by an InsnWalker when it
// cannot read the instruction text at the requested IP. Any other non-nil
// error is treated as a trace/instruction mismatch.
var ErrNoInsnText = errors.New("intelpt: missing instruction text")

// nextPeriod computes the tick budget remaining until the next TICKS-period
// sample, tracking whether the period boundary has stabilized
// (intel_pt_next_period).
func (d *Decoder) nextPeriod() uint64 {
	timestamp := d.timing.Timestamp + d.timestampInsnCnt
	masked := timestamp & d.periodMask
	if d.continuousPeriod {
		if masked != d.lastMaskedTimestamp {
			return 1
		}
	} else {
		timestamp++
		masked = timestamp & d.periodMask
		if masked != d.lastMaskedTimestamp {
			d.lastMaskedTimestamp = masked
			d.continuousPeriod = true
		}
	}
	return d.periodTicks - (timestamp - masked)
}

// nextSample returns the instruction budget for the walker's next call,
// dispatching on the configured period type (intel_pt_next_sample).
func (d *Decoder) nextSample() uint64 {
	switch d.params.PeriodType {
	case PeriodInstructions:
		return d.params.Period - d.periodInsnCnt
	case PeriodTicks:
		return d.nextPeriod()
	default:
		return 0
	}
}

// sampleInsn resets the period accounting once a sample is about to be
// published and marks the state as carrying an instruction sample
// (intel_pt_sample_insn).
func (d *Decoder) sampleInsn() {
	switch d.params.PeriodType {
	case PeriodInstructions:
		d.periodInsnCnt = 0
	case PeriodTicks:
		timestamp := d.timing.Timestamp + d.timestampInsnCnt
		d.lastMaskedTimestamp = timestamp & d.periodMask
	}
	d.state.Type |= StateInstruction
}

// walkResult distinguishes walkInsn's four outcomes: a published step that
// fully resolves the caller's work (done), a step that left a branch kind
// the caller must still dispatch on (continue), a request to fetch another
// packet because toIP was reached (again), or a genuine error.
type walkResult int

const (
	walkError walkResult = iota
	walkDone
	walkContinue
	walkAgain
)

// walkInsn advances the walked instruction stream from d.ip, stopping at
// toIP (0 disables the check), the next branch, or the sample budget,
// mirroring intel_pt_walk_insn. It updates counters, the shadow stack, and
// the loop guard, and leaves d.state populated on walkDone. On walkContinue
// the caller still has to inspect the returned Insn's Op/Branch to decide
// how a conditional or indirect branch resolves (walk_tnt/walk_tip do this;
// walk_insn itself only fully resolves INTEL_PT_BRANCH_NO_BRANCH and
// INTEL_PT_BRANCH_UNCONDITIONAL, returning INTEL_PT_RETURN for those).
func (d *Decoder) walkInsn(toIP uint64) (walkResult, Insn, error) {
	if !d.mtcInsn {
		d.mtcInsn = true
	}

	maxInsnCnt := d.nextSample()

	var insn Insn
	insnCnt, err := d.params.WalkInsn.WalkInsn(&insn, &d.ip, toIP, maxInsnCnt)

	d.totInsnCnt += insnCnt
	d.timestampInsnCnt += insnCnt
	d.sampleInsnCnt += insnCnt
	d.periodInsnCnt += insnCnt

	if err != nil {
		d.noProgress = 0
		d.pktState = errState2
		d.log.Logf(LogError, "failed to get instruction at %#x: %v", d.ip, err)
		if errors.Is(err, ErrNoInsnText) {
			return walkError, insn, errNoInsn
		}
		return walkError, insn, errMismatch
	}

	if toIP != 0 && d.ip == toIP {
		d.noProgress = 0
		d.setInsnFlags()
		return walkAgain, insn, nil
	}

	if maxInsnCnt != 0 && insnCnt >= maxInsnCnt {
		d.sampleInsn()
	}

	if insn.Branch == NoBranch {
		d.state.Type = StateInstruction
		d.state.FromIP = d.ip
		d.state.ToIP = 0
		d.ip += uint64(insn.Length)
		d.noProgress = 0
		d.setInsnFlags()
		return walkDone, insn, nil
	}

	switch insn.Op {
	case OpCall:
		// Zero-length relative unconditional calls are excluded.
		if insn.Branch != Unconditional || insn.Rel != 0 {
			d.stack.Push(d.ip + uint64(insn.Length))
		}
	case OpRet:
		d.retAddr, _ = d.stack.Pop()
	}

	if insn.Branch == Unconditional {
		cnt := d.noProgress
		d.noProgress++

		d.state.FromIP = d.ip
		d.ip += uint64(insn.Length) + uint64(int64(insn.Rel))
		d.state.ToIP = d.ip

		if cnt != 0 {
			switch {
			case cnt == 1:
				d.stuckIP = d.state.ToIP
				d.stuckIPPrd = 1
				d.stuckIPCnt = 1
			case cnt > maxLoops || d.state.ToIP == d.stuckIP:
				d.log.Logf(LogError, "never-ending loop at %#x", d.state.ToIP)
				d.pktState = stateErrResync
				d.setInsnFlags()
				return walkError, insn, errNeverEndingLoop
			default:
				d.stuckIPCnt--
				if d.stuckIPCnt == 0 {
					d.stuckIPPrd++
					d.stuckIPCnt = d.stuckIPPrd
					d.stuckIP = d.state.ToIP
				}
			}
		}
		d.setInsnFlags()
		return walkDone, insn, nil
	}

	d.noProgress = 0
	d.setInsnFlags()
	return walkContinue, insn, nil
}

func (d *Decoder) setInsnFlags() {
	if d.txFlags&uint32(FlagInTx) != 0 {
		d.state.Flags |= FlagInTx
	}
}
