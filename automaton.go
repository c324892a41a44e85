package intelpt

import (
	"github.com/ptdecode/intelpt/pkg/ptpkt"
	"github.com/ptdecode/intelpt/pkg/ptsync"
)

// sync is the top-level entry point from stateNoPSB: it scans for the
// next PSB literal anywhere in the stream and walks its payload, landing
// either directly in sync (if the PSB+ region itself carried a full IP)
// or handing off to syncIP to keep searching (intel_pt_sync).
func (d *Decoder) sync() error {
	d.pge = false
	d.continuousPeriod = false
	d.haveLastIP = false
	d.lastIP = 0
	d.ip = 0
	d.stack.Clear()

	if err := d.scanForPSB(); err != nil {
		return err
	}

	d.haveLastIP = true
	d.pktState = stateNoIP

	if err := d.walkPSB(); err != nil {
		return err
	}

	if d.ip != 0 {
		d.state.Type = 0
		d.pktState = stateInSync
		return nil
	}
	return d.syncIP()
}

// scanForPSB locates the next PSB marker in the trace, fetching fresh
// chunks as needed and reconstructing a marker split across a chunk
// boundary, mirroring intel_pt_scan_for_psb.
func (d *Decoder) scanForPSB() error {
	d.log.Logf(LogDebug, "scanning for PSB")
	for {
		if len(d.buf) == 0 {
			if err := d.getNextData(); err != nil {
				return err
			}
		}

		idx := ptsync.ScanForPSB(d.buf)
		if idx < 0 {
			partLen := ptsync.PartPSB(d.buf)
			if partLen > 0 {
				if err := d.getSplitPSB(partLen); err != nil {
					return err
				}
			} else {
				d.pos += uint64(len(d.buf))
				d.buf = nil
			}
			continue
		}

		d.pktStep = idx
		return d.nextPacket()
	}
}

// getSplitPSB reconstructs a PSB marker cut off by a chunk boundary,
// mirroring intel_pt_get_split_psb.
func (d *Decoder) getSplitPSB(partLen int) error {
	oldLen := uint64(len(d.buf))
	d.pos += oldLen
	d.buf = nil

	if err := d.getNextData(); err != nil {
		return err
	}

	restLen := ptsync.RestPSB(d.buf, partLen)
	if restLen == 0 {
		return nil
	}

	d.pos -= uint64(partLen)
	d.nextBuf = d.buf[restLen:]
	copy(d.tempBuf[:ptpkt.PSBLen], ptpkt.PSBMarker[:])
	d.buf = d.tempBuf[:ptpkt.PSBLen]
	return nil
}

// walkPSB consumes the body of a PSB+ region before any full IP has been
// established, applying timing/PIP/MODE packets along the way and
// refusing any packet that implies trace content the decoder cannot yet
// place (intel_pt_walk_psb).
func (d *Decoder) walkPSB() error {
	for {
		if err := d.nextPacket(); err != nil {
			return err
		}

		switch d.packet.Kind {
		case ptpkt.KindTIPPGD:
			d.continuousPeriod = false
			fallthrough
		case ptpkt.KindTIPPGE, ptpkt.KindTIP:
			d.log.Logf(LogError, "unexpected %s while syncing PSB", d.packet.Kind)
			return errMismatch

		case ptpkt.KindFUP:
			d.pge = true
			if d.haveIP() {
				prevIP := d.ip
				d.setIP()
				if prevIP != 0 {
					d.log.Logf(LogDebug, "setting IP to %#x", d.ip)
				}
			}

		case ptpkt.KindMTC:
			d.onMTC()
		case ptpkt.KindTSC:
			d.onTSC()
		case ptpkt.KindTMA:
			d.timing.OnTMA(d.packet.Payload, d.packet.Count)
		case ptpkt.KindCYC:
			d.onCYC()
		case ptpkt.KindCBR:
			d.timing.OnCBR(d.packet.Payload)
		case ptpkt.KindPIP:
			d.cr3 = d.packet.Payload &^ (uint64(1) << 63)
		case ptpkt.KindModeExec:
			d.execMode = d.packet.Payload
		case ptpkt.KindModeTSX:
			d.updateInTx()

		case ptpkt.KindTraceStop:
			d.pge = false
			d.continuousPeriod = false
			d.clearTxFlags()
			fallthrough
		case ptpkt.KindTNT:
			d.timing.HaveTMA = false
			d.log.Logf(LogError, "unexpected %s while syncing PSB", d.packet.Kind)
			if d.ip != 0 {
				d.pktState = errState4
			} else {
				d.pktState = errState3
			}
			return errMismatch

		case ptpkt.KindOVF:
			return d.overflow()

		case ptpkt.KindPSBEnd:
			return nil

		case ptpkt.KindBad:
			return d.bug()

		case ptpkt.KindPSB, ptpkt.KindVMCS, ptpkt.KindMNT, ptpkt.KindPad:
		}
	}
}

// walkPSBEnd consumes the body of a PSB+ region reached while already in
// sync: unlike walkPSB it leaves IP alone and treats any packet that
// doesn't belong inside a PSB+ region as a request to re-dispatch the
// same packet through walkTrace (intel_pt_walk_psbend).
func (d *Decoder) walkPSBEnd() error {
	for {
		if err := d.nextPacket(); err != nil {
			return err
		}

		switch d.packet.Kind {
		case ptpkt.KindPSBEnd:
			return nil

		case ptpkt.KindTIPPGD, ptpkt.KindTIPPGE, ptpkt.KindTIP,
			ptpkt.KindTNT, ptpkt.KindTraceStop, ptpkt.KindBad, ptpkt.KindPSB:
			d.timing.HaveTMA = false
			return errAgain

		case ptpkt.KindOVF:
			return d.overflow()

		case ptpkt.KindTSC:
			d.onTSC()
		case ptpkt.KindTMA:
			d.timing.OnTMA(d.packet.Payload, d.packet.Count)
		case ptpkt.KindCBR:
			d.timing.OnCBR(d.packet.Payload)
		case ptpkt.KindModeExec:
			d.execMode = d.packet.Payload
		case ptpkt.KindPIP:
			d.cr3 = d.packet.Payload &^ (uint64(1) << 63)

		case ptpkt.KindFUP:
			d.pge = true
			if d.packet.Count != 0 {
				d.setLastIP()
			}

		case ptpkt.KindModeTSX:
			d.updateInTx()

		case ptpkt.KindMTC:
			d.onMTC()
			if d.params.PeriodType == PeriodMTC {
				d.state.Type |= StateInstruction
			}

		case ptpkt.KindCYC, ptpkt.KindVMCS, ptpkt.KindMNT, ptpkt.KindPad:
		}
	}
}

// walkToIP scans forward for the first packet that delivers a full IP —
// a TIP/TIP.PGE/TIP.PGD/FUP carrying one, or a nested PSB+ region whose
// own walk establishes one — applying every other packet's side effects
// along the way (intel_pt_walk_to_ip).
func (d *Decoder) walkToIP() error {
	for {
		if err := d.nextPacket(); err != nil {
			return err
		}

		switch d.packet.Kind {
		case ptpkt.KindTIPPGD:
			d.continuousPeriod = false
			fallthrough
		case ptpkt.KindTIPPGE, ptpkt.KindTIP:
			d.pge = d.packet.Kind != ptpkt.KindTIPPGD
			if d.haveIP() {
				d.setIP()
			}
			if d.ip != 0 {
				return nil
			}

		case ptpkt.KindFUP:
			if d.haveIP() {
				d.setIP()
			}
			if d.ip != 0 {
				return nil
			}

		case ptpkt.KindMTC:
			d.onMTC()
		case ptpkt.KindTSC:
			d.onTSC()
		case ptpkt.KindTMA:
			d.timing.OnTMA(d.packet.Payload, d.packet.Count)
		case ptpkt.KindCYC:
			d.onCYC()
		case ptpkt.KindCBR:
			d.timing.OnCBR(d.packet.Payload)
		case ptpkt.KindPIP:
			d.cr3 = d.packet.Payload &^ (uint64(1) << 63)
		case ptpkt.KindModeExec:
			d.execMode = d.packet.Payload
		case ptpkt.KindModeTSX:
			d.updateInTx()

		case ptpkt.KindOVF:
			return d.overflow()

		case ptpkt.KindBad:
			return d.bug()

		case ptpkt.KindTraceStop:
			d.pge = false
			d.continuousPeriod = false
			d.clearTxFlags()
			d.timing.HaveTMA = false

		case ptpkt.KindPSB:
			d.lastIP = 0
			d.haveLastIP = true
			d.stack.Clear()
			if err := d.walkPSB(); err != nil {
				return err
			}
			if d.ip != 0 {
				d.state.Type = 0
				return nil
			}

		case ptpkt.KindTNT, ptpkt.KindPSBEnd, ptpkt.KindVMCS, ptpkt.KindMNT, ptpkt.KindPad:
		}
	}
}

// syncIP drives walkToIP and, once a full IP surfaces, publishes it as a
// resync point with no preceding edge (intel_pt_sync_ip).
func (d *Decoder) syncIP() error {
	d.setFUPTxFlags = false
	d.log.Logf(LogDebug, "scanning for full IP")

	if err := d.walkToIP(); err != nil {
		return err
	}

	d.pktState = stateInSync
	d.overflowed = false
	d.state.Type = 0
	d.state.FromIP = 0
	d.state.ToIP = d.ip
	d.log.Logf(LogDebug, "setting IP to %#x", d.ip)
	return nil
}

// walkTrace is the main in-sync dispatch loop: it fetches packets one at
// a time and either publishes a step directly (TIP.PGE, a zero-count MTC
// sample) or hands off to the state-specific walker for TNT/TIP/FUP
// sequences, looping back for the next packet whenever the current one
// carries no publishable event (intel_pt_walk_trace).
func (d *Decoder) walkTrace() error {
	noTip := false

	if err := d.nextPacket(); err != nil {
		return err
	}

next:
	switch d.packet.Kind {
	case ptpkt.KindTNT:
		if d.packet.Count == 0 {
			break
		}
		d.tnt = d.packet
		d.pktState = stateTNT
		if err := d.walkTNT(); err != nil {
			if err == errAgain {
				break
			}
			return err
		}
		return nil

	case ptpkt.KindTIPPGD:
		if d.packet.Count != 0 {
			d.setLastIP()
		}
		d.pktState = stateTIPPGD
		return d.walkTIP()

	case ptpkt.KindTIPPGE:
		d.pge = true
		if d.packet.Count == 0 {
			d.log.Logf(LogDebug, "skipping zero TIP.PGE")
			break
		}
		d.setIP()
		d.state.FromIP = 0
		d.state.ToIP = d.ip
		return nil

	case ptpkt.KindOVF:
		return d.overflow()

	case ptpkt.KindTIP:
		if d.packet.Count != 0 {
			d.setLastIP()
		}
		d.pktState = stateTIP
		return d.walkTIP()

	case ptpkt.KindFUP:
		if d.packet.Count == 0 {
			d.log.Logf(LogDebug, "skipping zero FUP")
			noTip = false
			break
		}
		d.setLastIP()
		err := d.walkFUP()
		if err != errAgain {
			if err != nil {
				return err
			}
			if noTip {
				d.pktState = stateFUPNoTip
			} else {
				d.pktState = stateFUP
			}
			return nil
		}
		if noTip {
			noTip = false
			break
		}
		return d.walkFUPTIP()

	case ptpkt.KindTraceStop:
		d.pge = false
		d.continuousPeriod = false
		d.clearTxFlags()
		d.timing.HaveTMA = false

	case ptpkt.KindPSB:
		d.lastIP = 0
		d.haveLastIP = true
		d.stack.Clear()
		err := d.walkPSBEnd()
		if err == errAgain {
			goto next
		}
		if err != nil {
			return err
		}

	case ptpkt.KindPIP:
		d.cr3 = d.packet.Payload &^ (uint64(1) << 63)

	case ptpkt.KindMTC:
		d.onMTC()
		if d.params.PeriodType != PeriodMTC {
			break
		}
		// Only sample if an instruction has executed since the last MTC.
		if !d.mtcInsn {
			break
		}
		d.mtcInsn = false
		if d.timing.Timestamp == 0 {
			break
		}
		d.state.Type = StateInstruction
		d.state.FromIP = d.ip
		d.state.ToIP = 0
		d.mtcInsn = false
		return nil

	case ptpkt.KindTSC:
		d.onTSC()
	case ptpkt.KindTMA:
		d.timing.OnTMA(d.packet.Payload, d.packet.Count)
	case ptpkt.KindCYC:
		d.onCYC()
	case ptpkt.KindCBR:
		d.timing.OnCBR(d.packet.Payload)
	case ptpkt.KindModeExec:
		d.execMode = d.packet.Payload

	case ptpkt.KindModeTSX:
		if !d.pge {
			d.updateInTx()
			break
		}
		if err := d.modeTSX(&noTip); err != nil {
			return err
		}
		goto next

	case ptpkt.KindBad:
		return d.bug()

	case ptpkt.KindPSBEnd, ptpkt.KindVMCS, ptpkt.KindMNT, ptpkt.KindPad:
	}

	if err := d.nextPacket(); err != nil {
		return err
	}
	goto next
}

// walkTNT resolves a run of TNT bits against the walked instruction
// stream: each conditional branch consumes one bit (taken or not), each
// compressed RET consumes one bit against the shadow stack, and each
// indirect branch defers to the TIP packet that must immediately follow
// it (intel_pt_walk_tnt).
func (d *Decoder) walkTNT() error {
	for {
		result, insn, err := d.walkInsn(0)
		if result == walkDone {
			return nil
		}
		if err != nil {
			return err
		}

		if insn.Op == OpRet {
			if !d.params.ReturnCompression {
				d.log.Logf(LogError, "RET when expecting conditional branch at %#x", d.ip)
				d.pktState = errState3
				return errMismatch
			}
			if d.retAddr == 0 {
				d.log.Logf(LogError, "bad RET compression: stack empty at %#x", d.ip)
				d.pktState = errState3
				return errMismatch
			}
			if d.tnt.Payload&(uint64(1)<<63) == 0 {
				d.log.Logf(LogError, "bad RET compression: TNT=N at %#x", d.ip)
				d.pktState = errState3
				return errMismatch
			}

			d.tnt.Count--
			if d.tnt.Count != 0 {
				d.pktState = stateTNTCont
			} else {
				d.pktState = stateInSync
			}
			d.tnt.Payload <<= 1

			d.state.FromIP = d.ip
			d.ip = d.retAddr
			d.state.ToIP = d.ip
			return nil
		}

		switch insn.Branch {
		case Indirect:
			if err := d.nextPacket(); err != nil {
				return err
			}
			if d.packet.Kind != ptpkt.KindTIP || d.packet.Count == 0 {
				d.log.Logf(LogError, "missing deferred TIP for indirect branch at %#x", d.ip)
				d.pktState = errState3
				d.pktStep = 0
				return errMismatch
			}
			d.setLastIP()
			d.state.FromIP = d.ip
			d.ip = d.lastIP
			d.state.ToIP = d.ip
			return nil

		case Conditional:
			d.tnt.Count--
			if d.tnt.Count != 0 {
				d.pktState = stateTNTCont
			} else {
				d.pktState = stateInSync
			}

			if d.tnt.Payload&(uint64(1)<<63) != 0 {
				d.tnt.Payload <<= 1
				d.state.FromIP = d.ip
				d.ip += uint64(insn.Length) + uint64(int64(insn.Rel))
				d.state.ToIP = d.ip
				return nil
			}

			if d.state.Type&StateInstruction != 0 {
				d.tnt.Payload <<= 1
				d.state.Type = StateInstruction
				d.state.FromIP = d.ip
				d.state.ToIP = 0
				d.ip += uint64(insn.Length)
				return nil
			}

			d.ip += uint64(insn.Length)
			if d.tnt.Count == 0 {
				return errAgain
			}
			d.tnt.Payload <<= 1

		default:
			return d.bug()
		}
	}
}

// walkTIP resolves the single branch a TIP/TIP.PGD packet announces: an
// indirect branch adopts the packet's IP directly, a conditional branch
// that instead lands outside the active filter region is recognized via
// PgdIP, and anything else is a trace/instruction mismatch
// (intel_pt_walk_tip).
func (d *Decoder) walkTIP() error {
	result, insn, err := d.walkInsn(0)

	if result == walkDone &&
		d.params.PgdIP != nil && d.pktState == stateTIPPGD &&
		d.state.Type&StateBranch != 0 && d.params.PgdIP.PgdIP(d.state.ToIP) {
		d.noProgress = 0
		d.pge = false
		d.continuousPeriod = false
		d.pktState = stateInSync
		d.state.ToIP = 0
		return nil
	}
	if result == walkDone {
		return nil
	}
	if err != nil {
		return err
	}

	switch insn.Branch {
	case Indirect:
		if d.pktState == stateTIPPGD {
			d.pge = false
			d.continuousPeriod = false
			d.pktState = stateInSync
			d.state.FromIP = d.ip
			d.state.ToIP = 0
			if d.packet.Count != 0 {
				d.ip = d.lastIP
			}
		} else {
			d.pktState = stateInSync
			d.state.FromIP = d.ip
			if d.packet.Count == 0 {
				d.state.ToIP = 0
			} else {
				d.state.ToIP = d.lastIP
				d.ip = d.lastIP
			}
		}
		return nil

	case Conditional:
		toIP := d.ip + uint64(insn.Length) + uint64(int64(insn.Rel))
		if d.params.PgdIP != nil && d.pktState == stateTIPPGD && d.params.PgdIP.PgdIP(toIP) {
			d.pge = false
			d.continuousPeriod = false
			d.pktState = stateInSync
			d.ip = toIP
			d.state.FromIP = d.ip
			d.state.ToIP = 0
			return nil
		}
		d.log.Logf(LogError, "conditional branch when expecting indirect branch at %#x", d.ip)
		d.pktState = errState3
		return errMismatch
	}

	return d.bug()
}

// walkFUP resolves the instruction a FUP packet points at: ordinarily it
// walks until that IP is reached and returns errAgain so the caller knows
// no event was published yet, but if a MODE.TSX deferred its flags onto
// this FUP it instead publishes the pending transaction event directly
// (intel_pt_walk_fup).
func (d *Decoder) walkFUP() error {
	result, insn, err := d.walkInsn(d.lastIP)

	if result == walkDone {
		return nil
	}

	if result == walkAgain {
		if d.setFUPTxFlags {
			d.setFUPTxFlags = false
			d.txFlags = d.fupTxFlags
			d.state.Type = StateTransaction
			d.state.FromIP = d.ip
			d.state.ToIP = 0
			d.state.Flags = Flags(d.fupTxFlags)
			return nil
		}
		return errAgain
	}

	d.setFUPTxFlags = false
	if err != nil {
		return err
	}

	switch insn.Branch {
	case Indirect:
		d.log.Logf(LogError, "unexpected indirect branch at %#x", d.ip)
	case Conditional:
		d.log.Logf(LogError, "unexpected conditional branch at %#x", d.ip)
	default:
		return d.bug()
	}
	d.pktState = errState3
	return errMismatch
}

// walkFUPTIP consumes the TIP that must follow a FUP once walkFUP
// reports it reached the FUP's IP without a branch resolving first,
// applying the deferred transaction-abort/async flag and then handing
// back the TIP's announced target (intel_pt_walk_fup_tip).
func (d *Decoder) walkFUPTIP() error {
	if d.txFlags&uint32(FlagAbortTx) != 0 {
		d.txFlags = 0
		d.state.Flags &^= FlagInTx
		d.state.Flags |= FlagAbortTx
	} else {
		d.state.Flags |= FlagAsync
	}

	for {
		if err := d.nextPacket(); err != nil {
			return err
		}

		switch d.packet.Kind {
		case ptpkt.KindTNT, ptpkt.KindFUP, ptpkt.KindTraceStop, ptpkt.KindPSB,
			ptpkt.KindTSC, ptpkt.KindTMA, ptpkt.KindCBR, ptpkt.KindModeTSX,
			ptpkt.KindBad, ptpkt.KindPSBEnd:
			d.log.Logf(LogError, "missing TIP after FUP at %#x", d.ip)
			d.pktState = errState3
			return errMismatch

		case ptpkt.KindOVF:
			return d.overflow()

		case ptpkt.KindTIPPGD:
			d.state.FromIP = d.ip
			d.state.ToIP = 0
			if d.packet.Count != 0 {
				d.setIP()
				d.log.Logf(LogDebug, "omitting PGD ip %#x", d.ip)
			}
			d.pge = false
			d.continuousPeriod = false
			return nil

		case ptpkt.KindTIPPGE:
			d.pge = true
			d.log.Logf(LogDebug, "omitting PGE ip")
			d.state.FromIP = 0
			if d.packet.Count == 0 {
				d.state.ToIP = 0
			} else {
				d.setIP()
				d.state.ToIP = d.ip
			}
			return nil

		case ptpkt.KindTIP:
			d.state.FromIP = d.ip
			if d.packet.Count == 0 {
				d.state.ToIP = 0
			} else {
				d.setIP()
				d.state.ToIP = d.ip
			}
			return nil

		case ptpkt.KindPIP:
			d.cr3 = d.packet.Payload &^ (uint64(1) << 63)

		case ptpkt.KindMTC:
			d.onMTC()
			if d.params.PeriodType == PeriodMTC {
				d.state.Type |= StateInstruction
			}

		case ptpkt.KindCYC:
			d.onCYC()

		case ptpkt.KindModeExec:
			d.execMode = d.packet.Payload

		case ptpkt.KindVMCS, ptpkt.KindMNT, ptpkt.KindPad:

		default:
			return d.bug()
		}
	}
}

// modeTSX handles a MODE.TSX packet seen while in sync (pge true): the
// transaction flags it carries only take effect once the FUP that should
// immediately follow is seen, so they are stashed and noTip is raised
// unless the transaction aborted, in which case the next packet is
// expected to be TIP, not FUP (intel_pt_mode_tsx).
func (d *Decoder) modeTSX(noTip *bool) error {
	fupTxFlags := uint32(d.packet.Payload) & (uint32(FlagInTx) | uint32(FlagAbortTx))

	if err := d.nextPacket(); err != nil {
		return err
	}

	if d.packet.Kind == ptpkt.KindFUP {
		d.fupTxFlags = fupTxFlags
		d.setFUPTxFlags = true
		if fupTxFlags&uint32(FlagAbortTx) == 0 {
			*noTip = true
		}
		return nil
	}

	d.log.Logf(LogError, "missing FUP after MODE.TSX at pos %#x", d.pos)
	d.txFlags = fupTxFlags & uint32(FlagInTx)
	return nil
}
