package intelpt

import (
	"errors"

	"github.com/rs/xid"

	"github.com/ptdecode/intelpt/pkg/ptpkt"
	"github.com/ptdecode/intelpt/pkg/ptstack"
	"github.com/ptdecode/intelpt/pkg/pttime"
)

// decoderPktState mirrors enum intel_pt_pkt_state, the automaton's own
// notion of what it is waiting for next — distinct from ptpkt.Kind, which
// describes the packet just tokenized.
type decoderPktState int

const (
	stateNoPSB decoderPktState = iota
	stateNoIP
	stateErrResync
	stateInSync
	stateTNTCont
	stateTNT
	stateTIP
	stateTIPPGD
	stateFUP
	stateFUPNoTip
)

// errState1 mirrors the ERR1 macro in the non-strict build of
// intel-pt-decoder.c: a bad packet leaves the automaton in whatever state
// it was already in.
func errState1(s decoderPktState) decoderPktState { return s }

// errState2/errState3/errState4 mirror the ERR2/ERR3/ERR4 macros: a
// missing instruction, a trace/instruction mismatch mid-branch, and an
// unexpected packet while already in sync each resync to a different
// point depending on how much IP state survives.
const (
	errState2 = stateNoIP
	errState3 = stateErrResync
	errState4 = stateInSync
)

// sampleTime reports whether pkt_state is one where the timestamp/
// instruction-count pair sampled for EstTimestamp should be refreshed,
// mirroring intel_pt_sample_time. The mid-step states (TNT/TIP/TIP.PGD/
// FUP/FUP_NO_TIP) are excluded because they leave d.ip pointing partway
// through a still-unresolved branch.
func sampleTime(s decoderPktState) bool {
	switch s {
	case stateTNT, stateTIP, stateTIPPGD, stateFUP, stateFUPNoTip:
		return false
	default:
		return true
	}
}

// Decoder walks Intel Processor Trace packets into a sequence of branch,
// instruction and transaction events, the Go analogue of struct
// intel_pt_decoder. It is single-threaded and stateful: callers drive it
// exclusively through Decode, one step at a time.
type Decoder struct {
	params Params
	log    Logger
	id     xid.ID

	stack  *ptstack.Stack
	timing *pttime.Unit

	// buf/nextBuf/tempBuf/pos/pktStep/pktLen/packet/lastPacketType are the
	// tokenizer's cursor state; see tokenizer.go.
	buf            []byte
	nextBuf        []byte
	tempBuf        [ptpkt.MaxPacketSize]byte
	pos            uint64
	pktStep        int
	pktLen         int
	packet         ptpkt.Packet
	tnt            ptpkt.Packet
	lastPacketType ptpkt.Kind

	pktState decoderPktState

	ip         uint64
	lastIP     uint64
	haveLastIP bool
	retAddr    uint64
	cr3        uint64
	execMode   uint64

	txFlags       uint32
	fupTxFlags    uint32
	setFUPTxFlags bool

	pge              bool
	overflowed       bool
	continuousPeriod bool
	mtcInsn          bool

	timestampInsnCnt    uint64
	sampleInsnCnt       uint64
	sampleTimestamp     uint64
	totInsnCnt          uint64
	periodInsnCnt       uint64
	periodMask          uint64
	periodTicks         uint64
	lastMaskedTimestamp uint64

	noProgress int
	stuckIP    uint64
	stuckIPPrd int
	stuckIPCnt int

	state State
}

// Close releases the shadow stack's allocation blocks. A Decoder need not
// be closed to be garbage collected; Close exists so long-lived decoders
// (one per monitored thread, say) can drop their stack memory as soon as
// decoding ends rather than waiting on the next GC cycle.
func (d *Decoder) Close() {
	d.stack.Clear()
}

// Decode advances the automaton by one published step and returns the
// resulting State, mirroring intel_pt_decode. The returned State is a
// copy; callers may retain it across later Decode calls without it
// changing underneath them.
func (d *Decoder) Decode() *State {
	var err error

	for {
		d.state.Type = StateBranch
		d.state.Flags = 0

		switch d.pktState {
		case stateNoPSB:
			err = d.sync()

		case stateNoIP:
			d.haveLastIP = false
			d.lastIP = 0
			d.ip = 0
			err = d.syncIP()

		case stateErrResync:
			err = d.syncIP()

		case stateInSync:
			err = d.walkTrace()

		case stateTNT, stateTNTCont:
			err = d.walkTNT()
			if errors.Is(err, errAgain) {
				err = d.walkTrace()
			}

		case stateTIP, stateTIPPGD:
			err = d.walkTIP()

		case stateFUP:
			d.pktState = stateInSync
			err = d.walkFUP()
			switch {
			case errors.Is(err, errAgain):
				err = d.walkFUPTIP()
			case err == nil:
				d.pktState = stateFUP
			}

		case stateFUPNoTip:
			d.pktState = stateInSync
			err = d.walkFUP()
			if errors.Is(err, errAgain) {
				err = d.walkTrace()
			}

		default:
			err = d.bug()
		}

		if !errors.Is(err, errNoLink) {
			break
		}
	}

	if err != nil {
		d.state.Err = &DecodeError{Code: extErr(err), IP: d.ip}
		d.state.FromIP = d.ip
		d.sampleTimestamp = d.timing.Timestamp
		d.sampleInsnCnt = d.timestampInsnCnt
	} else {
		d.state.Err = nil
		if sampleTime(d.pktState) {
			d.sampleTimestamp = d.timing.Timestamp
			d.sampleInsnCnt = d.timestampInsnCnt
		}
	}

	d.state.Timestamp = d.sampleTimestamp
	d.state.EstTimestamp = d.timing.Estimate(d.sampleTimestamp, d.sampleInsnCnt)
	d.state.CR3 = d.cr3
	d.state.TotInsnCnt = d.totInsnCnt

	out := d.state
	return &out
}

// calcIP reconstructs a full IP from a compressed packet payload and the
// last known IP, mirroring intel_pt_calc_ip's switch on the packet's IP
// compression byte count.
func calcIP(pkt ptpkt.Packet, lastIP uint64) uint64 {
	switch pkt.Count {
	case 1:
		return (lastIP & 0xffffffffffff0000) | (pkt.Payload & 0xffff)
	case 2:
		return (lastIP & 0xffffffff00000000) | (pkt.Payload & 0xffffffff)
	case 3:
		ip := pkt.Payload & 0xffffffffffff
		if ip&0x800000000000 != 0 {
			ip |= 0xffff000000000000
		}
		return ip
	case 4:
		return (lastIP & 0xffff000000000000) | (pkt.Payload & 0xffffffffffff)
	case 6:
		return pkt.Payload
	default:
		return 0
	}
}

// setLastIP recomputes lastIP from the current packet (intel_pt_set_last_ip).
func (d *Decoder) setLastIP() {
	d.lastIP = calcIP(d.packet, d.lastIP)
	d.haveLastIP = true
}

// setIP recomputes lastIP and adopts it as ip (intel_pt_set_ip).
func (d *Decoder) setIP() {
	d.setLastIP()
	d.ip = d.lastIP
}

// clearTxFlags drops any in-progress transaction flags (intel_pt_clear_tx_flags).
func (d *Decoder) clearTxFlags() {
	d.txFlags = 0
}

// updateInTx refreshes the in-transaction flag from a MODE.TSX packet seen
// outside a FUP (intel_pt_update_in_tx).
func (d *Decoder) updateInTx() {
	d.txFlags = uint32(d.packet.Payload) & uint32(FlagInTx)
}

// overflow handles an OVF packet: the trace buffer wrapped before the
// decoder consumed it, so accumulated instruction-count timing is no
// longer trustworthy and resync is required (intel_pt_overflow).
func (d *Decoder) overflow() error {
	d.log.Logf(LogError, "buffer overflow")
	d.clearTxFlags()
	d.timestampInsnCnt = 0
	d.pktState = stateErrResync
	d.overflowed = true
	return errOverflow
}

// bug records an internal-error condition the automaton should never
// reach in practice — an unhandled packet kind in a state's switch
// statement — and forces a full resync (intel_pt_bug).
func (d *Decoder) bug() error {
	d.log.Logf(LogError, "internal error: unhandled packet %s in state", d.packet.Kind)
	d.pktState = stateNoPSB
	return errIntern
}

// onTSC applies the current TSC packet to the timing unit, resetting the
// per-timestamp instruction count when the anchor moves.
func (d *Decoder) onTSC() {
	if d.timing.OnTSC(d.packet.Payload, d.lastPacketType == ptpkt.KindCYC, d.lookahead) {
		d.timestampInsnCnt = 0
	}
}

// onMTC applies the current MTC packet to the timing unit.
func (d *Decoder) onMTC() {
	if d.timing.OnMTC(d.packet.Payload, d.lastPacketType == ptpkt.KindCYC, d.lookahead) {
		d.timestampInsnCnt = 0
	}
}

// onCYC applies the current CYC packet to the timing unit.
func (d *Decoder) onCYC() {
	if d.timing.OnCYC(d.packet.Payload) {
		d.timestampInsnCnt = 0
	}
}

// lookahead implements pttime.Lookahead by scanning forward from the
// packet just past the current cursor, within the currently buffered
// chunk only — it never calls getNextData, mirroring
// intel_pt_pkt_lookahead's refusal to block the calibrator on I/O.
func (d *Decoder) lookahead(visit func(pkt pttime.LookaheadPacket, precededByCYC bool) bool) {
	buf := d.buf
	pos := d.pktStep
	last := d.lastPacketType

	for pos < len(buf) {
		pkt, n, err := d.params.PacketDecoder.DecodePacket(buf[pos:])
		if err != nil || n <= 0 {
			return
		}
		if pkt.Kind != ptpkt.KindPad {
			cont := visit(pttime.LookaheadPacket{Kind: pkt.Kind, Payload: pkt.Payload, Count: pkt.Count}, last == ptpkt.KindCYC)
			last = pkt.Kind
			if !cont {
				return
			}
		}
		pos += n
	}
}
