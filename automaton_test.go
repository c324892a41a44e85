package intelpt

import (
	"errors"
	"testing"

	"github.com/ptdecode/intelpt/pkg/ptpkt"
)

// TestSyncSkipsLeadingGarbage covers scanForPSB locating a PSB marker that
// isn't the first thing in the buffer (e.g. trailing bytes from a region
// the decoder wasn't attached for).
func TestSyncSkipsLeadingGarbage(t *testing.T) {
	const entryIP = 0x400000
	var buf []byte
	for i := 0; i < 5; i++ {
		buf = ptpkt.Encode(buf, ptpkt.Packet{Kind: ptpkt.KindPad})
	}
	buf = append(buf,
		encodeAll(
			ptpkt.Packet{Kind: ptpkt.KindPSB},
			ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
			ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
		)...,
	)
	d := newTestDecoder(t, buf, &testWalker{}, false)

	state := d.Decode()
	if state.Err != nil {
		t.Fatalf("Decode() err = %v", state.Err)
	}
	if state.ToIP != entryIP {
		t.Fatalf("Decode() ToIP = %#x, want %#x", state.ToIP, uint64(entryIP))
	}
}

// TestWalkTNTSkipsNotTakenConditionals covers a multi-bit TNT packet where
// the first bit is not-taken: the automaton must keep walking instructions
// within the same TNT packet (no packet refetch) until a bit resolves a
// published event.
func TestWalkTNTSkipsNotTakenConditionals(t *testing.T) {
	const entryIP = 0x400000
	const notTakenLen = 3
	const takenLen = 2
	const takenRel = 0x40

	buf := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
		ptpkt.Packet{Kind: ptpkt.KindTNT, Payload: uint64(1) << 62, Count: 2},
	)
	walker := &testWalker{steps: []scriptedStep{
		{insn: Insn{Branch: Conditional, Length: notTakenLen}},
		{insn: Insn{Branch: Conditional, Length: takenLen, Rel: takenRel}},
	}}
	d := newTestDecoder(t, buf, walker, false)

	if state := d.Decode(); state.Err != nil {
		t.Fatalf("entry Decode() err = %v", state.Err)
	}

	state := d.Decode()
	if state.Err != nil {
		t.Fatalf("Decode() err = %v", state.Err)
	}
	wantFrom := uint64(entryIP + notTakenLen)
	wantTo := wantFrom + takenLen + takenRel
	if state.FromIP != wantFrom || state.ToIP != wantTo {
		t.Fatalf("Decode() from=%#x to=%#x, want from=%#x to=%#x", state.FromIP, state.ToIP, wantFrom, wantTo)
	}
}

// TestModeTSXAbortPublishesTransactionFlag covers a MODE.TSX packet whose
// abort flag is only applied once the FUP that must immediately follow it
// is seen, publishing a StateTransaction step with FlagAbortTx set.
func TestModeTSXAbortPublishesTransactionFlag(t *testing.T) {
	const entryIP = 0x400000

	buf := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
		ptpkt.Packet{Kind: ptpkt.KindModeTSX, Payload: uint64(FlagAbortTx)},
		ptpkt.Packet{Kind: ptpkt.KindFUP, Payload: entryIP, Count: 6},
	)
	walker := &testWalker{steps: []scriptedStep{{insn: Insn{}}}}
	d := newTestDecoder(t, buf, walker, false)

	if state := d.Decode(); state.Err != nil {
		t.Fatalf("entry Decode() err = %v", state.Err)
	}

	state := d.Decode()
	if state.Err != nil {
		t.Fatalf("Decode() err = %v", state.Err)
	}
	if state.Type != StateTransaction {
		t.Fatalf("Decode() Type = %v, want StateTransaction", state.Type)
	}
	if state.Flags&FlagAbortTx == 0 {
		t.Fatalf("Decode() Flags = %v, want FlagAbortTx set", state.Flags)
	}
	if state.FromIP != entryIP {
		t.Fatalf("Decode() FromIP = %#x, want %#x", state.FromIP, uint64(entryIP))
	}
}

// TestPIPUpdatesCR3 covers the paging state: CR3 is zero until a PIP
// packet arrives, after which every published step carries the PIP's
// page-table base with the top bit masked off.
func TestPIPUpdatesCR3(t *testing.T) {
	const entryIP = 0x400000
	const nextIP = 0x400100
	const cr3 = uint64(0x1234000)

	buf := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
		ptpkt.Packet{Kind: ptpkt.KindPIP, Payload: cr3 | uint64(1)<<63},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: nextIP, Count: 6},
	)
	d := newTestDecoder(t, buf, &testWalker{}, false)

	entry := d.Decode()
	if entry.Err != nil {
		t.Fatalf("entry Decode() err = %v", entry.Err)
	}
	if entry.CR3 != 0 {
		t.Fatalf("CR3 = %#x before any PIP, want 0", entry.CR3)
	}

	state := d.Decode()
	if state.Err != nil {
		t.Fatalf("Decode() err = %v", state.Err)
	}
	if state.CR3 != cr3 {
		t.Fatalf("CR3 = %#x after PIP, want %#x (top bit masked)", state.CR3, cr3)
	}
}

// TestOverflowForcesResync covers an OVF packet: it is reported as
// ErrOverflow and drives the automaton into a resync state rather than
// trusting the instruction count accumulated so far.
func TestOverflowForcesResync(t *testing.T) {
	const entryIP = 0x400000
	buf := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
		ptpkt.Packet{Kind: ptpkt.KindOVF},
	)
	d := newTestDecoder(t, buf, &testWalker{}, false)

	if state := d.Decode(); state.Err != nil {
		t.Fatalf("entry Decode() err = %v", state.Err)
	}

	state := d.Decode()
	var decErr *DecodeError
	if !errors.As(state.Err, &decErr) || decErr.Code != ErrOverflow {
		t.Fatalf("Decode() err = %v, want ErrOverflow", state.Err)
	}
}

// loopWalker reports the same zero-advance unconditional branch forever,
// simulating the degenerate self-loop the loop guard exists to catch.
type loopWalker struct {
	insn Insn
}

func (w *loopWalker) WalkInsn(insn *Insn, ip *uint64, toIP uint64, maxInsnCnt uint64) (uint64, error) {
	*insn = w.insn
	return 1, nil
}

// TestLoopGuardReportsNeverEndingLoop covers the stuck-IP guard: an
// unconditional branch that keeps landing on its own recorded IP must be
// reported as ErrNeverEndingLoop with the automaton moved to resync.
func TestLoopGuardReportsNeverEndingLoop(t *testing.T) {
	const entryIP = 0x400000
	const loopLen = 2

	buf := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
		ptpkt.Packet{Kind: ptpkt.KindTNT, Payload: uint64(1) << 63, Count: 1},
	)
	walker := &loopWalker{insn: Insn{Branch: Unconditional, Length: loopLen, Rel: -loopLen}}
	d := newTestDecoder(t, buf, walker, false)

	if state := d.Decode(); state.Err != nil {
		t.Fatalf("entry Decode() err = %v", state.Err)
	}

	var decErr *DecodeError
	for i := 0; i < 5; i++ {
		state := d.Decode()
		if state.Err == nil {
			if state.FromIP != entryIP || state.ToIP != entryIP {
				t.Fatalf("self-branch from=%#x to=%#x, want both %#x", state.FromIP, state.ToIP, uint64(entryIP))
			}
			continue
		}
		if !errors.As(state.Err, &decErr) || decErr.Code != ErrNeverEndingLoop {
			t.Fatalf("Decode() err = %v, want ErrNeverEndingLoop", state.Err)
		}
		if d.pktState != stateErrResync {
			t.Fatalf("pktState = %v after loop detection, want stateErrResync", d.pktState)
		}
		return
	}
	t.Fatalf("loop guard never tripped")
}

// TestRETWithoutCompressionIsMismatch covers a RET reported by the walker
// while TNT bits are pending and return compression is off: the trace and
// the instruction stream disagree, which is a mismatch, never a pop.
func TestRETWithoutCompressionIsMismatch(t *testing.T) {
	const entryIP = 0x400000

	buf := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
		ptpkt.Packet{Kind: ptpkt.KindTNT, Payload: uint64(1) << 63, Count: 1},
	)
	walker := &testWalker{steps: []scriptedStep{
		{insn: Insn{Op: OpRet, Branch: Conditional}},
	}}
	d := newTestDecoder(t, buf, walker, false)

	if state := d.Decode(); state.Err != nil {
		t.Fatalf("entry Decode() err = %v", state.Err)
	}

	state := d.Decode()
	var decErr *DecodeError
	if !errors.As(state.Err, &decErr) || decErr.Code != ErrMismatch {
		t.Fatalf("Decode() err = %v, want ErrMismatch", state.Err)
	}
	if d.pktState != stateErrResync {
		t.Fatalf("pktState = %v after RET mismatch, want stateErrResync", d.pktState)
	}
}

// TestWalkFUPRequiresFollowingTIP covers a FUP that points at the IP
// already reached (so walkInsn has nothing left to resolve and defers to
// the trailing TIP) whose required TIP never arrives before some
// unrelated packet kind shows up instead.
func TestWalkFUPRequiresFollowingTIP(t *testing.T) {
	const entryIP = 0x400000

	buf := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
		ptpkt.Packet{Kind: ptpkt.KindFUP, Payload: entryIP, Count: 6},
		ptpkt.Packet{Kind: ptpkt.KindTSC, Payload: 0x2000},
	)
	walker := &testWalker{steps: []scriptedStep{{insn: Insn{}}}}
	d := newTestDecoder(t, buf, walker, false)

	if state := d.Decode(); state.Err != nil {
		t.Fatalf("entry Decode() err = %v", state.Err)
	}

	state := d.Decode()
	var decErr *DecodeError
	if !errors.As(state.Err, &decErr) || decErr.Code != ErrMismatch {
		t.Fatalf("Decode() err = %v, want ErrMismatch", state.Err)
	}
}
