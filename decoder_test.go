package intelpt

import (
	"errors"
	"testing"

	"github.com/ptdecode/intelpt/pkg/ptpkt"
)

// scriptedStep is one canned instruction a testWalker hands back.
type scriptedStep struct {
	insn Insn
}

// testWalker implements InsnWalker by replaying a fixed instruction
// sequence regardless of ip, leaving *ip uncommitted on the terminating
// instruction exactly as the real collaborator contract requires (see
// InsnWalker's doc comment).
type testWalker struct {
	steps []scriptedStep
	pos   int
}

func (w *testWalker) WalkInsn(insn *Insn, ip *uint64, toIP uint64, maxInsnCnt uint64) (uint64, error) {
	if w.pos >= len(w.steps) {
		return 0, ErrNoInsnText
	}
	*insn = w.steps[w.pos].insn
	w.pos++
	return 1, nil
}

// chunkReader implements TraceReader over a fixed byte slice, handed back
// once and then reporting exhaustion via an empty consecutive chunk.
type chunkReader struct {
	buf  []byte
	done bool
}

func (r *chunkReader) GetTrace() (Buffer, error) {
	if r.done {
		return Buffer{Consecutive: true}, nil
	}
	r.done = true
	return Buffer{Buf: r.buf, Consecutive: true}, nil
}

// multiChunkReader implements TraceReader over a sequence of consecutive
// chunks, used to exercise the split-packet and split-PSB splice paths.
type multiChunkReader struct {
	chunks [][]byte
	pos    int
}

func (r *multiChunkReader) GetTrace() (Buffer, error) {
	if r.pos >= len(r.chunks) {
		return Buffer{Consecutive: true}, nil
	}
	buf := r.chunks[r.pos]
	r.pos++
	return Buffer{Buf: buf, Consecutive: true}, nil
}

func newTestDecoder(t *testing.T, buf []byte, walker InsnWalker, returnCompression bool) *Decoder {
	t.Helper()
	d, err := NewDecoder(Params{
		GetTrace:          &chunkReader{buf: buf},
		WalkInsn:          walker,
		PacketDecoder:     ptpkt.NewDecoder(),
		ReturnCompression: returnCompression,
	})
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}
	return d
}

func encodeAll(pkts ...ptpkt.Packet) []byte {
	var buf []byte
	for _, pkt := range pkts {
		buf = ptpkt.Encode(buf, pkt)
	}
	return buf
}

func TestNewDecoderRequiresCallbacks(t *testing.T) {
	_, err := NewDecoder(Params{})
	if !errors.Is(err, ErrMissingCallback) {
		t.Fatalf("NewDecoder() error = %v, want ErrMissingCallback", err)
	}
}

// TestDecodeSyncsAndPublishesEntryBranch covers the resync path: a PSB+
// region establishing a full IP via TIP.PGE is the first published step,
// with FromIP == 0 since no edge precedes it.
func TestDecodeSyncsAndPublishesEntryBranch(t *testing.T) {
	const entryIP = 0x400000
	buf := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindTSC, Payload: 0x1000},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
	)
	d := newTestDecoder(t, buf, &testWalker{}, false)

	state := d.Decode()
	if state.Err != nil {
		t.Fatalf("Decode() err = %v", state.Err)
	}
	if state.FromIP != 0 || state.ToIP != entryIP {
		t.Fatalf("Decode() from=%#x to=%#x, want from=0 to=%#x", state.FromIP, state.ToIP, uint64(entryIP))
	}
}

// TestDecodeIndirectBranchWaitsForTIP covers a TNT-resolved conditional
// branch followed by an indirect branch resolved by its deferred TIP
// (an indirect branch's target always comes from the TIP packet, never
// the walker).
func TestDecodeIndirectBranchWaitsForTIP(t *testing.T) {
	const entryIP = 0x400000
	const indirectTarget = 0x500000

	buf := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
		ptpkt.Packet{Kind: ptpkt.KindTNT, Payload: uint64(1) << 63, Count: 1},
		ptpkt.Packet{Kind: ptpkt.KindTIP, Payload: indirectTarget, Count: 6},
	)
	walker := &testWalker{steps: []scriptedStep{
		{insn: Insn{Branch: Conditional, Length: 2, Rel: 0x10}},
		{insn: Insn{Branch: Indirect, Length: 2}},
	}}
	d := newTestDecoder(t, buf, walker, false)

	entry := d.Decode()
	if entry.Err != nil {
		t.Fatalf("entry Decode() err = %v", entry.Err)
	}

	taken := d.Decode()
	if taken.Err != nil {
		t.Fatalf("conditional Decode() err = %v", taken.Err)
	}
	wantTaken := uint64(entryIP + 2 + 0x10)
	if taken.ToIP != wantTaken {
		t.Fatalf("conditional ToIP = %#x, want %#x", taken.ToIP, wantTaken)
	}

	indirect := d.Decode()
	if indirect.Err != nil {
		t.Fatalf("indirect Decode() err = %v", indirect.Err)
	}
	if indirect.ToIP != indirectTarget {
		t.Fatalf("indirect ToIP = %#x, want %#x (must come from TIP, not the walker)", indirect.ToIP, uint64(indirectTarget))
	}
}

// TestDecodeCompressedReturnUsesStack covers a CALL/RET pair where RET is
// resolved from the shadow stack under an N=1 TNT bit, never from a TIP.
func TestDecodeCompressedReturnUsesStack(t *testing.T) {
	const entryIP = 0x400000
	const callLength = 0x10
	const callRel = 0x100
	const callSiteNext = entryIP + callLength

	buf := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
		ptpkt.Packet{Kind: ptpkt.KindTNT, Payload: uint64(1) << 63, Count: 1},
	)
	walker := &testWalker{steps: []scriptedStep{
		{insn: Insn{Op: OpCall, Branch: Unconditional, Length: callLength, Rel: callRel}},
		{insn: Insn{Op: OpRet, Branch: Conditional}},
	}}
	d := newTestDecoder(t, buf, walker, true)

	entry := d.Decode()
	if entry.Err != nil {
		t.Fatalf("entry Decode() err = %v", entry.Err)
	}

	call := d.Decode()
	if call.Err != nil {
		t.Fatalf("call Decode() err = %v", call.Err)
	}
	wantCallTarget := uint64(entryIP + callLength + callRel)
	if call.ToIP != wantCallTarget {
		t.Fatalf("call ToIP = %#x, want %#x", call.ToIP, wantCallTarget)
	}

	ret := d.Decode()
	if ret.Err != nil {
		t.Fatalf("ret Decode() err = %v", ret.Err)
	}
	if ret.ToIP != callSiteNext {
		t.Fatalf("ret ToIP = %#x, want %#x (return address pushed at the call site)", ret.ToIP, uint64(callSiteNext))
	}
}

// TestDecodeExhaustionReportsNoData covers the end of a trace: once the
// reader reports no further bytes, the next Decode publishes an ErrNoData
// step.
func TestDecodeExhaustionReportsNoData(t *testing.T) {
	const entryIP = 0x400000
	buf := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
	)
	d := newTestDecoder(t, buf, &testWalker{}, false)

	if state := d.Decode(); state.Err != nil {
		t.Fatalf("entry Decode() err = %v", state.Err)
	}

	state := d.Decode()
	var decErr *DecodeError
	if !errors.As(state.Err, &decErr) || decErr.Code != ErrNoData {
		t.Fatalf("Decode() err = %v, want ErrNoData", state.Err)
	}
}

// TestDecodeSplitAcrossChunks covers the splice paths: the same trace must
// decode identically whether it arrives whole, with the PSB marker cut by a
// chunk boundary, or with an ordinary packet cut by a chunk boundary.
func TestDecodeSplitAcrossChunks(t *testing.T) {
	const entryIP = 0x400000
	trace := encodeAll(
		ptpkt.Packet{Kind: ptpkt.KindPSB},
		ptpkt.Packet{Kind: ptpkt.KindPSBEnd},
		ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6},
	)

	tests := []struct {
		name  string
		split int
	}{
		{name: "mid PSB marker", split: ptpkt.PSBLen / 2},
		{name: "mid TIP.PGE packet", split: ptpkt.PSBLen + 2 + 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &multiChunkReader{chunks: [][]byte{
				trace[:tt.split],
				trace[tt.split:],
			}}
			d, err := NewDecoder(Params{
				GetTrace:      reader,
				WalkInsn:      &testWalker{},
				PacketDecoder: ptpkt.NewDecoder(),
			})
			if err != nil {
				t.Fatalf("NewDecoder() error = %v", err)
			}

			state := d.Decode()
			if state.Err != nil {
				t.Fatalf("Decode() err = %v", state.Err)
			}
			if state.FromIP != 0 || state.ToIP != entryIP {
				t.Fatalf("Decode() from=%#x to=%#x, want from=0 to=%#x", state.FromIP, state.ToIP, uint64(entryIP))
			}
		})
	}
}

func TestDecoderClose(t *testing.T) {
	d := newTestDecoder(t, encodeAll(ptpkt.Packet{Kind: ptpkt.KindPSB}), &testWalker{}, false)
	d.stack.Push(1)
	d.Close()
	if !d.stack.Empty() {
		t.Fatalf("Close() left the shadow stack non-empty")
	}
}
