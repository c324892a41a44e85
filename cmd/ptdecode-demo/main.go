/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/ptdecode/intelpt"
	"github.com/ptdecode/intelpt/pkg/ptmetrics"
	"github.com/ptdecode/intelpt/pkg/ptpkt"
)

// scriptedInsn is one entry of a canned instruction stream a toy
// InsnWalker hands back, standing in for a real disassembler.
type scriptedInsn struct {
	insn intelpt.Insn
}

// scriptedWalker implements intelpt.InsnWalker by replaying a fixed
// sequence of instructions regardless of the IP it is asked about — a
// stand-in for a real disassembler/ptrace collaborator this package
// deliberately does not implement itself.
type scriptedWalker struct {
	steps []scriptedInsn
	pos   int
}

// WalkInsn reports exactly one instruction per call — the terminating
// branch the decoder asked about — and leaves *ip untouched: Decode's
// automaton commits *ip itself once it knows how this particular branch
// kind resolves (straight-line, taken, or indirect), exactly as the real
// walk_insn collaborator in intel-pt-decoder.c leaves ip for its caller
// to finalize.
func (w *scriptedWalker) WalkInsn(insn *intelpt.Insn, ip *uint64, toIP uint64, maxInsnCnt uint64) (uint64, error) {
	if w.pos >= len(w.steps) {
		return 0, intelpt.ErrNoInsnText
	}
	*insn = w.steps[w.pos].insn
	w.pos++
	return 1, nil
}

// chunkReader implements intelpt.TraceReader over an in-memory byte
// slice, handed back once as a single consecutive chunk and then
// reporting exhaustion with an empty, still-consecutive buffer.
type chunkReader struct {
	buf  []byte
	done bool
}

func (r *chunkReader) GetTrace() (intelpt.Buffer, error) {
	if r.done {
		return intelpt.Buffer{Consecutive: true}, nil
	}
	r.done = true
	return intelpt.Buffer{Buf: r.buf, Consecutive: true}, nil
}

// buildTrace encodes a short synthetic packet stream: a PSB+ region that
// establishes IP at entryIP, a TNT-compressed conditional branch, and an
// indirect branch resolved by a following TIP.
func buildTrace(entryIP, indirectTarget uint64) []byte {
	var buf []byte
	buf = ptpkt.Encode(buf, ptpkt.Packet{Kind: ptpkt.KindPSB})
	buf = ptpkt.Encode(buf, ptpkt.Packet{Kind: ptpkt.KindTSC, Payload: 0x1000})
	buf = ptpkt.Encode(buf, ptpkt.Packet{Kind: ptpkt.KindPSBEnd})
	buf = ptpkt.Encode(buf, ptpkt.Packet{Kind: ptpkt.KindTIPPGE, Payload: entryIP, Count: 6})

	// One TNT bit, taken (MSB set), for the scripted conditional branch.
	buf = ptpkt.Encode(buf, ptpkt.Packet{Kind: ptpkt.KindTNT, Payload: uint64(1) << 63, Count: 1})

	buf = ptpkt.Encode(buf, ptpkt.Packet{Kind: ptpkt.KindTIP, Payload: indirectTarget, Count: 6})
	return buf
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	const entryIP = 0x400000
	const indirectTarget = 0x401000

	walker := &scriptedWalker{steps: []scriptedInsn{
		{insn: intelpt.Insn{Branch: intelpt.Conditional, Length: 2, Rel: 0x20}},
		{insn: intelpt.Insn{Branch: intelpt.Indirect, Length: 2}},
	}}

	reader := &chunkReader{buf: buildTrace(entryIP, indirectTarget)}

	collector := ptmetrics.NewCollector("ptdecode_demo", prometheus.Labels{"app": "ptdecode-demo"}, func(err error) {
		fmt.Fprintln(os.Stderr, err)
	})
	prometheus.MustRegister(collector)

	traceID := xid.New().String()

	dec, err := intelpt.NewDecoder(intelpt.Params{
		GetTrace:          reader,
		WalkInsn:          walker,
		PacketDecoder:     ptpkt.NewDecoder(),
		Logger:            intelpt.NewLogrusLogger(logrus.StandardLogger(), traceID),
		ReturnCompression: true,
	})
	if err != nil {
		panic(err)
	}
	defer dec.Close()

	collector.Add(traceID)
	defer collector.Remove(traceID)

	for {
		state := dec.Decode()
		collector.ObserveTimestamp(traceID, state.Timestamp)

		if state.Err != nil {
			var decErr *intelpt.DecodeError
			if errors.As(state.Err, &decErr) {
				collector.ObserveError(traceID, decErr.Code.Error())
				if decErr.Code == intelpt.ErrNoData {
					fmt.Printf("end of trace at ip=%#x\n", decErr.IP)
					break
				}
			}
			fmt.Printf("decode error: %v\n", state.Err)
			break
		}

		// A Type of zero is a resynchronization marker, not a sample.
		if state.Type == 0 {
			collector.ObserveResync(traceID)
		}

		collector.ObservePacket(traceID)
		fmt.Printf("type=%v flags=%v from=%#x to=%#x ts=%d est_ts=%d insns=%d\n",
			state.Type, state.Flags, state.FromIP, state.ToIP, state.Timestamp, state.EstTimestamp, state.TotInsnCnt)
	}

	http.Handle("/metrics", promhttp.Handler())
	fmt.Println("serving /metrics on :18081")
	if err := http.ListenAndServe(":18081", nil); err != nil {
		panic(err)
	}
}
