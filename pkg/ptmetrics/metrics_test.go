/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package ptmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func collect(t *testing.T, c *Collector) []prometheus.Metric {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	var out []prometheus.Metric
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if pb.GetCounter() != nil {
		return pb.GetCounter().GetValue()
	}
	return pb.GetGauge().GetValue()
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector("ptd", nil, nil)
	c.Add("t1")

	c.ObservePacket("t1")
	c.ObservePacket("t1")
	c.ObserveError("t1", "Bad packet")
	c.ObserveResync("t1")
	c.ObserveResync("t1")
	c.ObserveResync("t1")
	c.ObserveTimestamp("t1", 500)
	c.ObserveTimestamp("t1", 100) // must not move the gauge backwards

	want := map[*prometheus.Desc]float64{
		c.packetsDesc:   2,
		c.errorsDesc:    1,
		c.resyncsDesc:   3,
		c.timestampDesc: 500,
	}
	metrics := collect(t, c)
	if len(metrics) != len(want) {
		t.Fatalf("Collect() produced %d metrics, want %d", len(metrics), len(want))
	}
	for _, m := range metrics {
		wantVal, ok := want[m.Desc()]
		if !ok {
			t.Fatalf("Collect() produced unexpected metric %v", m.Desc())
		}
		if got := value(t, m); got != wantVal {
			t.Fatalf("metric %v = %v, want %v", m.Desc(), got, wantVal)
		}
	}
}

func TestCollectorIgnoresUnknownTraceID(t *testing.T) {
	c := NewCollector("ptd", nil, nil)
	c.ObservePacket("nope")
	c.ObserveResync("nope")
	if got := collect(t, c); len(got) != 0 {
		t.Fatalf("Collect() produced %d metrics for an unregistered trace ID, want 0", len(got))
	}
}

func TestCollectorRemove(t *testing.T) {
	c := NewCollector("ptd", nil, nil)
	c.Add("t1")
	c.ObservePacket("t1")
	c.Remove("t1")
	if got := collect(t, c); len(got) != 0 {
		t.Fatalf("Collect() produced %d metrics after Remove, want 0", len(got))
	}
}
