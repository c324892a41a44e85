/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package ptmetrics exposes Prometheus counters for one or more Intel PT
// decoder instances: per-decoder packet/error/resync counters exported
// through a single registered prometheus.Collector.
package ptmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrorLoggingCallback receives errors encountered while gathering metrics.
type ErrorLoggingCallback func(error)

type decoderStats struct {
	packets uint64
	errors  map[string]uint64
	resyncs uint64
	maxTS   uint64
}

// Collector implements prometheus.Collector, exporting one set of counters
// per decoder instance (labeled by trace ID) registered with Add.
type Collector struct {
	mu       sync.Mutex
	stats    map[string]*decoderStats
	errorLog ErrorLoggingCallback

	packetsDesc   *prometheus.Desc
	errorsDesc    *prometheus.Desc
	resyncsDesc   *prometheus.Desc
	timestampDesc *prometheus.Desc
}

// NewCollector builds a Collector. constLabels are attached to every
// exported metric.
func NewCollector(prefix string, constLabels prometheus.Labels, errorLog ErrorLoggingCallback) *Collector {
	if errorLog == nil {
		errorLog = func(error) {}
	}
	return &Collector{
		stats:    make(map[string]*decoderStats),
		errorLog: errorLog,
		packetsDesc: prometheus.NewDesc(prefix+"_packets_total",
			"Total packets consumed by the decoder.", []string{"trace_id"}, constLabels),
		errorsDesc: prometheus.NewDesc(prefix+"_errors_total",
			"Total decode errors by taxonomy code.", []string{"trace_id", "code"}, constLabels),
		resyncsDesc: prometheus.NewDesc(prefix+"_resyncs_total",
			"Total PSB resynchronizations performed.", []string{"trace_id"}, constLabels),
		timestampDesc: prometheus.NewDesc(prefix+"_timestamp_ticks",
			"Highest reconstructed timestamp observed.", []string{"trace_id"}, constLabels),
	}
}

// Add registers a decoder instance (by trace ID) with the collector. It is
// a no-op if the trace ID is already registered.
func (c *Collector) Add(traceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.stats[traceID]; ok {
		return
	}
	c.stats[traceID] = &decoderStats{errors: make(map[string]uint64)}
}

// Remove drops a decoder instance's counters.
func (c *Collector) Remove(traceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, traceID)
}

// ObservePacket increments the packet counter for traceID.
func (c *Collector) ObservePacket(traceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[traceID]
	if !ok {
		return
	}
	s.packets++
}

// ObserveError increments the error counter for traceID/code.
func (c *Collector) ObserveError(traceID, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[traceID]
	if !ok {
		return
	}
	s.errors[code]++
}

// ObserveResync increments the resync counter for traceID.
func (c *Collector) ObserveResync(traceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[traceID]
	if !ok {
		return
	}
	s.resyncs++
}

// ObserveTimestamp records ts for traceID if it is higher than any
// timestamp already observed; the gauge never moves backwards.
func (c *Collector) ObserveTimestamp(traceID string, ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[traceID]
	if !ok {
		return
	}
	if ts > s.maxTS {
		s.maxTS = ts
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsDesc
	ch <- c.errorsDesc
	ch <- c.resyncsDesc
	ch <- c.timestampDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for traceID, s := range c.stats {
		ch <- prometheus.MustNewConstMetric(c.packetsDesc, prometheus.CounterValue, float64(s.packets), traceID)
		ch <- prometheus.MustNewConstMetric(c.resyncsDesc, prometheus.CounterValue, float64(s.resyncs), traceID)
		ch <- prometheus.MustNewConstMetric(c.timestampDesc, prometheus.GaugeValue, float64(s.maxTS), traceID)
		for code, n := range s.errors {
			ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(n), traceID, code)
		}
	}
}
