package kernel

import (
	"sync/atomic"

	"github.com/anillo-os/anillo-os-sub001/internal/interfaces"
)

// LatencyBuckets are the histogram boundaries, in nanoseconds, that
// context-switch and channel-operation latencies are bucketed into.
// Logarithmic spacing, since these numbers describe the same kind of
// thing: how long an operation that sometimes blocks actually took.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks kernel-wide operational counters: the allocations and
// frees LoadImage reports (pool allocations are not counted), context
// switches, and channel sends/receives, plus a shared latency histogram.
type Metrics struct {
	Allocations     atomic.Uint64
	AllocFailures   atomic.Uint64
	Frees           atomic.Uint64
	ContextSwitches atomic.Uint64
	ChannelSends    atomic.Uint64
	ChannelSendFail atomic.Uint64
	ChannelRecvs    atomic.Uint64
	ChannelRecvFail atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyHist    [numLatencyBuckets]atomic.Uint64
}

// NewMetrics creates a zeroed Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveAllocate records an allocation attempt (internal/interfaces.Observer).
func (m *Metrics) ObserveAllocate(bytes uint64, success bool) {
	m.Allocations.Add(1)
	if !success {
		m.AllocFailures.Add(1)
	}
}

// ObserveFree records a free.
func (m *Metrics) ObserveFree(bytes uint64) {
	m.Frees.Add(1)
}

// ObserveContextSwitch records a scheduler switch on the given CPU.
func (m *Metrics) ObserveContextSwitch(cpuID int) {
	m.ContextSwitches.Add(1)
}

// ObserveChannelSend records a channel send outcome.
func (m *Metrics) ObserveChannelSend(bytes uint64, success bool) {
	m.ChannelSends.Add(1)
	if !success {
		m.ChannelSendFail.Add(1)
	}
}

// ObserveChannelReceive records a channel receive outcome.
func (m *Metrics) ObserveChannelReceive(bytes uint64, success bool) {
	m.ChannelRecvs.Add(1)
	if !success {
		m.ChannelRecvFail.Add(1)
	}
}

// RecordLatency folds a single operation's latency into the histogram.
func (m *Metrics) RecordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHist[i].Add(1)
		}
	}
}

// Snapshot is a point-in-time copy of Metrics' counters.
type Snapshot struct {
	Allocations     uint64
	AllocFailures   uint64
	Frees           uint64
	ContextSwitches uint64
	ChannelSends    uint64
	ChannelSendFail uint64
	ChannelRecvs    uint64
	ChannelRecvFail uint64
	AvgLatencyNs    uint64
	LatencyHist     [numLatencyBuckets]uint64
}

// Snapshot reads every counter atomically (each individually, not as
// one atomic transaction, accepting the same small skew for a much
// simpler implementation).
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		Allocations:     m.Allocations.Load(),
		AllocFailures:   m.AllocFailures.Load(),
		Frees:           m.Frees.Load(),
		ContextSwitches: m.ContextSwitches.Load(),
		ChannelSends:    m.ChannelSends.Load(),
		ChannelSendFail: m.ChannelSendFail.Load(),
		ChannelRecvs:    m.ChannelRecvs.Load(),
		ChannelRecvFail: m.ChannelRecvFail.Load(),
	}
	if opCount := m.OpCount.Load(); opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}
	for i := range snap.LatencyHist {
		snap.LatencyHist[i] = m.LatencyHist[i].Load()
	}
	return snap
}

// Compile-time interface check.
var _ interfaces.Observer = (*Metrics)(nil)
