package metrics

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter or histogram slot.
type MetricID uint16

const (
	// MetricChallengeRendered counts completed challenge productions.
	MetricChallengeRendered MetricID = iota
	// MetricChallengeIssued counts challenges handed to a subject.
	MetricChallengeIssued
	// MetricRenderFailure counts failed productions (slot freed, no retry).
	MetricRenderFailure
	// MetricPopImmediate counts Pop calls served from the ready buffer.
	MetricPopImmediate
	// MetricPopParked counts Pop calls that had to park.
	MetricPopParked
	// MetricCapacityRaised counts demand-signal capacity increments.
	MetricCapacityRaised
	// MetricCapacityCutback counts supply-signal capacity decrements.
	MetricCapacityCutback
	// MetricWorkerRespawn counts worker process respawns.
	MetricWorkerRespawn
	// MetricAuthNew counts fresh-record and regen issuances.
	MetricAuthNew
	// MetricAuthMore counts correct-but-not-yet-authenticated answers.
	MetricAuthMore
	// MetricAuthWrong counts wrong answers.
	MetricAuthWrong
	// MetricAuthTooFast counts correct answers rejected by the timing
	// heuristic.
	MetricAuthTooFast
	// MetricAuthTimeout counts answers past the per-challenge budget.
	MetricAuthTimeout
	// MetricAuthLimited counts calls answered with the limit state.
	MetricAuthLimited
	// MetricAuthSuccess counts successful authentications.
	MetricAuthSuccess
	// MetricAuthExpired counts records discarded on expiry.
	MetricAuthExpired
	// MetricAuthRegen counts regen requests.
	MetricAuthRegen
	// MetricAuthError counts internal failures absorbed as StateError.
	MetricAuthError
	// MetricCooldownDrop counts wrong-count resets via cooldown.
	MetricCooldownDrop
	// MetricSweepRemoved counts records removed by the amortized sweep.
	MetricSweepRemoved
	// MetricPassTokenIssued counts minted pass tokens.
	MetricPassTokenIssued
	// MetricTryAuthLatency is the TryAuth latency histogram.
	MetricTryAuthLatency
	// MetricPopLatency is the queue Pop latency histogram.
	MetricPopLatency

	// MetricIDCount is the number of defined metric IDs.
	MetricIDCount
)

// HistogramBuckets are the fixed upper bounds of the latency histograms.
// The ninth implicit bucket is +Inf.
var HistogramBuckets = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const bucketCount = len(HistogramBuckets) + 1

// Config enables metric collection and, separately, latency histograms.
type Config struct {
	Enabled       bool
	EnableLatency bool
}

// counter is cache-line padded so adjacent hot counters do not false-share.
type counter struct {
	v uint64
	_ [56]byte
}

type histogram struct {
	buckets [bucketCount]uint64
}

// Metrics holds lock-free counters and optional latency histograms.
// All write-path operations are allocation-free.
type Metrics struct {
	enabled        bool
	latencyEnabled bool
	counters       [MetricIDCount]counter
	histograms     [MetricIDCount]histogram
}

// Snapshot is a point-in-time deep copy of all metrics.
type Snapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// New creates a Metrics instance. When cfg.Enabled is false all
// operations are no-ops and Snapshot returns empty maps.
func New(cfg Config) *Metrics {
	return &Metrics{
		enabled:        cfg.Enabled,
		latencyEnabled: cfg.Enabled && cfg.EnableLatency,
	}
}

// Inc atomically increments the counter for id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].v, 1)
}

// Add atomically adds n to the counter for id.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].v, n)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].v)
}

// LatencyEnabled reports whether Observe records anything. Callers use it
// to skip time.Now() on the hot path.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.latencyEnabled
}

// Observe records one latency sample into the histogram for id.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.latencyEnabled || id >= MetricIDCount {
		return
	}
	idx := len(HistogramBuckets)
	for i, bound := range HistogramBuckets {
		if d <= bound {
			idx = i
			break
		}
	}
	atomic.AddUint64(&m.histograms[id].buckets[idx], 1)
}

// Snapshot deep-copies all non-empty metric slots.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if m == nil || !m.enabled {
		return snap
	}
	for id := MetricID(0); id < MetricIDCount; id++ {
		snap.Counters[id] = atomic.LoadUint64(&m.counters[id].v)
	}
	if !m.latencyEnabled {
		return snap
	}
	for id := MetricID(0); id < MetricIDCount; id++ {
		var total uint64
		buckets := make([]uint64, bucketCount)
		for i := range buckets {
			buckets[i] = atomic.LoadUint64(&m.histograms[id].buckets[i])
			total += buckets[i]
		}
		if total > 0 {
			snap.Histograms[id] = buckets
		}
	}
	return snap
}
