// Package obsmetrics tracks dtprobed's operational statistics. The
// hot path (every ioctl, every chunk, every sandbox round-trip)
// increments lock-free atomic counters; a Prometheus mirror is
// maintained separately in prometheus.go for optional exposition and
// never sits on the hot path itself.
package obsmetrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are histogram boundaries in nanoseconds, covering the
// sandbox round-trip time from 100us (a trivial DOF) to 10s (a
// pathological one that will ultimately time out).
var LatencyBuckets = []uint64{
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	5_000_000_000,  // 5s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 7

// Metrics tracks registration, removal, parse, and stash activity.
type Metrics struct {
	// Registration/removal counters.
	RegisterAttempts atomic.Uint64
	RegisterOK       atomic.Uint64
	RegisterErrors   atomic.Uint64
	RemoveAttempts   atomic.Uint64
	RemoveOK         atomic.Uint64
	RemoveErrors     atomic.Uint64

	// Chunk transfer counters.
	ChunksReceived atomic.Uint64
	BytesReceived  atomic.Uint64

	// Parser sandbox counters.
	ParseAttempts atomic.Uint64
	ParseOK       atomic.Uint64
	ParseInvalid  atomic.Uint64 // DOF rejected by validation
	ParseCrashes  atomic.Uint64 // child killed by seccomp or crashed
	ParseTimeouts atomic.Uint64
	ParseRestarts atomic.Uint64 // child respawned after a crash

	// Stash counters.
	StashHardlinksCreated atomic.Uint64
	StashHardlinksRemoved atomic.Uint64
	StashPrunedPids       atomic.Uint64
	StashReparses         atomic.Uint64

	// In-flight caller gauge.
	ActiveCallers atomic.Int64

	// Latency histogram over sandbox parse round-trips, cumulative per
	// bucket like the teacher's device-latency histogram.
	TotalLatencyNs atomic.Uint64
	LatencyCount   atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a Metrics instance with its start time set to now.
func NewMetrics(now time.Time) *Metrics {
	m := &Metrics{}
	m.StartTime.Store(now.UnixNano())
	return m
}

func (m *Metrics) RecordRegister(success bool) {
	m.RegisterAttempts.Add(1)
	if success {
		m.RegisterOK.Add(1)
	} else {
		m.RegisterErrors.Add(1)
	}
}

func (m *Metrics) RecordRemove(success bool) {
	m.RemoveAttempts.Add(1)
	if success {
		m.RemoveOK.Add(1)
	} else {
		m.RemoveErrors.Add(1)
	}
}

func (m *Metrics) RecordChunk(bytes uint64) {
	m.ChunksReceived.Add(1)
	m.BytesReceived.Add(bytes)
}

// ParseOutcome mirrors the sandbox's possible outcomes for a single
// parse attempt.
type ParseOutcome int

const (
	ParseSuccess ParseOutcome = iota
	ParseInvalidDOF
	ParseCrash
	ParseTimeout
)

func (m *Metrics) RecordParse(outcome ParseOutcome, latencyNs uint64) {
	m.ParseAttempts.Add(1)
	switch outcome {
	case ParseSuccess:
		m.ParseOK.Add(1)
	case ParseInvalidDOF:
		m.ParseInvalid.Add(1)
	case ParseCrash:
		m.ParseCrashes.Add(1)
	case ParseTimeout:
		m.ParseTimeouts.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordParseRestart() {
	m.ParseRestarts.Add(1)
}

func (m *Metrics) RecordStashLink(created bool) {
	if created {
		m.StashHardlinksCreated.Add(1)
	} else {
		m.StashHardlinksRemoved.Add(1)
	}
}

func (m *Metrics) RecordStashPrune(pids uint64) {
	m.StashPrunedPids.Add(pids)
}

func (m *Metrics) RecordStashReparse() {
	m.StashReparses.Add(1)
}

// CallerStarted/CallerFinished track the number of registration
// attempts currently in flight, the dtprobed analogue of the teacher's
// queue-depth gauge.
func (m *Metrics) CallerStarted() { m.ActiveCallers.Add(1) }
func (m *Metrics) CallerFinished() { m.ActiveCallers.Add(-1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.LatencyCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Snapshot is a point-in-time read of Metrics, safe to serialize.
type Snapshot struct {
	RegisterAttempts, RegisterOK, RegisterErrors uint64
	RemoveAttempts, RemoveOK, RemoveErrors       uint64
	ChunksReceived, BytesReceived                uint64
	ParseAttempts, ParseOK, ParseInvalid          uint64
	ParseCrashes, ParseTimeouts, ParseRestarts    uint64
	StashHardlinksCreated, StashHardlinksRemoved  uint64
	StashPrunedPids, StashReparses                uint64
	ActiveCallers                                 int64
	AvgLatencyNs                                  uint64
	UptimeNs                                      uint64
	LatencyHistogram                              [numLatencyBuckets]uint64
}

func (m *Metrics) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		RegisterAttempts:     m.RegisterAttempts.Load(),
		RegisterOK:           m.RegisterOK.Load(),
		RegisterErrors:       m.RegisterErrors.Load(),
		RemoveAttempts:       m.RemoveAttempts.Load(),
		RemoveOK:             m.RemoveOK.Load(),
		RemoveErrors:         m.RemoveErrors.Load(),
		ChunksReceived:       m.ChunksReceived.Load(),
		BytesReceived:        m.BytesReceived.Load(),
		ParseAttempts:        m.ParseAttempts.Load(),
		ParseOK:              m.ParseOK.Load(),
		ParseInvalid:         m.ParseInvalid.Load(),
		ParseCrashes:         m.ParseCrashes.Load(),
		ParseTimeouts:        m.ParseTimeouts.Load(),
		ParseRestarts:        m.ParseRestarts.Load(),
		StashHardlinksCreated: m.StashHardlinksCreated.Load(),
		StashHardlinksRemoved: m.StashHardlinksRemoved.Load(),
		StashPrunedPids:      m.StashPrunedPids.Load(),
		StashReparses:        m.StashReparses.Load(),
		ActiveCallers:        m.ActiveCallers.Load(),
	}

	total := m.TotalLatencyNs.Load()
	count := m.LatencyCount.Load()
	if count > 0 {
		s.AvgLatencyNs = total / count
	}

	start := m.StartTime.Load()
	s.UptimeNs = uint64(now.UnixNano() - start)

	for i := 0; i < numLatencyBuckets; i++ {
		s.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return s
}

// Observer is the pluggable sink for dtprobed's hot-path events,
// implemented by both Metrics itself (via MetricsObserver) and by the
// Prometheus mirror, so callers never need to know which backends are
// wired in.
type Observer interface {
	ObserveRegister(success bool)
	ObserveRemove(success bool)
	ObserveChunk(bytes uint64)
	ObserveParse(outcome ParseOutcome, latencyNs uint64)
	ObserveParseRestart()
	ObserveStashLink(created bool)
	ObserveStashPrune(pids uint64)
	ObserveStashReparse()
	ObserveCallerStarted()
	ObserveCallerFinished()
}

// NoOpObserver discards every observation; used when metrics are not
// wired in (e.g. unit tests exercising the protocol engine alone).
type NoOpObserver struct{}

func (NoOpObserver) ObserveRegister(bool)             {}
func (NoOpObserver) ObserveRemove(bool)                {}
func (NoOpObserver) ObserveChunk(uint64)               {}
func (NoOpObserver) ObserveParse(ParseOutcome, uint64) {}
func (NoOpObserver) ObserveParseRestart()              {}
func (NoOpObserver) ObserveStashLink(bool)             {}
func (NoOpObserver) ObserveStashPrune(uint64)          {}
func (NoOpObserver) ObserveStashReparse()              {}
func (NoOpObserver) ObserveCallerStarted()             {}
func (NoOpObserver) ObserveCallerFinished()            {}

// MetricsObserver implements Observer over a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRegister(success bool) { o.metrics.RecordRegister(success) }
func (o *MetricsObserver) ObserveRemove(success bool)   { o.metrics.RecordRemove(success) }
func (o *MetricsObserver) ObserveChunk(bytes uint64)    { o.metrics.RecordChunk(bytes) }
func (o *MetricsObserver) ObserveParse(outcome ParseOutcome, latencyNs uint64) {
	o.metrics.RecordParse(outcome, latencyNs)
}
func (o *MetricsObserver) ObserveParseRestart()         { o.metrics.RecordParseRestart() }
func (o *MetricsObserver) ObserveStashLink(created bool) { o.metrics.RecordStashLink(created) }
func (o *MetricsObserver) ObserveStashPrune(pids uint64) { o.metrics.RecordStashPrune(pids) }
func (o *MetricsObserver) ObserveStashReparse()          { o.metrics.RecordStashReparse() }
func (o *MetricsObserver) ObserveCallerStarted()         { o.metrics.CallerStarted() }
func (o *MetricsObserver) ObserveCallerFinished()        { o.metrics.CallerFinished() }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
