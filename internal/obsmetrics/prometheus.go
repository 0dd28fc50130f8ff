package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

// PrometheusObserver mirrors the same events Metrics tracks into
// client_golang collectors, registered against a caller-supplied
// registry so cmd/dtprobed can choose whether (and where) to expose
// them over promhttp.
type PrometheusObserver struct {
	registerTotal  *prometheus.CounterVec
	removeTotal    *prometheus.CounterVec
	chunkBytes     prometheus.Counter
	parseTotal     *prometheus.CounterVec
	parseRestarts  prometheus.Counter
	stashLinks     *prometheus.CounterVec
	stashPruned    prometheus.Counter
	stashReparses  prometheus.Counter
	activeCallers  prometheus.Gauge
	parseLatencyNs prometheus.Histogram
}

// NewPrometheusObserver creates and registers the collector set on reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	p := &PrometheusObserver{
		registerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtprobed",
			Name:      "register_total",
			Help:      "ADDDOF registration attempts by outcome.",
		}, []string{"outcome"}),
		removeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtprobed",
			Name:      "remove_total",
			Help:      "REMOVE attempts by outcome.",
		}, []string{"outcome"}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dtprobed",
			Name:      "chunk_bytes_total",
			Help:      "Bytes of DOF received across all chunked transfers.",
		}),
		parseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtprobed",
			Name:      "parse_total",
			Help:      "Sandboxed parse attempts by outcome.",
		}, []string{"outcome"}),
		parseRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dtprobed",
			Name:      "parse_restarts_total",
			Help:      "Times the parser child was respawned after a crash.",
		}),
		stashLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtprobed",
			Name:      "stash_hardlinks_total",
			Help:      "Hard links created/removed in the DOF stash.",
		}, []string{"direction"}),
		stashPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dtprobed",
			Name:      "stash_pruned_pids_total",
			Help:      "Dead-pid registration trees pruned from the stash.",
		}),
		stashReparses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dtprobed",
			Name:      "stash_reparses_total",
			Help:      "Reparse walks over the stashed DOF.",
		}),
		activeCallers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dtprobed",
			Name:      "active_callers",
			Help:      "Registration attempts currently in flight.",
		}),
		parseLatencyNs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dtprobed",
			Name:      "parse_latency_seconds",
			Help:      "Sandboxed parse round-trip latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 7),
		}),
	}

	reg.MustRegister(
		p.registerTotal, p.removeTotal, p.chunkBytes, p.parseTotal,
		p.parseRestarts, p.stashLinks, p.stashPruned, p.stashReparses,
		p.activeCallers, p.parseLatencyNs,
	)
	return p
}

func (p *PrometheusObserver) ObserveRegister(success bool) {
	p.registerTotal.WithLabelValues(outcomeLabel(success)).Inc()
}

func (p *PrometheusObserver) ObserveRemove(success bool) {
	p.removeTotal.WithLabelValues(outcomeLabel(success)).Inc()
}

func (p *PrometheusObserver) ObserveChunk(bytes uint64) {
	p.chunkBytes.Add(float64(bytes))
}

func (p *PrometheusObserver) ObserveParse(outcome ParseOutcome, latencyNs uint64) {
	p.parseTotal.WithLabelValues(parseOutcomeLabel(outcome)).Inc()
	p.parseLatencyNs.Observe(float64(latencyNs) / 1e9)
}

func (p *PrometheusObserver) ObserveParseRestart() { p.parseRestarts.Inc() }

func (p *PrometheusObserver) ObserveStashLink(created bool) {
	if created {
		p.stashLinks.WithLabelValues("created").Inc()
	} else {
		p.stashLinks.WithLabelValues("removed").Inc()
	}
}

func (p *PrometheusObserver) ObserveStashPrune(pids uint64) {
	p.stashPruned.Add(float64(pids))
}

func (p *PrometheusObserver) ObserveStashReparse() { p.stashReparses.Inc() }

func (p *PrometheusObserver) ObserveCallerStarted()  { p.activeCallers.Inc() }
func (p *PrometheusObserver) ObserveCallerFinished() { p.activeCallers.Dec() }

func outcomeLabel(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}

func parseOutcomeLabel(outcome ParseOutcome) string {
	switch outcome {
	case ParseSuccess:
		return "ok"
	case ParseInvalidDOF:
		return "invalid"
	case ParseCrash:
		return "crash"
	case ParseTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var _ Observer = (*PrometheusObserver)(nil)

// MultiObserver fans a single observation out to several Observers, so
// the hot-path atomic Metrics and the optional Prometheus mirror can
// both be wired in without the caller knowing about either.
type MultiObserver []Observer

func (m MultiObserver) ObserveRegister(success bool) {
	for _, o := range m {
		o.ObserveRegister(success)
	}
}
func (m MultiObserver) ObserveRemove(success bool) {
	for _, o := range m {
		o.ObserveRemove(success)
	}
}
func (m MultiObserver) ObserveChunk(bytes uint64) {
	for _, o := range m {
		o.ObserveChunk(bytes)
	}
}
func (m MultiObserver) ObserveParse(outcome ParseOutcome, latencyNs uint64) {
	for _, o := range m {
		o.ObserveParse(outcome, latencyNs)
	}
}
func (m MultiObserver) ObserveParseRestart() {
	for _, o := range m {
		o.ObserveParseRestart()
	}
}
func (m MultiObserver) ObserveStashLink(created bool) {
	for _, o := range m {
		o.ObserveStashLink(created)
	}
}
func (m MultiObserver) ObserveStashPrune(pids uint64) {
	for _, o := range m {
		o.ObserveStashPrune(pids)
	}
}
func (m MultiObserver) ObserveStashReparse() {
	for _, o := range m {
		o.ObserveStashReparse()
	}
}
func (m MultiObserver) ObserveCallerStarted() {
	for _, o := range m {
		o.ObserveCallerStarted()
	}
}
func (m MultiObserver) ObserveCallerFinished() {
	for _, o := range m {
		o.ObserveCallerFinished()
	}
}

var _ Observer = (MultiObserver)(nil)
