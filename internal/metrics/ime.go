package metrics

import (
	"time"

	"imetrackd/internal/softinput"
	"imetrackd/internal/tracker"
)

// ImeMetrics holds the imetrackd request and verdict metrics.
type ImeMetrics struct {
	registry *Registry

	// Counters
	RequestsTotal        *CounterVec
	VerdictsTotal        *CounterVec
	SubtypeSwitchesTotal *Counter
	StoreDroppedTotal    *Counter

	// Gauges
	ActiveRequests *Gauge
	UptimeSeconds  *Gauge

	// Histograms
	RequestDuration *Histogram
}

// NewImeMetrics creates and registers all imetrackd metrics.
func NewImeMetrics(registry *Registry) *ImeMetrics {
	if registry == nil {
		registry = Default()
	}

	return &ImeMetrics{
		registry: registry,

		RequestsTotal: registry.RegisterCounterVec(
			"requests_total",
			"Completed IME requests by final status",
			"status",
			nil,
		),
		VerdictsTotal: registry.RegisterCounterVec(
			"verdicts_total",
			"Show and hide decisions by reason",
			"reason",
			nil,
		),
		SubtypeSwitchesTotal: registry.RegisterCounter(
			"subtype_switches_total",
			"Subtype rotations that produced a target",
			nil,
		),
		StoreDroppedTotal: registry.RegisterCounter(
			"store_dropped_total",
			"Completed requests dropped because the store queue was full",
			nil,
		),

		ActiveRequests: registry.RegisterGauge(
			"active_requests",
			"Requests started but not yet finished",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		RequestDuration: registry.RegisterHistogram(
			"request_duration_ms",
			"Time from request start to finish in milliseconds",
			nil,
			LatencyBucketsMs,
		),
	}
}

// Registry returns the registry the metrics live in.
func (m *ImeMetrics) Registry() *Registry { return m.registry }

// RecordEntry counts a completed ledger entry. It has the tracker.Recorder
// signature.
func (m *ImeMetrics) RecordEntry(e tracker.Entry) {
	m.RequestsTotal.With(e.Status.String()).Inc()
	if e.Started {
		m.RequestDuration.ObserveDuration(e.Duration)
	}
}

// RecordVerdict counts a visibility decision.
func (m *ImeMetrics) RecordVerdict(reason softinput.Reason) {
	m.VerdictsTotal.With(reason.String()).Inc()
}

// RecordSwitch counts a subtype rotation.
func (m *ImeMetrics) RecordSwitch() {
	m.SubtypeSwitchesTotal.Inc()
}

// SetActiveRequests updates the active request gauge.
func (m *ImeMetrics) SetActiveRequests(n int) {
	m.ActiveRequests.Set(int64(n))
}

// UpdateUptime sets the uptime gauge from the daemon start time.
func (m *ImeMetrics) UpdateUptime(start time.Time) {
	m.UptimeSeconds.Set(int64(time.Since(start).Seconds()))
}
