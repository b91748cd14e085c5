package metrics

import (
	"time"
)

// ReceiverMetrics holds the metrics recorded by sessions and the supervisor.
// All methods are safe on a nil receiver so callers need not guard optional
// instrumentation.
type ReceiverMetrics struct {
	registry *Registry

	// Counters
	ConnectsTotal          *Counter
	ConnectErrorsTotal     *Counter
	SupersededTotal        *Counter
	DisconnectsTotal       *Counter
	OperationsTotal        *Counter
	OperationFailuresTotal *Counter
	PingsTotal             *Counter
	KeepaliveFailuresTotal *Counter
	EventsDispatchedTotal  *Counter
	ListenerPanicsTotal    *Counter
	CallbackPanicsTotal    *Counter
	PairingsTotal          *Counter

	// Gauges
	SessionReady  *Gauge
	UptimeSeconds *Gauge

	// Histograms
	OperationRoundTrip *Histogram
	HandshakeDuration  *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewReceiverMetrics creates and registers all receiver metrics on registry,
// or on Default when registry is nil.
func NewReceiverMetrics(registry *Registry) *ReceiverMetrics {
	if registry == nil {
		registry = Default()
	}

	return &ReceiverMetrics{
		registry: registry,

		ConnectsTotal: registry.RegisterCounter(
			"connects_total",
			"Sessions committed by the supervisor",
			nil,
		),
		ConnectErrorsTotal: registry.RegisterCounter(
			"connect_errors_total",
			"Connection attempts that failed before becoming ready to serve",
			nil,
		),
		SupersededTotal: registry.RegisterCounter(
			"superseded_attempts_total",
			"Connection attempts discarded because a newer attempt started",
			nil,
		),
		DisconnectsTotal: registry.RegisterCounter(
			"disconnects_total",
			"Committed sessions that closed",
			nil,
		),
		OperationsTotal: registry.RegisterCounter(
			"operations_total",
			"Operations written to a receiver",
			nil,
		),
		OperationFailuresTotal: registry.RegisterCounter(
			"operation_failures_total",
			"Operations that completed with an error",
			nil,
		),
		PingsTotal: registry.RegisterCounter(
			"pings_total",
			"Keepalive pings sent",
			nil,
		),
		KeepaliveFailuresTotal: registry.RegisterCounter(
			"keepalive_failures_total",
			"Sessions torn down by a failed keepalive",
			nil,
		),
		EventsDispatchedTotal: registry.RegisterCounter(
			"events_dispatched_total",
			"Push events delivered to listeners",
			nil,
		),
		ListenerPanicsTotal: registry.RegisterCounter(
			"listener_panics_total",
			"Event listeners that panicked",
			nil,
		),
		CallbackPanicsTotal: registry.RegisterCounter(
			"callback_panics_total",
			"Result callbacks and delivery tasks that panicked",
			nil,
		),
		PairingsTotal: registry.RegisterCounter(
			"pairings_total",
			"Receivers paired successfully",
			nil,
		),

		SessionReady: registry.RegisterGauge(
			"session_ready",
			"1 when the supervised session reports ready",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the process has been running",
			nil,
		),

		OperationRoundTrip: registry.RegisterHistogram(
			"operation_round_trip_seconds",
			"Time from writing an operation to reading its reply",
			nil,
			RoundTripBuckets,
		),
		HandshakeDuration: registry.RegisterHistogram(
			"handshake_duration_seconds",
			"Duration of the version and authentication handshake",
			nil,
			DurationBuckets,
		),
	}
}

// Registry returns the registry m was registered on.
func (m *ReceiverMetrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordConnect records a committed session.
func (m *ReceiverMetrics) RecordConnect() {
	if m != nil {
		m.ConnectsTotal.Inc()
	}
}

// RecordConnectError records a failed attempt.
func (m *ReceiverMetrics) RecordConnectError() {
	if m != nil {
		m.ConnectErrorsTotal.Inc()
	}
}

// RecordSuperseded records a discarded stale attempt.
func (m *ReceiverMetrics) RecordSuperseded() {
	if m != nil {
		m.SupersededTotal.Inc()
	}
}

// RecordDisconnect records the close of a committed session.
func (m *ReceiverMetrics) RecordDisconnect() {
	if m != nil {
		m.DisconnectsTotal.Inc()
		m.SessionReady.Set(0)
	}
}

// RecordOperation records a completed operation and its round trip.
func (m *ReceiverMetrics) RecordOperation(rtt time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.OperationsTotal.Inc()
	if failed {
		m.OperationFailuresTotal.Inc()
	}
	if rtt > 0 {
		m.OperationRoundTrip.ObserveDuration(rtt)
	}
}

// RecordPing records a keepalive ping.
func (m *ReceiverMetrics) RecordPing() {
	if m != nil {
		m.PingsTotal.Inc()
	}
}

// RecordKeepaliveFailure records a session lost to keepalive.
func (m *ReceiverMetrics) RecordKeepaliveFailure() {
	if m != nil {
		m.KeepaliveFailuresTotal.Inc()
	}
}

// RecordEvent records a push event delivered to n listeners.
func (m *ReceiverMetrics) RecordEvent(n int) {
	if m != nil && n > 0 {
		m.EventsDispatchedTotal.Add(uint64(n))
	}
}

// RecordListenerPanic records a panicking event listener.
func (m *ReceiverMetrics) RecordListenerPanic() {
	if m != nil {
		m.ListenerPanicsTotal.Inc()
	}
}

// RecordCallbackPanic records a panic recovered on a delivery executor.
func (m *ReceiverMetrics) RecordCallbackPanic() {
	if m != nil {
		m.CallbackPanicsTotal.Inc()
	}
}

// RecordPairing records a successful pairing.
func (m *ReceiverMetrics) RecordPairing() {
	if m != nil {
		m.PairingsTotal.Inc()
	}
}

// RecordHandshake records handshake latency.
func (m *ReceiverMetrics) RecordHandshake(d time.Duration) {
	if m != nil {
		m.HandshakeDuration.ObserveDuration(d)
	}
}

// SetReady updates the session_ready gauge.
func (m *ReceiverMetrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.SessionReady.Set(1)
	} else {
		m.SessionReady.Set(0)
	}
}

// UpdateUptime updates the uptime gauge.
func (m *ReceiverMetrics) UpdateUptime() {
	if m != nil {
		m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
	}
}

// Snapshot returns a snapshot of key metrics.
func (m *ReceiverMetrics) Snapshot() map[string]interface{} {
	if m == nil {
		return nil
	}
	m.UpdateUptime()
	return map[string]interface{}{
		"connects_total":           m.ConnectsTotal.Value(),
		"connect_errors_total":     m.ConnectErrorsTotal.Value(),
		"superseded_total":         m.SupersededTotal.Value(),
		"disconnects_total":        m.DisconnectsTotal.Value(),
		"operations_total":         m.OperationsTotal.Value(),
		"operation_failures_total": m.OperationFailuresTotal.Value(),
		"pings_total":              m.PingsTotal.Value(),
		"events_dispatched_total":  m.EventsDispatchedTotal.Value(),
		"session_ready":            m.SessionReady.Value(),
		"uptime_seconds":           m.UptimeSeconds.Value(),
		"round_trip_avg_seconds":   m.OperationRoundTrip.Mean(),
	}
}
