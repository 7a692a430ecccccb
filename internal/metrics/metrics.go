// Package metrics provides Prometheus metrics for vlessrelay.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/philsphicas/vlessrelay/internal/protocol"
)

const namespace = "vlessrelay"

// OverflowTarget is used as the target label when the number of unique
// targets exceeds MaxTargets.
const OverflowTarget = "__other__"

// Roles.
const (
	RoleServer = "server"
	RoleClient = "client"
)

// Dial failure reasons.
const (
	ReasonDialFailed  = "dial_failed"
	ReasonDialTimeout = "dial_timeout"
)

// Metrics holds all Prometheus metrics for vlessrelay. All methods are safe
// to call on a nil receiver, which disables recording.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxTargets is the maximum number of unique target label values.
	// Once exceeded, new targets are recorded as OverflowTarget.
	// Zero means unlimited.
	MaxTargets int

	sessionsTotal    *prometheus.CounterVec
	sessionErrors    *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	activeSessions   *prometheus.GaugeVec
	controlChannelUp prometheus.Gauge
	sessionDuration  *prometheus.HistogramVec
	dialDuration     *prometheus.HistogramVec
	dialErrors       *prometheus.CounterVec
	dialRetriesTotal *prometheus.CounterVec

	targetCount atomic.Int64
	targets     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with its own Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions that completed the handshake and entered relaying.",
		}, []string{"role", "target", "status"}),

		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Sessions that ended abnormally, by close reason.",
		}, []string{"role", "reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Payload bytes relayed, by direction (upstream = client to destination).",
		}, []string{"role", "target", "direction"}),

		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently relaying.",
		}, []string{"role", "target"}),

		controlChannelUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_channel_connected",
			Help:      "Whether the Azure Relay control channel is connected (1) or not (0).",
		}),

		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of completed relaying sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role", "target"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time spent opening upstream (server) or tunnel (client) connections, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),

		dialErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Failed upstream or tunnel dials, by reason.",
		}, []string{"role", "reason"}),

		dialRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_retries_total",
			Help:      "Total number of Azure Relay dial retry attempts.",
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.sessionErrors,
		m.bytesTotal,
		m.activeSessions,
		m.controlChannelUp,
		m.sessionDuration,
		m.dialDuration,
		m.dialErrors,
		m.dialRetriesTotal,
	)

	return m
}

// SanitizeTarget returns target if it is within the cardinality budget,
// or OverflowTarget if the cap has been reached. Targets that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeTarget(target string) string {
	if m == nil || m.MaxTargets <= 0 {
		return target
	}

	for {
		if _, ok := m.targets.Load(target); ok {
			return target
		}

		cur := m.targetCount.Load()
		if cur >= int64(m.MaxTargets) {
			// Another goroutine may have stored this target since the Load.
			if _, ok := m.targets.Load(target); ok {
				return target
			}
			return OverflowTarget
		}

		if !m.targetCount.CompareAndSwap(cur, cur+1) {
			continue
		}
		if _, loaded := m.targets.LoadOrStore(target, struct{}{}); loaded {
			m.targetCount.Add(-1)
		}
		return target
	}
}

// SessionOpened increments the active session gauge and returns a tracker
// that records the outcome when the session ends.
func (m *Metrics) SessionOpened(role, target string) *SessionTracker {
	if m == nil {
		return nil
	}
	target = m.SanitizeTarget(target)
	m.activeSessions.WithLabelValues(role, target).Inc()
	return &SessionTracker{m: m, role: role, target: target}
}

// SessionError records a session that ended for a reason other than a
// normal close or shutdown, whether or not it reached relaying.
func (m *Metrics) SessionError(role string, reason protocol.CloseReason) {
	if m == nil {
		return
	}
	m.sessionErrors.WithLabelValues(role, reason.String()).Inc()
}

// DialReason returns ReasonDialTimeout if err is a timeout, otherwise
// ReasonDialFailed.
func DialReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return ReasonDialFailed
}

// ObserveDial records how long a dial took and, if it failed, why.
func (m *Metrics) ObserveDial(role string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.dialDuration.WithLabelValues(role).Observe(seconds)
	if err != nil {
		m.dialErrors.WithLabelValues(role, DialReason(err)).Inc()
	}
}

// IncrDialRetries increments the retry counter for a role.
func (m *Metrics) IncrDialRetries(role string) {
	if m == nil {
		return
	}
	m.dialRetriesTotal.WithLabelValues(role).Inc()
}

// SetControlChannelConnected sets the control channel gauge.
func (m *Metrics) SetControlChannelConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.controlChannelUp.Set(1)
	} else {
		m.controlChannelUp.Set(0)
	}
}

// SessionTracker records the outcome of a single relaying session.
type SessionTracker struct {
	m      *Metrics
	role   string
	target string
}

// Done records the end of a session. upBytes flowed from the client to the
// destination, downBytes back to the client.
func (t *SessionTracker) Done(durationSec float64, upBytes, downBytes int64, reason protocol.CloseReason) {
	if t == nil {
		return
	}
	status := "success"
	if reason != protocol.ReasonNormal && reason != protocol.ReasonShutdown {
		status = "error"
	}
	t.m.activeSessions.WithLabelValues(t.role, t.target).Dec()
	t.m.sessionsTotal.WithLabelValues(t.role, t.target, status).Inc()
	t.m.sessionDuration.WithLabelValues(t.role, t.target).Observe(durationSec)
	t.m.bytesTotal.WithLabelValues(t.role, t.target, "upstream").Add(float64(upBytes))
	t.m.bytesTotal.WithLabelValues(t.role, t.target, "downstream").Add(float64(downBytes))
}
