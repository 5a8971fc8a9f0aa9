package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "prochost"

// Metrics holds all Prometheus metrics. It satisfies host.Metrics,
// host.ActionRecorder and sharedmem.Recorder.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Host lifecycle metrics
	StateChanges *prometheus.CounterVec
	ProcessGone  *prometheus.CounterVec
	BadMessages  *prometheus.CounterVec
	LiveHosts    prometheus.Gauge

	// Placement metrics
	ReuseDecisions *prometheus.CounterVec

	// Shared buffer metrics
	BufferCache *prometheus.CounterVec

	// Child-reported user actions
	UserActions *prometheus.CounterVec

	// Event stream metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON status endpoint.
type Snapshot struct {
	LiveHosts     int64            `json:"live_hosts"`
	ProcessGone   map[string]int64 `json:"process_gone"`
	BadMessages   int64            `json:"bad_messages"`
	Reuse         map[string]int64 `json:"reuse"`
	TotalRequests int64            `json:"total_requests"`
}

// NewMetrics registers every collector on reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		snapshot: Snapshot{
			ProcessGone: make(map[string]int64),
			Reuse:       make(map[string]int64),
		},

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of introspection HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Introspection HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		StateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_state_transitions_total",
				Help:      "Process host state transitions by target state",
			},
			[]string{"state"},
		),
		ProcessGone: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_process_gone_total",
				Help:      "Child processes gone by termination status",
			},
			[]string{"status"},
		),
		BadMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_bad_messages_total",
				Help:      "Malformed or unexpected child messages by message type",
			},
			[]string{"type"},
		),
		LiveHosts: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hosts_live",
				Help:      "Number of registered process hosts",
			},
		),

		ReuseDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "placement_decisions_total",
				Help:      "Process placement decisions",
			},
			[]string{"decision"},
		),

		BufferCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "buffer_cache_events_total",
				Help:      "Shared buffer cache events",
			},
			[]string{"event"},
		),

		UserActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_actions_total",
				Help:      "User actions reported by children",
			},
			[]string{"action"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of active event stream connections",
			},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Daemon uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an introspection request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.mu.Unlock()
}

func (m *Metrics) RecordStateChange(state string) {
	m.StateChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordProcessGone(status string) {
	m.ProcessGone.WithLabelValues(status).Inc()
	m.mu.Lock()
	m.snapshot.ProcessGone[status]++
	m.mu.Unlock()
}

func (m *Metrics) RecordBadMessage(msgType string) {
	m.BadMessages.WithLabelValues(msgType).Inc()
	m.mu.Lock()
	m.snapshot.BadMessages++
	m.mu.Unlock()
}

func (m *Metrics) RecordReuse(decision string) {
	m.ReuseDecisions.WithLabelValues(decision).Inc()
	m.mu.Lock()
	m.snapshot.Reuse[decision]++
	m.mu.Unlock()
}

func (m *Metrics) RecordBufferCache(event string) {
	m.BufferCache.WithLabelValues(event).Inc()
}

// RecordAction counts a child-reported user action.
func (m *Metrics) RecordAction(action string) {
	m.UserActions.WithLabelValues(action).Inc()
}

func (m *Metrics) SetLiveHosts(n int) {
	m.LiveHosts.Set(float64(n))
	m.mu.Lock()
	m.snapshot.LiveHosts = int64(n)
	m.mu.Unlock()
}

// IncWSConnections increments event stream connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements event stream connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// Snapshot returns a copy of the tracked values.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.snapshot
	out.ProcessGone = make(map[string]int64, len(m.snapshot.ProcessGone))
	for k, v := range m.snapshot.ProcessGone {
		out.ProcessGone[k] = v
	}
	out.Reuse = make(map[string]int64, len(m.snapshot.Reuse))
	for k, v := range m.snapshot.Reuse {
		out.Reuse[k] = v
	}
	return out
}
