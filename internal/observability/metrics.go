package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting orchestrator activity.
// All methods are nil-safe so components can run without metrics wired.
type Metrics struct {
	taskTransitions *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	tasksQueued     prometheus.Gauge
	eventsSent      prometheus.Counter
	eventsDropped   prometheus.Counter
	connections     prometheus.Gauge
	serviceHealth   *prometheus.GaugeVec
	discoveryProbes *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Collectors are created once to avoid
// duplicate-registration panics when components are instantiated multiple
// times, e.g. in tests.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided
// registerer. Registration errors other than AlreadyRegistered panic,
// surfacing configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	taskTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "ledger",
			Name:      "task_transitions_total",
			Help:      "Task status transitions recorded by the ledger.",
		},
		[]string{"kind", "status"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Wall time spent executing task handlers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)
	tasksQueued := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "executor",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently claimed by executor workers.",
		},
	)
	eventsSent := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "hub",
			Name:      "events_sent_total",
			Help:      "Events enqueued to connection buffers.",
		},
	)
	eventsDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "hub",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a connection buffer was full.",
		},
	)
	connections := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "hub",
			Name:      "connections_active",
			Help:      "Currently open realtime connections.",
		},
	)
	serviceHealth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "registry",
			Name:      "service_healthy",
			Help:      "Whether a registered service is healthy (1) or not (0).",
		},
		[]string{"service"},
	)
	discoveryProbes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "discovery",
			Name:      "probes_total",
			Help:      "Discovery datagrams received, by outcome.",
		},
		[]string{"outcome"},
	)

	m := &Metrics{
		taskTransitions: taskTransitions,
		taskDuration:    taskDuration,
		tasksQueued:     tasksQueued,
		eventsSent:      eventsSent,
		eventsDropped:   eventsDropped,
		connections:     connections,
		serviceHealth:   serviceHealth,
		discoveryProbes: discoveryProbes,
	}

	collectors := []prometheus.Collector{
		taskTransitions, taskDuration, tasksQueued,
		eventsSent, eventsDropped, connections,
		serviceHealth, discoveryProbes,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}

	return m
}

// ObserveTaskTransition records one ledger transition.
func (m *Metrics) ObserveTaskTransition(kind, status string) {
	if m == nil || m.taskTransitions == nil {
		return
	}
	m.taskTransitions.WithLabelValues(kind, status).Inc()
}

// ObserveTaskDuration records handler execution time.
func (m *Metrics) ObserveTaskDuration(kind, status string, elapsed time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(kind, status).Observe(elapsed.Seconds())
}

// IncTasksInFlight marks a task as claimed by a worker.
func (m *Metrics) IncTasksInFlight() {
	if m == nil || m.tasksQueued == nil {
		return
	}
	m.tasksQueued.Inc()
}

// DecTasksInFlight marks a claimed task as finished.
func (m *Metrics) DecTasksInFlight() {
	if m == nil || m.tasksQueued == nil {
		return
	}
	m.tasksQueued.Dec()
}

// IncEventsSent counts an event enqueued for delivery.
func (m *Metrics) IncEventsSent() {
	if m == nil || m.eventsSent == nil {
		return
	}
	m.eventsSent.Inc()
}

// IncEventsDropped counts an event dropped on a saturated buffer.
func (m *Metrics) IncEventsDropped() {
	if m == nil || m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Inc()
}

// AddConnections adjusts the active connection gauge.
func (m *Metrics) AddConnections(delta float64) {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Add(delta)
}

// SetServiceHealth records an endpoint's health state.
func (m *Metrics) SetServiceHealth(service string, healthy bool) {
	if m == nil || m.serviceHealth == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.serviceHealth.WithLabelValues(service).Set(value)
}

// IncDiscoveryProbe counts a discovery datagram by outcome
// ("answered", "ignored", "limited").
func (m *Metrics) IncDiscoveryProbe(outcome string) {
	if m == nil || m.discoveryProbes == nil {
		return
	}
	m.discoveryProbes.WithLabelValues(outcome).Inc()
}
