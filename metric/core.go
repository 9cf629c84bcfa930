package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semrobotics"

// Metrics contains the orchestration metrics. All Record methods are safe on
// a nil receiver so packages can treat metrics as optional.
type Metrics struct {
	ServiceStatus *prometheus.GaugeVec

	// Registrar
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	UnloadsTotal  *prometheus.CounterVec
	StatusEvents  *prometheus.CounterVec
	UnroutedEvent prometheus.Counter

	// Orchestrator
	Allocations *prometheus.GaugeVec
	Recoveries  *prometheus.CounterVec

	// Resolver and catalog
	Resolutions    *prometheus.CounterVec
	CatalogEntries *prometheus.GaugeVec
	CatalogRejects prometheus.Counter

	// Synchronizer
	Advertisements *prometheus.CounterVec
	RemoteOrigins  prometheus.Gauge

	NATSConnected prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "status",
			Help: "Service status (0=stopped, 1=starting, 2=running, 3=stopping)",
		}, []string{"service"}),

		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registrar", Name: "calls_total",
			Help: "Remote calls performed by the resource registrar",
		}, []string{"service", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "registrar", Name: "call_duration_seconds",
			Help:    "Duration of remote calls",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"service"}),
		UnloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registrar", Name: "unloads_total",
			Help: "Resource unload requests",
		}, []string{"outcome"}),
		StatusEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registrar", Name: "status_events_total",
			Help: "Status events received",
		}, []string{"code"}),
		UnroutedEvent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registrar", Name: "unrouted_events_total",
			Help: "Status events for resources unknown to the registrar",
		}),

		Allocations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "allocations",
			Help: "Live allocations per resource class",
		}, []string{"class"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "recoveries_total",
			Help: "Failure recoveries per resource class and outcome",
		}, []string{"class", "outcome"}),

		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "resolutions_total",
			Help: "Pipe resolutions by outcome",
		}, []string{"outcome"}),
		CatalogEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "catalog", Name: "entries",
			Help: "Catalog entries by kind and scope",
		}, []string{"kind", "scope"}),
		CatalogRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "catalog", Name: "rejected_total",
			Help: "Malformed catalog entries skipped at load time",
		}),

		Advertisements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "synchronizer", Name: "advertisements_total",
			Help: "Catalog advertisements by direction and outcome",
		}, []string{"direction", "outcome"}),
		RemoteOrigins: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "synchronizer", Name: "remote_origins",
			Help: "Peer instances with a known catalog snapshot",
		}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nats", Name: "connected",
			Help: "NATS connection status (0=disconnected, 1=connected)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ServiceStatus,
		m.CallsTotal, m.CallDuration, m.UnloadsTotal, m.StatusEvents, m.UnroutedEvent,
		m.Allocations, m.Recoveries,
		m.Resolutions, m.CatalogEntries, m.CatalogRejects,
		m.Advertisements, m.RemoteOrigins,
		m.NATSConnected,
	}
}

// RecordServiceStatus updates service status metric
func (m *Metrics) RecordServiceStatus(service string, status int) {
	if m == nil {
		return
	}
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordCall records the outcome and latency of a registrar call
func (m *Metrics) RecordCall(service, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(service, outcome).Inc()
	m.CallDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordUnload records an unload outcome
func (m *Metrics) RecordUnload(outcome string) {
	if m == nil {
		return
	}
	m.UnloadsTotal.WithLabelValues(outcome).Inc()
}

// RecordStatusEvent counts a received status event; routed=false marks unknown resources
func (m *Metrics) RecordStatusEvent(code string, routed bool) {
	if m == nil {
		return
	}
	m.StatusEvents.WithLabelValues(code).Inc()
	if !routed {
		m.UnroutedEvent.Inc()
	}
}

// SetAllocations sets the live allocation count of a resource class
func (m *Metrics) SetAllocations(class string, n int) {
	if m == nil {
		return
	}
	m.Allocations.WithLabelValues(class).Set(float64(n))
}

// RecordRecovery counts a recovery attempt outcome
func (m *Metrics) RecordRecovery(class, outcome string) {
	if m == nil {
		return
	}
	m.Recoveries.WithLabelValues(class, outcome).Inc()
}

// RecordResolution counts a resolver outcome
func (m *Metrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
}

// SetCatalogEntries sets the number of catalog entries of a kind and scope
func (m *Metrics) SetCatalogEntries(kind, scope string, n int) {
	if m == nil {
		return
	}
	m.CatalogEntries.WithLabelValues(kind, scope).Set(float64(n))
}

// RecordCatalogReject counts a malformed catalog entry
func (m *Metrics) RecordCatalogReject() {
	if m == nil {
		return
	}
	m.CatalogRejects.Inc()
}

// RecordAdvertisement counts an advertisement ("published"/"received") and its outcome
func (m *Metrics) RecordAdvertisement(direction, outcome string) {
	if m == nil {
		return
	}
	m.Advertisements.WithLabelValues(direction, outcome).Inc()
}

// SetRemoteOrigins sets the number of peers with a known snapshot
func (m *Metrics) SetRemoteOrigins(n int) {
	if m == nil {
		return
	}
	m.RemoteOrigins.Set(float64(n))
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}
