package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the rundown service. All
// methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     *prometheus.CounterVec
	publishesTotal    *prometheus.CounterVec
	syncFailuresTotal *prometheus.CounterVec
	remotePushesTotal *prometheus.CounterVec
	deniedTotal       *prometheus.CounterVec
	conflicts         *prometheus.GaugeVec
	activeSessions    prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cuesheet_http_requests_total",
		Help: "HTTP requests by method and status code",
	}, []string{"method", "code"})
	publishesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cuesheet_publishes_total",
		Help: "Successful writes of rundown state to the remote store",
	}, []string{"rundown"})
	syncFailuresTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cuesheet_sync_failures_total",
		Help: "Failed remote reads or writes",
	}, []string{"rundown", "op"})
	remotePushesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cuesheet_remote_pushes_total",
		Help: "Remote changes applied to local session state",
	}, []string{"rundown", "path"})
	deniedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cuesheet_permission_denials_total",
		Help: "Operations rejected by the permission gate",
	}, []string{"action"})
	conflicts := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cuesheet_resource_conflicts",
		Help: "Resource conflicts in the most recently computed view",
	}, []string{"rundown", "kind"})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cuesheet_active_sessions",
		Help: "Collaborator sessions currently joined",
	})

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requestsTotal,
		publishesTotal,
		syncFailuresTotal,
		remotePushesTotal,
		deniedTotal,
		conflicts,
		activeSessions,
	)

	return &Metrics{
		registry:          registry,
		requestsTotal:     requestsTotal,
		publishesTotal:    publishesTotal,
		syncFailuresTotal: syncFailuresTotal,
		remotePushesTotal: remotePushesTotal,
		deniedTotal:       deniedTotal,
		conflicts:         conflicts,
		activeSessions:    activeSessions,
	}
}

func (m *Metrics) ObserveRequest(method, code string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, code).Inc()
}

func (m *Metrics) IncPublishes(rundown string) {
	if m == nil {
		return
	}
	m.publishesTotal.WithLabelValues(rundown).Inc()
}

func (m *Metrics) IncSyncFailures(rundown, op string) {
	if m == nil {
		return
	}
	m.syncFailuresTotal.WithLabelValues(rundown, op).Inc()
}

func (m *Metrics) IncRemotePushes(rundown, path string) {
	if m == nil {
		return
	}
	m.remotePushesTotal.WithLabelValues(rundown, path).Inc()
}

func (m *Metrics) IncDenied(action string) {
	if m == nil {
		return
	}
	m.deniedTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) SetConflicts(rundown, kind string, n int) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(rundown, kind).Set(float64(n))
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
