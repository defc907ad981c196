// Package metrics exposes the sync server's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is registered on its own registry so tests can build as many as
// they like.
//
//   - syncserver_http_requests_total{method,route,status}
//   - syncserver_http_request_duration_seconds{method,route}
//   - syncserver_changes_total{namespace,result} result is applied or skipped
//   - syncserver_push_duration_seconds{namespace}
//   - syncserver_pull_records_total{namespace}
//   - syncserver_conflict_reports_total{namespace}
//   - syncserver_namespaces
//   - syncserver_feed_clients
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	Changes         *prometheus.CounterVec
	PushDuration    *prometheus.HistogramVec
	PullRecords     *prometheus.CounterVec
	ConflictReports *prometheus.CounterVec
	Namespaces      prometheus.Gauge
	FeedClients     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syncserver_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncserver_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Changes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syncserver_changes_total",
			Help: "Pushed changes by outcome",
		}, []string{"namespace", "result"}),
		PushDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncserver_push_duration_seconds",
			Help:    "Time to apply one push, including time queued on the namespace",
			Buckets: prometheus.DefBuckets,
		}, []string{"namespace"}),
		PullRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syncserver_pull_records_total",
			Help: "Records returned by pulls",
		}, []string{"namespace"}),
		ConflictReports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syncserver_conflict_reports_total",
			Help: "Conflict reports received from devices",
		}, []string{"namespace"}),
		Namespaces: f.NewGauge(prometheus.GaugeOpts{
			Name: "syncserver_namespaces",
			Help: "Namespaces with a running actor",
		}),
		FeedClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "syncserver_feed_clients",
			Help: "Connected change feed clients",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ObservePush(namespace string, applied, skipped int, d time.Duration) {
	if m == nil {
		return
	}
	m.Changes.WithLabelValues(namespace, "applied").Add(float64(applied))
	m.Changes.WithLabelValues(namespace, "skipped").Add(float64(skipped))
	m.PushDuration.WithLabelValues(namespace).Observe(d.Seconds())
}

func (m *Metrics) ObservePull(namespace string, records int) {
	if m == nil {
		return
	}
	m.PullRecords.WithLabelValues(namespace).Add(float64(records))
}

func (m *Metrics) ObserveConflict(namespace string) {
	if m == nil {
		return
	}
	m.ConflictReports.WithLabelValues(namespace).Inc()
}

func (m *Metrics) SetNamespaces(n int) {
	if m == nil {
		return
	}
	m.Namespaces.Set(float64(n))
}

func (m *Metrics) SetFeedClients(n int) {
	if m == nil {
		return
	}
	m.FeedClients.Set(float64(n))
}
