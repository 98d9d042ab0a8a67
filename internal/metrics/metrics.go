package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels for fetch attempts.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultEmpty = "empty"
)

// Recorder owns the service's Prometheus collectors. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	fetchAttempts   *prometheus.CounterVec
	events          prometheus.Gauge
	refreshDuration prometheus.Histogram
	lastRefresh     prometheus.Gauge
}

// New builds a Recorder on a private registry that also carries the Go
// runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcal_fetch_attempts_total",
			Help: "Feed acquisition attempts by strategy and result.",
		}, []string{"strategy", "result"}),
		events: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventcal_events",
			Help: "Events in the currently published listing.",
		}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventcal_refresh_duration_seconds",
			Help:    "Time spent acquiring and parsing the feed.",
			Buckets: prometheus.DefBuckets,
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventcal_last_refresh_timestamp_seconds",
			Help: "Unix time of the last completed refresh.",
		}),
	}
	reg.MustRegister(
		r.fetchAttempts,
		r.events,
		r.refreshDuration,
		r.lastRefresh,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) FetchAttempt(strategy, result string) {
	if r == nil {
		return
	}
	r.fetchAttempts.WithLabelValues(strategy, result).Inc()
}

// Refreshed records a finished refresh that published n events.
func (r *Recorder) Refreshed(n int, took time.Duration, at time.Time) {
	if r == nil {
		return
	}
	r.events.Set(float64(n))
	r.refreshDuration.Observe(took.Seconds())
	r.lastRefresh.Set(float64(at.Unix()))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
