package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mfeddie"

// Exporter exposes a Collector to Prometheus. Values are read from a fresh
// Snapshot on every scrape.
type Exporter struct {
	c *Collector

	requests       *prometheus.Desc
	errors         *prometheus.Desc
	warnings       *prometheus.Desc
	statusCodes    *prometheus.Desc
	created        *prometheus.Desc
	destroyed      *prometheus.Desc
	reaped         *prometheus.Desc
	rejected       *prometheus.Desc
	rogues         *prometheus.Desc
	visits         *prometheus.Desc
	partial        *prometheus.Desc
	active         *prometheus.Desc
	pending        *prometheus.Desc
	maxInstances   *prometheus.Desc
	responseTimeMS *prometheus.Desc
}

// NewExporter wraps c.
func NewExporter(c *Collector) *Exporter {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Exporter{
		c:              c,
		requests:       desc("requests_total", "Control requests handled, by action.", "action"),
		errors:         desc("errors_total", "Errors returned to clients, by error type.", "type"),
		warnings:       desc("warnings_total", "Warnings attached to responses."),
		statusCodes:    desc("responses_total", "Responses sent, by HTTP status code.", "code"),
		created:        desc("sessions_created_total", "Browser sessions created."),
		destroyed:      desc("sessions_destroyed_total", "Browser sessions destroyed."),
		reaped:         desc("sessions_reaped_total", "Browser sessions destroyed for inactivity."),
		rejected:       desc("admission_rejected_total", "Session creations refused at the instance ceiling."),
		rogues:         desc("rogue_workers_killed_total", "Untracked worker processes killed."),
		visits:         desc("visits_total", "Page visits concluded."),
		partial:        desc("visits_partial_total", "Visits that returned partial content after the page timeout."),
		active:         desc("sessions_active", "Live browser sessions."),
		pending:        desc("sessions_pending", "Browser sessions still spawning."),
		maxInstances:   desc("max_instances", "Configured session ceiling."),
		responseTimeMS: desc("response_time_ms", "Control request latency in milliseconds."),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.requests, e.errors, e.warnings, e.statusCodes, e.created, e.destroyed,
		e.reaped, e.rejected, e.rogues, e.visits, e.partial, e.active,
		e.pending, e.maxInstances, e.responseTimeMS,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.c.Snapshot()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	for action, n := range s.ActionCounts {
		counter(e.requests, n, action)
	}
	for typ, n := range s.ErrorCounts {
		counter(e.errors, n, typ)
	}
	for code, n := range s.StatusCodes {
		counter(e.statusCodes, n, strconv.Itoa(code))
	}
	counter(e.warnings, s.WarningsTotal)
	counter(e.created, s.SessionsCreated)
	counter(e.destroyed, s.SessionsDestroyed)
	counter(e.reaped, s.SessionsReaped)
	counter(e.rejected, s.AdmissionRejected)
	counter(e.rogues, s.RoguesKilled)
	counter(e.visits, s.VisitsTotal)
	counter(e.partial, s.VisitsPartial)
	gauge(e.active, s.SessionsActive)
	gauge(e.pending, s.SessionsPending)
	gauge(e.maxInstances, s.MaxInstances)

	buckets := make(map[float64]uint64, len(BucketBounds))
	var cumulative uint64
	var count uint64
	for _, n := range s.ResponseTimeHist {
		count += uint64(n)
	}
	for i, bound := range BucketBounds {
		cumulative += uint64(s.ResponseTimeHist[i])
		buckets[float64(bound)] = cumulative
	}
	ch <- prometheus.MustNewConstHistogram(e.responseTimeMS, count, float64(s.ResponseTimeSumMS), buckets)
}

// Handler returns an http.Handler serving c in the Prometheus text format
// from a dedicated registry.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewExporter(c))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
