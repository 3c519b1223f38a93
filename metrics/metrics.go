// Package metrics wraps a prometheus.Registry with the counters and
// histograms every HTTP entry point needs, plus an accumulator that turns
// storage.Storage's audit log into a parallel set of request-outcome
// counters. Nothing here hand-rolls text exposition: registration,
// instrumentation and serving all go through prometheus/client_golang.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ssoforge/idcore/storage"
)

// Registry owns a prometheus.Registry and the fixed set of vectors every
// instrumented handler shares, labelled by the handler name so a single
// histogram covers every route instead of one per route.
type Registry struct {
	reg *prometheus.Registry

	requestCounter *prometheus.CounterVec
	durationHist   *prometheus.HistogramVec
	sizeHist       *prometheus.HistogramVec
	auditCounter   *prometheus.CounterVec
}

// NewRegistry builds a Registry with every collector registered: the three
// HTTP vectors, the audit-outcome counter, and the standard process/Go
// runtime collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		requestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idcore_http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"code", "method", "handler"}),
		durationHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idcore_request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"code", "method", "handler"}),
		sizeHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idcore_response_size_bytes",
			Help:    "A histogram of response sizes for requests.",
			Buckets: []float64{200, 500, 900, 1500, 5000},
		}, []string{"code", "method", "handler"}),
		auditCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idcore_audit_events_total",
			Help: "Count of audited operations by type and HTTP status.",
		}, []string{"type", "status"}),
	}

	reg.MustRegister(
		r.requestCounter,
		r.durationHist,
		r.sizeHist,
		r.auditCounter,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return r
}

// Instrument wraps handler so every request increments requestCounter,
// observes durationHist and sizeHist, all curried with handlerName so the
// three vectors stay labelled consistently without the caller repeating
// itself at every call site.
func (r *Registry) Instrument(handlerName string, handler http.Handler) http.HandlerFunc {
	labels := prometheus.Labels{"handler": handlerName}
	return promhttp.InstrumentHandlerDuration(r.durationHist.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(r.requestCounter.MustCurryWith(labels),
			promhttp.InstrumentHandlerResponseSize(r.sizeHist.MustCurryWith(labels), handler),
		),
	)
}

// Handler returns the text-exposition endpoint for this registry's
// collectors, to be mounted at e.g. /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// AuditAccumulator polls storage.Storage.ReadAuditMetrics from a moving
// watermark and feeds the counts into auditCounter. It holds no extra
// storage of its own: the watermark is just the latest poll's timestamp and
// is not persisted, so after a restart counting resumes from the restart
// time; entries recorded while the process was down are not counted.
type AuditAccumulator struct {
	reg       *Registry
	store     storage.Storage
	serviceID string
	watermark time.Time
	logger    logrus.FieldLogger
}

// NewAuditAccumulator starts the watermark at now, so the first poll counts
// only events recorded from this point forward. serviceID empty means all
// services.
func NewAuditAccumulator(reg *Registry, store storage.Storage, serviceID string, logger logrus.FieldLogger) *AuditAccumulator {
	return &AuditAccumulator{
		reg:       reg,
		store:     store,
		serviceID: serviceID,
		watermark: time.Now().UTC(),
		logger:    logger,
	}
}

// Poll reads every AuditCount recorded since the watermark, adds each to
// auditCounter, and advances the watermark to now. A driver error is logged
// and the watermark is left unmoved, so the next poll retries the same
// window rather than silently losing it.
func (a *AuditAccumulator) Poll(ctx context.Context) {
	now := time.Now().UTC()
	counts, err := a.store.ReadAuditMetrics(ctx, a.watermark, a.serviceID)
	if err != nil {
		if a.logger != nil {
			a.logger.WithError(err).Warn("metrics: audit accumulator poll failed")
		}
		return
	}
	for _, c := range counts {
		a.reg.auditCounter.WithLabelValues(c.Type, strconv.Itoa(c.Status)).Add(float64(c.Count))
	}
	a.watermark = now
}

// Run polls on interval until ctx is cancelled.
func (a *AuditAccumulator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Poll(ctx)
		}
	}
}
