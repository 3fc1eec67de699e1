// Package metrics exposes prometheus series fed from the event bus and the
// HTTP router.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"notifyd/internal/eventbus"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notifyd"

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	events      *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	retries     *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	digestItems prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Submitted events by ingest outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery lifecycle transitions by channel.",
		}, []string{"channel", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Failed attempts that were retried.",
		}, []string{"channel"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time from first attempt to terminal outcome.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"channel", "status"}),
		digestItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "digest_items",
			Help:      "Items per flushed digest.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.deliveries,
		m.retries,
		m.latency,
		m.digestItems,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// QueueDepth exports fn as the dispatcher backlog gauge.
func (m *Metrics) QueueDepth(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_depth",
		Help:      "Intents waiting in dispatcher queues.",
	}, func() float64 { return float64(fn()) }))
}

// PendingBuckets exports fn as the waiting digest bucket gauge.
func (m *Metrics) PendingBuckets(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "digest_pending_buckets",
		Help:      "Digest and deferred buckets waiting for their slot.",
	}, func() float64 { return float64(fn()) }))
}

// Observe records one bus event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	d, _ := e.Data.(eventbus.DeliveryEvent)
	switch e.Type {
	case eventbus.TypeAccepted:
		m.events.WithLabelValues("accepted").Inc()
	case eventbus.TypeDuplicate:
		m.events.WithLabelValues("duplicate").Inc()
	case eventbus.TypeQueued:
		m.deliveries.WithLabelValues(d.Channel, "queued").Inc()
	case eventbus.TypeDropped:
		m.deliveries.WithLabelValues(d.Channel, "dropped").Inc()
	case eventbus.TypeSkipped:
		m.deliveries.WithLabelValues(d.Channel, "skipped").Inc()
	case eventbus.TypeSuppressed:
		m.deliveries.WithLabelValues(d.Channel, "suppressed").Inc()
	case eventbus.TypeRetry:
		m.retries.WithLabelValues(d.Channel).Inc()
	case eventbus.TypeSent:
		m.deliveries.WithLabelValues(d.Channel, "sent").Inc()
		m.latency.WithLabelValues(d.Channel, "sent").Observe(d.Took.Seconds())
	case eventbus.TypeFailed:
		m.deliveries.WithLabelValues(d.Channel, "failed").Inc()
		m.latency.WithLabelValues(d.Channel, "failed").Observe(d.Took.Seconds())
	case eventbus.TypeFlushed:
		m.digestItems.Observe(float64(d.Items))
	}
}

// Run feeds bus events into Observe until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Middleware counts requests by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
