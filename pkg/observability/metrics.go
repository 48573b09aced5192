package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery attempt outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
	OutcomeThrottled = "throttled"
)

// Event publish outcomes
const (
	EventPublished  = "published"
	EventDuplicate  = "duplicate"
	EventSuppressed = "suppressed"
	EventBuffered   = "buffered"
	EventRejected   = "rejected"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Delivery metrics
	EventsTotal            *prometheus.CounterVec
	DeliveriesTotal        *prometheus.CounterVec
	DeliveryDuration       *prometheus.HistogramVec
	DeliveriesInFlight     prometheus.Gauge
	DeliveryQueueDepth     prometheus.Gauge
	EndpointsRegistered    prometheus.Gauge
	NotificationsDropped   *prometheus.CounterVec
	PersistenceErrorsTotal *prometheus.CounterVec
	EventBufferSize        prometheus.Gauge
	RetentionPrunedTotal   prometheus.Counter

	otel *OTelMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_events_total",
				Help: "Total number of submitted events by outcome",
			},
			[]string{"outcome"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_deliveries_total",
				Help: "Total number of delivery attempts and transitions by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_delivery_duration_seconds",
				Help:    "Webhook delivery attempt duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		DeliveriesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_deliveries_in_flight",
				Help: "Number of delivery attempts currently executing",
			},
		),
		DeliveryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_delivery_queue_depth",
				Help: "Number of deliveries waiting in the queue",
			},
		),
		EndpointsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_endpoints_registered",
				Help: "Number of registered webhook endpoints",
			},
		),
		NotificationsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_notifications_dropped_total",
				Help: "Notifications dropped because an observer queue was full",
			},
			[]string{"observer"},
		),
		PersistenceErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_persistence_errors_total",
				Help: "Total number of failed persistence writes",
			},
			[]string{"operation"},
		),
		EventBufferSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_event_buffer_size",
				Help: "Number of events held in the event buffer",
			},
		),
		RetentionPrunedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_retention_pruned_total",
				Help: "Total number of terminal deliveries removed by retention",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.EventsTotal,
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.DeliveriesInFlight,
		m.DeliveryQueueDepth,
		m.EndpointsRegistered,
		m.NotificationsDropped,
		m.PersistenceErrorsTotal,
		m.EventBufferSize,
		m.RetentionPrunedTotal,
	)

	return m
}

// AttachOTel mirrors delivery observations to OpenTelemetry instruments
func (m *Metrics) AttachOTel(o *OTelMetrics) {
	if m == nil {
		return
	}
	m.otel = o
}

// ObserveDelivery records a delivery outcome. Zero durations are counted but
// not observed, which is the case for abandonment and throttling.
func (m *Metrics) ObserveDelivery(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.DeliveryDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
	m.otel.RecordDelivery(ctx, outcome, d)
}

// ObserveEvent records an event submission outcome
func (m *Metrics) ObserveEvent(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(outcome).Inc()
	m.otel.RecordEvent(ctx, outcome)
}

// SetInFlight sets the in-flight gauge
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.DeliveriesInFlight.Set(float64(n))
}

// SetQueueDepth sets the queue depth gauge
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.DeliveryQueueDepth.Set(float64(n))
}

// SetEndpoints sets the registered endpoint gauge
func (m *Metrics) SetEndpoints(n int) {
	if m == nil {
		return
	}
	m.EndpointsRegistered.Set(float64(n))
}

// SetBufferSize sets the event buffer gauge
func (m *Metrics) SetBufferSize(n int) {
	if m == nil {
		return
	}
	m.EventBufferSize.Set(float64(n))
}

// NotificationDropped counts a notification dropped for observer
func (m *Metrics) NotificationDropped(observer string) {
	if m == nil {
		return
	}
	m.NotificationsDropped.WithLabelValues(observer).Inc()
}

// PersistenceError counts a failed persistence write
func (m *Metrics) PersistenceError(operation string) {
	if m == nil {
		return
	}
	m.PersistenceErrorsTotal.WithLabelValues(operation).Inc()
}

// Pruned counts deliveries removed by retention
func (m *Metrics) Pruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionPrunedTotal.Add(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel prefers the mux route template so IDs don't explode label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routeLabel(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
