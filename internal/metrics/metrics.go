package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsqueue_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whatsqueue_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsqueue_messages_enqueued_total",
			Help: "Total messages enqueued by company and kind",
		},
		[]string{"company_id", "kind"},
	)

	messagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsqueue_messages_dispatched_total",
			Help: "Total dispatch attempts by outcome and kind",
		},
		[]string{"outcome", "kind"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whatsqueue_dispatch_run_duration_seconds",
			Help:    "Duration of one company's dispatch run",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"company_id"},
	)

	quotaExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsqueue_quota_exhausted_total",
			Help: "Dispatch runs skipped because the daily quota was used up",
		},
		[]string{"company_id"},
	)

	alertsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsqueue_deadline_alerts_enqueued_total",
			Help: "Deadline alerts enqueued by company",
		},
		[]string{"company_id"},
	)

	invoicesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsqueue_invoices_generated_total",
			Help: "Recurring invoices created by company",
		},
		[]string{"company_id"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsqueue_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"company_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMessageEnqueued records a message enqueue event
func RecordMessageEnqueued(companyID, kind string) {
	messagesEnqueued.WithLabelValues(companyID, kind).Inc()
}

// RecordMessageDispatched records a dispatch attempt outcome ("sent" or "failed")
func RecordMessageDispatched(outcome, kind string) {
	messagesDispatched.WithLabelValues(outcome, kind).Inc()
}

// RecordDispatchRun records how long one company's dispatch run took
func RecordDispatchRun(companyID string, duration time.Duration) {
	dispatchDuration.WithLabelValues(companyID).Observe(duration.Seconds())
}

// RecordQuotaExhausted records a dispatch run skipped for lack of quota
func RecordQuotaExhausted(companyID string) {
	quotaExhausted.WithLabelValues(companyID).Inc()
}

// RecordAlertEnqueued records a deadline alert enqueue
func RecordAlertEnqueued(companyID string) {
	alertsEnqueued.WithLabelValues(companyID).Inc()
}

// RecordInvoiceGenerated records a recurring invoice creation
func RecordInvoiceGenerated(companyID string) {
	invoicesGenerated.WithLabelValues(companyID).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(companyID string) {
	rateLimitRejections.WithLabelValues(companyID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
