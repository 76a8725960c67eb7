package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RESTMetrics observes the HTTP request pipeline.
type RESTMetrics interface {
	// RecordRequest records a completed request.
	RecordRequest(method, resource string, status int, duration time.Duration)

	// RecordStorageOp records one backend operation.
	RecordStorageOp(op string, err error)

	// RecordTxRetry counts a replayed serializable transaction.
	RecordTxRetry()
}

// NewRESTMetrics returns collectors registered on the global registry, or a
// no-op set when metrics are disabled.
func NewRESTMetrics() RESTMetrics {
	reg := GetRegistry()
	if reg == nil {
		return noopREST{}
	}

	m := &promREST{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatrac_requests_total",
			Help: "Completed HTTP requests by method, resource kind and status.",
		}, []string{"method", "resource", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hatrac_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "resource"}),
		storageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatrac_storage_operations_total",
			Help: "Backend storage operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		txRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatrac_tx_retries_total",
			Help: "Serializable transactions replayed after conflicts.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.storageOps, m.txRetries)
	return m
}

type promREST struct {
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	storageOps *prometheus.CounterVec
	txRetries  prometheus.Counter
}

func (m *promREST) RecordRequest(method, resource string, status int, duration time.Duration) {
	m.requests.WithLabelValues(method, resource, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, resource).Observe(duration.Seconds())
}

func (m *promREST) RecordStorageOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.storageOps.WithLabelValues(op, outcome).Inc()
}

func (m *promREST) RecordTxRetry() {
	m.txRetries.Inc()
}

type noopREST struct{}

func (noopREST) RecordRequest(string, string, int, time.Duration) {}
func (noopREST) RecordStorageOp(string, error)                    {}
func (noopREST) RecordTxRetry()                                   {}
