package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	// Payments
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Payment attempts by method and resulting status",
		},
		[]string{"method", "status"}, // completed|failed|processing|cancelled
	)
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbacks_total",
			Help: "Inbound processor callbacks by outcome",
		},
		[]string{"method", "result"}, // applied|duplicate|unknown|rejected|ignored
	)
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refunds_total",
			Help: "Refund attempts by resulting status",
		},
		[]string{"status"},
	)
	NotificationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Outbound notifications that could not be delivered",
		},
		[]string{"sink"}, // webhook|kafka|queue
	)

	// Worker queue
	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Current worker queue depth",
		},
	)

	initOnce sync.Once
)

var Handler = promhttp.Handler

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestsTotal)
		prometheus.MustRegister(PaymentsTotal)
		prometheus.MustRegister(CallbacksTotal)
		prometheus.MustRegister(RefundsTotal)
		prometheus.MustRegister(NotificationsFailed)
		prometheus.MustRegister(WorkerQueueDepth)
	})
}
