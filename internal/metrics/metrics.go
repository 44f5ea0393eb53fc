package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    Namespace + "_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	RequestActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_request_actions_total",
			Help: "Total number of agent actions on certificate requests",
		},
		[]string{"action", "outcome"},
	)

	StatusQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_status_queries_total",
			Help: "Total number of request status queries",
		},
		[]string{"format", "outcome"},
	)

	CertificatesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: Namespace + "_certificates_issued_total",
			Help: "Total number of certificates issued on approval",
		},
	)

	AuditRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_audit_records_total",
			Help: "Total number of audit records written",
		},
		[]string{"outcome"},
	)

	AuditFeedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_audit_feed_clients",
			Help: "Current number of connected audit feed clients",
		},
	)
)
