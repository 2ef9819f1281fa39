package platform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var webhookRequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_platform_webhook_requests_total",
	Help: "Platform action webhook requests, by status code",
}, []string{"status"})

var webhookRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "warden_platform_webhook_duration_sec",
	Help:    "Platform action webhook request duration",
	Buckets: prometheus.ExponentialBucketsRange(0.01, 10, 12),
}, []string{"action"})
