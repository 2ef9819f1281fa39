package visual

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var hiveAPIDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "warden_hive_api_duration_sec",
	Help: "Duration of Hive AI-generated image detection API calls",
})

var hiveAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_hive_api_count",
	Help: "Number of Hive AI-generated image detection API calls, by HTTP status code",
}, []string{"status"})
