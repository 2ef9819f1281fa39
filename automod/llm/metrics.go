package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var llmAPIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "warden_llm_api_duration_sec",
	Help:    "Duration of LLM classification API calls, by kind (text, image)",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
}, []string{"kind"})

var llmAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_llm_api_count",
	Help: "Number of LLM classification API calls, by kind and HTTP status code",
}, []string{"kind", "status"})

var llmParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_llm_parse_failures",
	Help: "Number of LLM responses which could not be parsed or validated",
}, []string{"kind"})
