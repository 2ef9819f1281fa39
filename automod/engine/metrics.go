package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "warden_event_duration_sec",
	Help: "Total duration of moderation event processing",
}, []string{"type"})

var eventProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_event_processed",
	Help: "Number of events processed",
}, []string{"type"})

var eventErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_event_errors",
	Help: "Number of events which failed processing",
}, []string{"type"})

var decisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_decisions",
	Help: "Number of decisions, by event type and action",
}, []string{"type", "action"})

var stageVerdictCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_stage_verdicts",
	Help: "Number of verdicts produced, by stage and label",
}, []string{"stage", "label"})

var classifierCacheCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_classifier_cache",
	Help: "Classifier result cache lookups, by result",
}, []string{"result"})

var externalFailureCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_external_failures",
	Help: "Number of external classifier failures (failed open)",
}, []string{"service"})

var executorFailureCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_executor_failures",
	Help: "Number of failed action executions, by action and attempt",
}, []string{"action", "attempt"})

var auditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "warden_audit_queue_depth",
	Help: "Number of audit records waiting for a retry",
})

var auditDroppedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_audit_dropped",
	Help: "Number of audit records dropped because the retry queue was full",
})

var noticeCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_admin_notices",
	Help: "Number of admin notices, by kind and result",
}, []string{"kind", "result"})

var banQuotaCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_ban_quota_blocked",
	Help: "Number of bans downgraded by the daily ban quota",
})
