package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatwarden/warden/automod/countstore"
	"github.com/chatwarden/warden/automod/event"

	"github.com/google/uuid"
)

func (eng *Engine) persistCounters(ctx context.Context, eff *Effects) error {
	for _, ref := range eff.CounterIncrements {
		if ref.Period != nil {
			err := eng.Counters.IncrementPeriod(ctx, ref.Name, ref.Val, *ref.Period)
			if err != nil {
				return err
			}
		} else {
			err := eng.Counters.Increment(ctx, ref.Name, ref.Val)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Whether the platform binding has anything to do for this decision.
func needsExecution(d *event.Decision) bool {
	return d.Action != event.ActionAllow || d.Challenge != nil
}

// Applies a decision through the executor. A failed call gets exactly one immediate retry; bans and deletes are not idempotent on every platform, so there is no backoff loop.
func (eng *Engine) execute(ctx context.Context, d *event.Decision) error {
	if eng.Executor == nil || !needsExecution(d) {
		return nil
	}
	err := eng.Executor.Execute(ctx, *d)
	if err == nil {
		return nil
	}
	executorFailureCount.WithLabelValues(string(d.Action), "first").Inc()
	eng.Logger.Warn("action execution failed, retrying once", "action", d.Action, "chat", d.User.ChatID, "user", d.User.UserID, "err", err)

	err = eng.Executor.Execute(ctx, *d)
	if err == nil {
		return nil
	}
	executorFailureCount.WithLabelValues(string(d.Action), "retry").Inc()
	eng.Logger.Error("action execution failed", "action", d.Action, "chat", d.User.ChatID, "user", d.User.UserID, "err", err)
	return fmt.Errorf("executing %s: %w", d.Action, err)
}

// Bounded FIFO of audit records whose write failed. Oldest records are dropped when full.
type auditQueue struct {
	lk   sync.Mutex
	recs []*event.AuditRecord
	max  int
}

func (q *auditQueue) push(rec *event.AuditRecord) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.max > 0 && len(q.recs) >= q.max {
		q.recs = q.recs[1:]
		auditDroppedCount.Inc()
	}
	q.recs = append(q.recs, rec)
	auditQueueDepth.Set(float64(len(q.recs)))
}

func (q *auditQueue) drain() []*event.AuditRecord {
	q.lk.Lock()
	defer q.lk.Unlock()
	out := q.recs
	q.recs = nil
	auditQueueDepth.Set(0)
	return out
}

// puts records back at the front, ahead of anything queued meanwhile
func (q *auditQueue) requeue(recs []*event.AuditRecord) {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.recs = append(recs, q.recs...)
	if q.max > 0 && len(q.recs) > q.max {
		dropped := len(q.recs) - q.max
		q.recs = q.recs[dropped:]
		auditDroppedCount.Add(float64(dropped))
	}
	auditQueueDepth.Set(float64(len(q.recs)))
}

func (q *auditQueue) len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.recs)
}

func newAuditRecord(kind event.AuditKind, chatID, userID string) *event.AuditRecord {
	return &event.AuditRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		ChatID:    chatID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
}

// Writes an audit record. On failure the record is queued for FlushAudit; moderation never waits on the audit trail.
func (eng *Engine) appendAudit(ctx context.Context, rec *event.AuditRecord) {
	if eng.Store == nil {
		return
	}
	if err := eng.Store.AppendAudit(ctx, rec); err != nil {
		eng.Logger.Warn("audit write failed, queued for retry", "id", rec.ID, "err", err)
		eng.audit.push(rec)
		eng.reportPersistenceFailure(ctx, &event.PersistenceError{Op: "append-audit", Err: err})
	}
}

// Retries queued audit writes. Returns the number written; stops at the first failure and keeps the rest queued.
func (eng *Engine) FlushAudit(ctx context.Context) (int, error) {
	if eng.Store == nil {
		return 0, nil
	}
	recs := eng.audit.drain()
	for i, rec := range recs {
		if err := eng.Store.AppendAudit(ctx, rec); err != nil {
			eng.audit.requeue(recs[i:])
			return i, &event.PersistenceError{Op: "append-audit", Err: err}
		}
	}
	if len(recs) > 0 {
		eng.Logger.Info("flushed queued audit records", "count", len(recs))
	}
	return len(recs), nil
}

// Number of audit records waiting for a retry.
func (eng *Engine) PendingAudit() int {
	return eng.audit.len()
}

// Counts a storage failure; a burst within the hour alerts admins once.
func (eng *Engine) reportPersistenceFailure(ctx context.Context, err *event.PersistenceError) {
	eng.Logger.Error("persistence failure", "op", err.Op, "err", err.Err)
	if eng.Counters == nil {
		return
	}
	if cerr := eng.Counters.Increment(ctx, "warden-persistence-errors", err.Op); cerr != nil {
		eng.Logger.Error("counting persistence failure", "err", cerr)
		return
	}
	n, cerr := eng.Counters.GetCount(ctx, "warden-persistence-errors", err.Op, countstore.PeriodHour)
	if cerr != nil {
		return
	}
	if eng.Config.PersistenceErrorNotifyThreshold > 0 && n == eng.Config.PersistenceErrorNotifyThreshold {
		eng.notify(ctx, Notice{
			Kind: NoticePersistenceBurst,
			Text: fmt.Sprintf("storage %s failed %d times in the last hour: %v", err.Op, n, err.Err),
		})
	}
}
