// Counters with time-bucketed rollups, used for circuit breakers and failure-rate alerts.
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
	PeriodHour  = "hour"
)

type CountStore interface {
	GetCount(ctx context.Context, name, val, period string) (int, error)
	// Increments the total, day, and hour buckets for the counter.
	Increment(ctx context.Context, name, val string) error
	// Increments only a single period bucket.
	IncrementPeriod(ctx context.Context, name, val, period string) error
	GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error)
	IncrementDistinct(ctx context.Context, name, bucket, val string) error
}

func periodBucket(name, val, period string) string {
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodDay:
		t := time.Now().UTC().Format(time.DateOnly)
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	case PeriodHour:
		t := time.Now().UTC().Format(time.RFC3339)[0:13]
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}

// how long a bucket for the period needs to be retained
func periodTTL(period string) time.Duration {
	switch period {
	case PeriodHour:
		return 2 * time.Hour
	case PeriodDay:
		return 48 * time.Hour
	default:
		return 0
	}
}
