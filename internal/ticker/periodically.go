// Interval loops for background maintenance in the daemon, such as retrying queued audit writes.
package ticker

import (
	"context"
	"fmt"
	"time"
)

// Runs task every interval until ctx is done. A task error stops the loop and is returned.
//
// On shutdown, task runs once more against a fresh context bounded by drain, so work queued since the last tick is not lost. A zero drain skips that final run. Cancellation itself is not an error.
func Periodically(ctx context.Context, interval, drain time.Duration, task func(context.Context) error) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if err := task(ctx); err != nil {
				return fmt.Errorf("periodic task: %w", err)
			}
		case <-ctx.Done():
			if drain <= 0 {
				return nil
			}
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
			defer cancel()
			if err := task(dctx); err != nil {
				return fmt.Errorf("final run of periodic task: %w", err)
			}
			return nil
		}
	}
}
