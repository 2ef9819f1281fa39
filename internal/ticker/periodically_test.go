package ticker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodicallyDrainsOnCancel(t *testing.T) {
	assert := assert.New(t)

	var runs, finalRuns atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Periodically(ctx, 5*time.Millisecond, time.Second, func(tctx context.Context) error {
			if ctx.Err() != nil {
				// the final run gets a live context of its own
				assert.NoError(tctx.Err())
				finalRuns.Add(1)
				return nil
			}
			if runs.Add(1) == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ticker to stop")
	}
	assert.GreaterOrEqual(runs.Load(), int32(3))
	assert.Equal(int32(1), finalRuns.Load())
}

func TestPeriodicallyNoDrain(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Periodically(ctx, time.Hour, 0, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, int32(0), runs.Load())
}

func TestPeriodicallyStopsOnError(t *testing.T) {
	boom := errors.New("audit store unavailable")
	err := Periodically(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}
