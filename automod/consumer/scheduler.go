package consumer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Runs work on a fixed number of workers. Items sharing a key never run concurrently, and run in the order they were added.
type Scheduler struct {
	maxConcurrency int

	ctx context.Context
	do  func(context.Context, *Envelope) error

	feeder chan *consumerTask
	out    chan struct{}

	lk     sync.Mutex
	active map[string][]*consumerTask

	ident string

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsActive    prometheus.Counter
	workersActive  prometheus.Gauge

	log *slog.Logger
}

func NewScheduler(ctx context.Context, maxC int, ident string, do func(context.Context, *Envelope) error) *Scheduler {
	if maxC < 1 {
		maxC = 1
	}
	p := &Scheduler{
		maxConcurrency: maxC,

		ctx: ctx,
		do:  do,

		feeder: make(chan *consumerTask),
		active: make(map[string][]*consumerTask),
		out:    make(chan struct{}),

		ident: ident,

		itemsAdded:     workItemsAdded.WithLabelValues(ident),
		itemsProcessed: workItemsProcessed.WithLabelValues(ident),
		itemsActive:    workItemsActive.WithLabelValues(ident),
		workersActive:  workersActive.WithLabelValues(ident),

		log: slog.Default().With("system", "ordered-scheduler"),
	}

	for i := 0; i < maxC; i++ {
		go p.worker()
	}

	p.workersActive.Set(float64(maxC))

	return p
}

// Stops the workers after everything already added has been processed.
func (p *Scheduler) Shutdown() {
	p.log.Info("shutting down ordered scheduler", "ident", p.ident)

	for i := 0; i < p.maxConcurrency; i++ {
		p.feeder <- &consumerTask{
			control: "stop",
		}
	}

	close(p.feeder)

	for i := 0; i < p.maxConcurrency; i++ {
		<-p.out
	}

	p.workersActive.Set(0)
	p.log.Info("ordered scheduler shutdown complete")
}

type consumerTask struct {
	key     string
	val     *Envelope
	control string
}

// Queues an envelope behind any in-flight work for the same key. Blocks until a worker is free if the key is idle.
func (p *Scheduler) AddWork(ctx context.Context, key string, val *Envelope) error {
	p.itemsAdded.Inc()
	t := &consumerTask{
		key: key,
		val: val,
	}
	p.lk.Lock()

	a, ok := p.active[key]
	if ok {
		p.active[key] = append(a, t)
		p.lk.Unlock()
		return nil
	}

	p.active[key] = []*consumerTask{}
	p.lk.Unlock()

	select {
	case p.feeder <- t:
		return nil
	case <-ctx.Done():
		p.lk.Lock()
		// nothing was handed to a worker: forget the key, dropping anything queued behind it
		if rem := p.active[key]; len(rem) > 0 {
			p.log.Warn("dropping queued work on cancel", "key", key, "count", len(rem))
		}
		delete(p.active, key)
		p.lk.Unlock()
		return ctx.Err()
	}
}

func (p *Scheduler) worker() {
	for work := range p.feeder {
		for work != nil {
			if work.control == "stop" {
				p.out <- struct{}{}
				return
			}

			p.itemsActive.Inc()
			if err := p.do(p.ctx, work.val); err != nil {
				p.log.Error("event handler failed", "key", work.key, "err", err)
			}
			p.itemsProcessed.Inc()

			p.lk.Lock()
			rem, ok := p.active[work.key]
			if !ok {
				p.log.Error("should always have an 'active' entry if a worker is processing a job")
			}

			if len(rem) == 0 {
				delete(p.active, work.key)
				work = nil
			} else {
				work = rem[0]
				p.active[work.key] = rem[1:]
			}
			p.lk.Unlock()
		}
	}
}
