package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/logging"
)

// Pool runs a fixed number of workers that drain stale markers until
// stopped. Workers share nothing but the repository; claim semantics keep
// them off each other's markers.
type Pool struct {
	worker   *Worker
	workers  int
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool creates a pool of workers draining at the given idle interval.
func NewPool(w *Worker, workers int, interval time.Duration) *Pool {
	return &Pool{worker: w, workers: workers, interval: interval}
}

// Start launches the workers. Returns ErrAlreadyRunning on a second call.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.run(gctx)
			return nil
		})
	}
	go func() {
		defer close(p.done)
		_ = g.Wait()
	}()

	logging.Component("worker").Info("pool started",
		"workers", p.workers, "interval", p.interval)
	return nil
}

// Stop signals the workers and waits for in-flight claims to finish.
func (p *Pool) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return errors.ErrNotRunning
	}
	cancel()
	<-done
	return nil
}

// run drains repeatedly, sleeping only when a pass finds nothing. A pass
// that processed markers may have cascaded new ones, so it loops straight
// into the next pass.
func (p *Pool) run(ctx context.Context) {
	log := logging.Component("worker")
	for {
		n, err := p.worker.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn("drain pass failed", "processed", n, "error", err)
		}
		if n > 0 && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}
