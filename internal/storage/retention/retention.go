// Package retention prunes data past its configured horizon.
//
// Expiry deletes go straight through the repository without staleness
// marking: an expired raw datum is not a mutation to re-aggregate, and
// re-marking would resurrect rollup work for buckets that are themselves
// about to expire.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/logging"
	"github.com/xtxerr/meterflow/internal/storage/repo"
)

// Policy defines the pruning horizons. A zero horizon keeps data forever.
type Policy struct {
	// Raw is the maximum age of raw datum.
	Raw time.Duration

	// Hour is the maximum age of hourly aggregates.
	Hour time.Duration
}

// Manager runs periodic retention sweeps over all known streams.
type Manager struct {
	repo     repo.Repository
	policy   Policy
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a retention manager sweeping at the given interval.
func NewManager(r repo.Repository, policy Policy, interval time.Duration) *Manager {
	return &Manager{
		repo:     r,
		policy:   policy,
		interval: interval,
		now:      time.Now,
		log:      logging.Component("retention"),
	}
}

// Sweep prunes every stream once. Returns the number of raw rows deleted.
// Per-stream failures are logged and skipped; one misbehaving stream must
// not stall pruning for the rest.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ids, err := m.repo.ListStreamIDs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list streams")
	}

	deleted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		n, err := m.sweepStream(ctx, id)
		deleted += n
		if err != nil {
			m.log.Warn("sweep failed for stream", "stream", id, "error", err)
		}
	}
	if deleted > 0 {
		m.log.Info("retention sweep complete", "streams", len(ids), "raw_deleted", deleted)
	}
	return deleted, nil
}

func (m *Manager) sweepStream(ctx context.Context, streamID string) (int, error) {
	now := m.now()
	deleted := 0

	if m.policy.Raw > 0 {
		keys, err := m.repo.DeleteRaw(ctx, streamID, time.Time{}, now.Add(-m.policy.Raw))
		if err != nil {
			return deleted, errors.Wrap(err, "delete raw")
		}
		deleted += len(keys)
	}

	if m.policy.Hour > 0 {
		horizon := now.Add(-m.policy.Hour)
		aggs, err := m.repo.RangeAggregates(ctx, streamID, datum.LevelHour, time.Time{}, horizon)
		if err != nil {
			return deleted, errors.Wrap(err, "range aggregates")
		}
		for _, agg := range aggs {
			if err := m.repo.DeleteAggregate(ctx, agg.Key()); err != nil {
				return deleted, errors.Wrap(err, "delete aggregate")
			}
		}
	}
	return deleted, nil
}

// Start launches the periodic sweep loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := m.Sweep(runCtx); err != nil && runCtx.Err() == nil {
					m.log.Warn("retention sweep failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return errors.ErrNotRunning
	}
	cancel()
	<-done
	return nil
}
