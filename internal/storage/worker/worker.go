// Package worker drains stale markers and recomputes the rollups they
// name.
//
// Claiming a marker is atomic remove-and-lock: a claimed marker is invisible
// to other workers until cleared or released, which guarantees at most one
// concurrent recomputation per (stream, bucket, level). Failed recomputations
// release the marker for retry; markers are never silently dropped.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/logging"
	"github.com/xtxerr/meterflow/internal/meta"
	"github.com/xtxerr/meterflow/internal/storage/audit"
	"github.com/xtxerr/meterflow/internal/storage/repo"
	"github.com/xtxerr/meterflow/internal/storage/rollup"
	"github.com/xtxerr/meterflow/internal/storage/stale"
)

// Worker recomputes stale rollups one claim at a time.
type Worker struct {
	repo     repo.Repository
	metas    *meta.Provider
	computer *rollup.Computer
	tracker  *stale.Tracker
	audits   *audit.Counter

	batchSize int
	lease     time.Duration

	log *slog.Logger
}

// New creates a worker.
func New(r repo.Repository, metas *meta.Provider, computer *rollup.Computer, tracker *stale.Tracker, audits *audit.Counter, batchSize int, lease time.Duration) *Worker {
	return &Worker{
		repo:      r,
		metas:     metas,
		computer:  computer,
		tracker:   tracker,
		audits:    audits,
		batchSize: batchSize,
		lease:     lease,
		log:       logging.Component("worker"),
	}
}

// Drain claims and processes up to batchSize markers per tracked level,
// finest level first so cascaded markers are picked up in the same pass
// ordering on the next drain. Returns the number of markers processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	processed := 0

	for _, level := range datum.TrackedLevels() {
		n, err := w.drainLevel(ctx, datum.ScopeAggregate, level)
		processed += n
		if err != nil {
			return processed, err
		}
	}
	for _, level := range []datum.Level{datum.LevelDay, datum.LevelMonth} {
		n, err := w.drainLevel(ctx, datum.ScopeAudit, level)
		processed += n
		if err != nil {
			return processed, err
		}
	}
	return processed, nil
}

func (w *Worker) drainLevel(ctx context.Context, scope datum.StaleScope, level datum.Level) (int, error) {
	claims, err := w.repo.ClaimStale(ctx, scope, level, w.batchSize, w.lease)
	if err != nil {
		return 0, errors.Wrap(err, "claim stale")
	}

	processed := 0
	for _, c := range claims {
		if err := ctx.Err(); err != nil {
			// Shutting down: hand the remaining claims back.
			w.release(c)
			continue
		}

		var perr error
		switch scope {
		case datum.ScopeAggregate:
			perr = w.processAggregate(ctx, c)
		case datum.ScopeAudit:
			perr = w.processAudit(ctx, c)
		}
		if perr != nil {
			w.log.Warn("recompute failed, releasing marker",
				"stream", c.Key.StreamID, "start", c.Key.Start, "level", c.Key.Level.String(),
				"scope", scope.String(), "error", perr)
			w.release(c)
			continue
		}
		processed++
	}
	return processed, nil
}

// processAggregate recomputes one (stream, bucket, level) aggregate: full
// replace on a result, delete on an empty one, then clear the marker and
// cascade to the next coarser level.
func (w *Worker) processAggregate(ctx context.Context, c repo.Claim) error {
	m, err := w.metas.Get(ctx, c.Key.StreamID)
	if err != nil {
		if errors.IsNotFound(err) {
			// No metadata means no stream; nothing to compute, the marker
			// is cleared rather than retried forever.
			return w.clear(ctx, c)
		}
		return err
	}
	loc, err := m.Location()
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidTimeZone, "stream %s", m.StreamID)
	}

	agg, err := w.computer.Compute(ctx, m, c.Key.Start, c.Key.Level)
	if err != nil {
		return err
	}

	key := datum.AggregateKey{StreamID: c.Key.StreamID, Start: c.Key.Start, Level: c.Key.Level}
	if agg == nil {
		if err := w.repo.DeleteAggregate(ctx, key); err != nil {
			return errors.Wrap(err, "delete aggregate")
		}
	} else {
		if err := w.repo.UpsertAggregate(ctx, agg); err != nil {
			return errors.Wrap(err, "upsert aggregate")
		}
	}

	if err := w.clear(ctx, c); err != nil {
		return err
	}
	return w.tracker.Cascade(ctx, c.Key.StreamID, c.Key.Start, c.Key.Level, loc)
}

// processAudit recomputes one audit rollup row from its child rows.
func (w *Worker) processAudit(ctx context.Context, c repo.Claim) error {
	loc := time.UTC
	if m, err := w.metas.Get(ctx, c.Key.StreamID); err == nil {
		if l, lerr := m.Location(); lerr == nil {
			loc = l
		}
	}

	if err := w.audits.Rollup(ctx, c.Key.StreamID, c.Key.Start, c.Key.Level, loc); err != nil {
		return err
	}
	return w.clear(ctx, c)
}

func (w *Worker) clear(ctx context.Context, c repo.Claim) error {
	if err := w.repo.ClearStale(ctx, c); err != nil {
		// An expired claim means another worker owns the marker now; the
		// work was redundant but not wrong.
		if errors.Is(err, errors.ErrClaimExpired) {
			w.log.Debug("claim expired before clear",
				"stream", c.Key.StreamID, "start", c.Key.Start)
			return nil
		}
		return errors.Wrap(err, "clear stale")
	}
	return nil
}

func (w *Worker) release(c repo.Claim) {
	// Release uses a fresh context so shutdown does not strand claims
	// until lease expiry.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.repo.ReleaseStale(releaseCtx, c); err != nil && !errors.Is(err, errors.ErrClaimExpired) {
		w.log.Warn("release failed; marker claimable after lease expiry",
			"stream", c.Key.StreamID, "start", c.Key.Start, "error", err)
	}
}
