// Package storage wires the engine components behind one facade: ingest,
// staleness-driven reprocessing, aggregate queries, calendar rollups,
// retention and bulk export.
package storage

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/logging"
	"github.com/xtxerr/meterflow/internal/meta"
	"github.com/xtxerr/meterflow/internal/storage/audit"
	"github.com/xtxerr/meterflow/internal/storage/config"
	"github.com/xtxerr/meterflow/internal/storage/parquet"
	"github.com/xtxerr/meterflow/internal/storage/repo"
	"github.com/xtxerr/meterflow/internal/storage/resolver"
	"github.com/xtxerr/meterflow/internal/storage/retention"
	"github.com/xtxerr/meterflow/internal/storage/rollup"
	"github.com/xtxerr/meterflow/internal/storage/stale"
	"github.com/xtxerr/meterflow/internal/storage/timerange"
	"github.com/xtxerr/meterflow/internal/storage/worker"
)

// Service is the storage engine facade. Writes go through the staleness
// tracker and audit counter synchronously; aggregation happens asynchronously
// in the worker pool.
type Service struct {
	repo     repo.Repository
	metas    *meta.Provider
	resolver *resolver.Resolver
	computer *rollup.Computer
	tracker  *stale.Tracker
	audits   *audit.Counter
	ranges   *timerange.Resolver
	worker   *worker.Worker
	pool     *worker.Pool
	pruner   *retention.Manager

	exportOpts parquet.Options

	log *slog.Logger
}

// New wires a service from configuration and a repository.
func New(cfg *config.Config, r repo.Repository) *Service {
	metas := meta.NewProvider(r)
	res := resolver.New(r, cfg.Resolver.Tolerance, cfg.Resolver.MaxGap)

	var opts []rollup.Option
	if cfg.Features.Percentile.Enabled {
		opts = append(opts, rollup.WithPercentiles(cfg.Features.Percentile.Accuracy))
	}
	computer := rollup.New(r, r, res, opts...)

	tracker := stale.New(r, cfg.Resolver.Tolerance)
	audits := audit.New(r, tracker)

	w := worker.New(r, metas, computer, tracker, audits, cfg.Worker.BatchSize, cfg.Worker.ClaimLease)
	pool := worker.NewPool(w, cfg.Worker.Count, cfg.Worker.DrainInterval)

	var pruner *retention.Manager
	if cfg.Retention.Enabled {
		pruner = retention.NewManager(r, retention.Policy{
			Raw:  cfg.Retention.Raw,
			Hour: cfg.Retention.Hour,
		}, cfg.Retention.Interval)
	}

	return &Service{
		repo:     r,
		metas:    metas,
		resolver: res,
		computer: computer,
		tracker:  tracker,
		audits:   audits,
		ranges:   timerange.New(metas),
		worker:   w,
		pool:     pool,
		pruner:   pruner,
		exportOpts: parquet.Options{
			Compression:  parquet.ParseCompressionType(cfg.Export.Compression),
			RowGroupSize: cfg.Export.RowGroupSize,
		},
		log: logging.Component("storage"),
	}
}

// Start launches the worker pool and, when enabled, the retention sweep.
func (s *Service) Start(ctx context.Context) error {
	if err := s.pool.Start(ctx); err != nil {
		return err
	}
	if s.pruner != nil {
		if err := s.pruner.Start(ctx); err != nil {
			_ = s.pool.Stop()
			return err
		}
	}
	s.log.Info("storage service started")
	return nil
}

// Stop halts background work. In-flight recomputations finish first.
func (s *Service) Stop() error {
	var firstErr error
	if s.pruner != nil {
		if err := s.pruner.Stop(); err != nil && !errors.Is(err, errors.ErrNotRunning) {
			firstErr = err
		}
	}
	if err := s.pool.Stop(); err != nil && !errors.Is(err, errors.ErrNotRunning) && firstErr == nil {
		firstErr = err
	}
	s.log.Info("storage service stopped")
	return firstErr
}

// EnsureStream returns the metadata for the template's (object, source)
// pair, creating it on first use. See meta.Provider.Ensure.
func (s *Service) EnsureStream(ctx context.Context, template *datum.StreamMetadata) (*datum.StreamMetadata, error) {
	return s.metas.Ensure(ctx, template)
}

// StoreDatum validates, normalizes and upserts one raw datum, marks the
// owning buckets stale and records audit counters. The stream must already
// exist; unknown streams return errors.ErrStreamNotFound.
func (s *Service) StoreDatum(ctx context.Context, d *datum.Datum) error {
	if d.Timestamp.IsZero() {
		return errors.Wrap(errors.ErrInvalidTimestamp, "zero timestamp")
	}
	m, err := s.metas.Get(ctx, d.StreamID)
	if err != nil {
		return err
	}
	if err := validateShape(m, &d.Properties); err != nil {
		return err
	}
	loc, err := m.Location()
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidTimeZone, "stream %s", m.StreamID)
	}

	if d.Received.IsZero() {
		d.Received = time.Now()
	}
	d.Properties.Normalize()

	if err := s.repo.UpsertRaw(ctx, d); err != nil {
		return errors.Wrap(err, "upsert raw")
	}
	if err := s.tracker.MarkRaw(ctx, d.StreamID, d.Timestamp); err != nil {
		return err
	}
	return s.audits.RecordDatumWrite(ctx, d.StreamID, d.Timestamp, d.Properties.PropertyCount(), loc)
}

// StoreReset upserts a reset marker and marks the owning buckets stale, the
// same as a raw mutation at the marker's timestamp.
func (s *Service) StoreReset(ctx context.Context, aux *datum.Auxiliary) error {
	if aux.Timestamp.IsZero() {
		return errors.Wrap(errors.ErrInvalidTimestamp, "zero timestamp")
	}
	if _, err := s.metas.Get(ctx, aux.StreamID); err != nil {
		return err
	}
	aux.Kind = datum.KindReset
	aux.Final.Normalize()
	aux.Start.Normalize()

	if err := s.repo.UpsertAux(ctx, aux); err != nil {
		return errors.Wrap(err, "upsert auxiliary")
	}
	return s.tracker.MarkRaw(ctx, aux.StreamID, aux.Timestamp)
}

// DeleteReset removes a reset marker and marks its bucket stale.
func (s *Service) DeleteReset(ctx context.Context, streamID string, ts time.Time) error {
	if err := s.repo.DeleteAux(ctx, streamID, ts, datum.KindReset); err != nil {
		return errors.Wrap(err, "delete auxiliary")
	}
	return s.tracker.MarkRaw(ctx, streamID, ts)
}

// DeleteDatum deletes raw datum with timestamp in [from, to) and marks every
// affected bucket stale. Returns the number of deleted rows; when track is
// set, also the per-row keys for downstream consumers.
func (s *Service) DeleteDatum(ctx context.Context, streamID string, from, to time.Time, track bool) (int, []datum.Key, error) {
	keys, err := s.repo.DeleteRaw(ctx, streamID, from, to)
	if err != nil {
		return 0, nil, errors.Wrap(err, "delete raw")
	}
	for _, k := range keys {
		if err := s.tracker.MarkRaw(ctx, streamID, k.Timestamp); err != nil {
			return len(keys), nil, err
		}
	}
	if !track {
		return len(keys), nil, nil
	}
	return len(keys), keys, nil
}

// Aggregates returns aggregate rows for one stream and level with bucket
// start in [from, to). Unknown streams yield an empty result.
func (s *Service) Aggregates(ctx context.Context, streamID string, level datum.Level, from, to time.Time) ([]datum.Aggregate, error) {
	if level.IsCalendar() {
		return s.Calendar(ctx, streamID, level, from, to)
	}
	if _, err := s.metas.Get(ctx, streamID); err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.repo.RangeAggregates(ctx, streamID, level, from, to)
}

// Around returns the raw datum exactly at ts, or failing that the nearest
// earlier and later samples within the resolver tolerance.
func (s *Service) Around(ctx context.Context, streamID string, ts time.Time) ([]datum.Datum, error) {
	if _, err := s.metas.Get(ctx, streamID); err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.resolver.FindAround(ctx, streamID, ts)
}

// Calendar computes calendar-normalized rollups (DayOfWeek, HourOfYear) on
// demand over source rows in [from, to).
func (s *Service) Calendar(ctx context.Context, streamID string, level datum.Level, from, to time.Time) ([]datum.Aggregate, error) {
	if !level.IsCalendar() {
		return nil, errors.Wrapf(errors.ErrInvalidLevel, "%s is not calendar-normalized", level)
	}
	m, err := s.metas.Get(ctx, streamID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.computer.ComputeCalendar(ctx, m, level, from, to)
}

// ResolveRanges converts zone-naive bounds into per-zone absolute ranges.
func (s *Service) ResolveRanges(ctx context.Context, streamIDs []string, localStart, localEnd time.Time) ([]timerange.Group, error) {
	return s.ranges.ResolveRanges(ctx, streamIDs, localStart, localEnd)
}

// AuditRows returns audit counters for one stream and level in [from, to).
func (s *Service) AuditRows(ctx context.Context, streamID string, level datum.Level, from, to time.Time) ([]datum.AuditDatum, error) {
	return s.repo.RangeAudit(ctx, streamID, level, from, to)
}

// RecordPublish adds published byte counts to a stream's audit channel.
func (s *Service) RecordPublish(ctx context.Context, streamID, channel string, periodStart time.Time, byteCount int64) error {
	return s.audits.Increment(ctx, streamID, channel, periodStart, byteCount)
}

// Export streams one stream's aggregates at the given level in [from, to) to
// w as Parquet. Returns the number of flattened rows written.
func (s *Service) Export(ctx context.Context, w io.Writer, streamID string, level datum.Level, from, to time.Time) (int64, error) {
	m, err := s.metas.Get(ctx, streamID)
	if err != nil {
		return 0, err
	}
	aggs, err := s.Aggregates(ctx, streamID, level, from, to)
	if err != nil {
		return 0, err
	}

	pw := parquet.NewWriter(w, s.exportOpts)
	for i := range aggs {
		if err := pw.WriteAggregate(m, &aggs[i]); err != nil {
			return pw.RowCount(), errors.Wrap(err, "write aggregate")
		}
	}
	if err := pw.Close(); err != nil {
		return pw.RowCount(), errors.Wrap(err, "close writer")
	}
	return pw.RowCount(), nil
}

// Drain runs one synchronous drain pass across all workers' scopes. Exposed
// for callers that need read-your-writes aggregation, and for tests.
func (s *Service) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.worker.Drain(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// validateShape rejects property arrays whose lengths disagree with the
// stream's metadata name lists.
func validateShape(m *datum.StreamMetadata, p *datum.Properties) error {
	if len(p.Instantaneous) > 0 && len(p.Instantaneous) != len(m.Instantaneous) {
		return errors.Wrapf(errors.ErrMismatchedProperties,
			"instantaneous: got %d values, stream has %d", len(p.Instantaneous), len(m.Instantaneous))
	}
	if len(p.Accumulating) > 0 && len(p.Accumulating) != len(m.Accumulating) {
		return errors.Wrapf(errors.ErrMismatchedProperties,
			"accumulating: got %d values, stream has %d", len(p.Accumulating), len(m.Accumulating))
	}
	if len(p.Status) > 0 && len(p.Status) != len(m.Status) {
		return errors.Wrapf(errors.ErrMismatchedProperties,
			"status: got %d values, stream has %d", len(p.Status), len(m.Status))
	}
	return nil
}
