// Package resolver locates the boundary raw samples needed to compute
// accumulating-property deltas for a time bucket.
//
// An accumulating diff over a bucket is the difference between the meter
// reading at the bucket's start boundary and the reading at its end
// boundary. Meters rarely report exactly on the boundary, so each side is
// substituted by the nearest sample within a tolerance window: the last
// sample at or before the bucket start, and the first at or after the
// bucket end.
package resolver

import (
	"context"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/storage/repo"
)

// Boundary holds the boundary samples for one bucket. Either side may be
// nil when no sample qualified within tolerance.
type Boundary struct {
	Before *datum.Datum
	After  *datum.Datum
}

// Resolver finds boundary samples through the datum repository.
type Resolver struct {
	datums    repo.DatumRepository
	tolerance time.Duration
	maxGap    time.Duration
}

// New creates a resolver. tolerance bounds the normal outward boundary
// search; maxGap bounds the extended backward search used for trailing-gap
// absorption.
func New(datums repo.DatumRepository, tolerance, maxGap time.Duration) *Resolver {
	return &Resolver{
		datums:    datums,
		tolerance: tolerance,
		maxGap:    maxGap,
	}
}

// Tolerance returns the configured boundary tolerance.
func (r *Resolver) Tolerance() time.Duration {
	return r.tolerance
}

// BoundarySamples returns the boundary pair for the bucket [start, end).
//
// When the bucket's leading boundary has no sample within tolerance but the
// bucket ends exactly on a known sample, the backward search is retried out
// to maxGap: the gap-ending bucket absorbs the accumulation pending since
// the last known reading, rather than splitting it arbitrarily across the
// silent buckets.
func (r *Resolver) BoundarySamples(ctx context.Context, streamID string, start, end time.Time) (Boundary, error) {
	var b Boundary

	before, err := r.nearest(ctx, streamID, start, r.tolerance, repo.Backward)
	if err != nil {
		return b, err
	}
	after, err := r.nearest(ctx, streamID, end, r.tolerance, repo.Forward)
	if err != nil {
		return b, err
	}

	if before == nil && after != nil && after.Timestamp.Equal(end) {
		before, err = r.nearest(ctx, streamID, start, r.maxGap, repo.Backward)
		if err != nil {
			return b, err
		}
	}

	b.Before = before
	b.After = after
	return b, nil
}

// FindAround returns the sample(s) nearest to ts within tolerance. An exact
// match returns exactly one row; otherwise up to one earlier and one later
// row. Missing on one side is valid and returns only the other.
func (r *Resolver) FindAround(ctx context.Context, streamID string, ts time.Time) ([]datum.Datum, error) {
	exact, err := r.datums.GetRaw(ctx, streamID, ts)
	if err == nil {
		return []datum.Datum{*exact}, nil
	}
	if !errors.Is(err, errors.ErrDatumNotFound) {
		return nil, errors.Wrap(err, "find around")
	}

	earlier, err := r.nearest(ctx, streamID, ts, r.tolerance, repo.Backward)
	if err != nil {
		return nil, err
	}
	later, err := r.nearest(ctx, streamID, ts, r.tolerance, repo.Forward)
	if err != nil {
		return nil, err
	}

	var out []datum.Datum
	if earlier != nil {
		out = append(out, *earlier)
	}
	if later != nil {
		out = append(out, *later)
	}
	return out, nil
}

// nearest wraps the repository primitive, mapping not-found to nil.
func (r *Resolver) nearest(ctx context.Context, streamID string, ts time.Time, tolerance time.Duration, dir repo.Direction) (*datum.Datum, error) {
	d, err := r.datums.NearestRaw(ctx, streamID, ts, tolerance, dir)
	if err != nil {
		if errors.Is(err, errors.ErrDatumNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "nearest raw")
	}
	return d, nil
}
