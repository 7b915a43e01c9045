package duck

import (
	"context"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/storage/repo"
)

// InsertStale records a pending marker for key. Idempotent: an existing
// marker, claimed or not, is left untouched.
func (r *Repo) InsertStale(ctx context.Context, key datum.StaleKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agg_stale (scope, stream_id, bucket_start, level)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, int(key.Scope), key.StreamID, key.Start.UTC(), int(key.Level))
	if err != nil {
		return errors.Wrap(err, "insert stale")
	}
	return nil
}

// ClaimStale atomically claims up to limit unclaimed (or lease-expired)
// markers of the given scope and level. The claim is a single UPDATE with a
// RETURNING clause; DuckDB serializes write transactions, so concurrent
// claimers receive disjoint sets.
func (r *Repo) ClaimStale(ctx context.Context, scope datum.StaleScope, level datum.Level, limit int, lease time.Duration) ([]repo.Claim, error) {
	now := time.Now().UTC()
	token := r.nextToken()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE agg_stale SET claimed_until = ?, token = ?
		WHERE scope = ? AND level = ?
		AND (claimed_until IS NULL OR claimed_until <= ?)
		AND (stream_id, bucket_start) IN (
			SELECT stream_id, bucket_start FROM agg_stale
			WHERE scope = ? AND level = ?
			AND (claimed_until IS NULL OR claimed_until <= ?)
			ORDER BY bucket_start, stream_id
			LIMIT ?
		)
		RETURNING stream_id, bucket_start
	`, now.Add(lease), token, int(scope), int(level), now, int(scope), int(level), now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim stale")
	}
	defer rows.Close()

	var claims []repo.Claim
	for rows.Next() {
		var streamID string
		var start time.Time
		if err := rows.Scan(&streamID, &start); err != nil {
			return nil, errors.Wrap(err, "scan claim")
		}
		claims = append(claims, repo.Claim{
			Key: datum.StaleKey{
				Scope:    scope,
				StreamID: streamID,
				Start:    start.UTC(),
				Level:    level,
			},
			Token: token,
		})
	}
	return claims, rows.Err()
}

// ReleaseStale returns a claimed marker to the claimable pool.
func (r *Repo) ReleaseStale(ctx context.Context, c repo.Claim) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE agg_stale SET claimed_until = NULL, token = NULL
		WHERE scope = ? AND stream_id = ? AND bucket_start = ? AND level = ? AND token = ?
	`, int(c.Key.Scope), c.Key.StreamID, c.Key.Start.UTC(), int(c.Key.Level), c.Token)
	if err != nil {
		return errors.Wrap(err, "release stale")
	}
	return requireClaimed(res, c)
}

// ClearStale removes a successfully processed marker.
func (r *Repo) ClearStale(ctx context.Context, c repo.Claim) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM agg_stale
		WHERE scope = ? AND stream_id = ? AND bucket_start = ? AND level = ? AND token = ?
	`, int(c.Key.Scope), c.Key.StreamID, c.Key.Start.UTC(), int(c.Key.Level), c.Token)
	if err != nil {
		return errors.Wrap(err, "clear stale")
	}
	return requireClaimed(res, c)
}

// requireClaimed maps a zero-row update to ErrClaimExpired: either the lease
// lapsed and another worker holds the marker now, or it was already cleared.
func requireClaimed(res interface{ RowsAffected() (int64, error) }, c repo.Claim) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrClaimExpired, "stream %s at %s", c.Key.StreamID, c.Key.Start)
	}
	return nil
}
