package duck

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
)

// GetAggregate returns the aggregate at key.
func (r *Repo) GetAggregate(ctx context.Context, key datum.AggregateKey) (*datum.Aggregate, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT bucket_start, props, stats FROM agg_datum
		WHERE stream_id = ? AND bucket_start = ? AND level = ?
	`, key.StreamID, key.Start.UTC(), int(key.Level))

	agg, err := scanAggregate(key.StreamID, key.Level, row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "aggregate %s/%s/%s", key.StreamID, key.Level, key.Start)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get aggregate")
	}
	return agg, nil
}

// RangeAggregates returns aggregates at level with bucket start in [from, to).
func (r *Repo) RangeAggregates(ctx context.Context, streamID string, level datum.Level, from, to time.Time) ([]datum.Aggregate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT bucket_start, props, stats FROM agg_datum
		WHERE stream_id = ? AND level = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start
	`, streamID, int(level), from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "range aggregates")
	}
	defer rows.Close()

	var out []datum.Aggregate
	for rows.Next() {
		agg, err := scanAggregate(streamID, level, rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan aggregate")
		}
		out = append(out, *agg)
	}
	return out, rows.Err()
}

// UpsertAggregate fully replaces the aggregate row at its key.
func (r *Repo) UpsertAggregate(ctx context.Context, agg *datum.Aggregate) error {
	props, err := json.Marshal(agg.Properties)
	if err != nil {
		return errors.Wrap(err, "marshal properties")
	}
	stats, err := json.Marshal(agg.Stats)
	if err != nil {
		return errors.Wrap(err, "marshal statistics")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agg_datum (stream_id, bucket_start, level, props, stats)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (stream_id, bucket_start, level) DO UPDATE SET
			props = excluded.props,
			stats = excluded.stats
	`, agg.StreamID, agg.Start.UTC(), int(agg.Level), string(props), string(stats))
	if err != nil {
		return errors.Wrap(err, "upsert aggregate")
	}
	return nil
}

// DeleteAggregate removes the aggregate row at key.
func (r *Repo) DeleteAggregate(ctx context.Context, key datum.AggregateKey) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM agg_datum WHERE stream_id = ? AND bucket_start = ? AND level = ?
	`, key.StreamID, key.Start.UTC(), int(key.Level))
	if err != nil {
		return errors.Wrap(err, "delete aggregate")
	}
	return nil
}

func scanAggregate(streamID string, level datum.Level, row rowScanner) (*datum.Aggregate, error) {
	var start time.Time
	var props, stats string
	if err := row.Scan(&start, &props, &stats); err != nil {
		return nil, err
	}

	agg := &datum.Aggregate{StreamID: streamID, Start: start.UTC(), Level: level}
	if err := json.Unmarshal([]byte(props), &agg.Properties); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stats), &agg.Stats); err != nil {
		return nil, err
	}
	return agg, nil
}
