package duck

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/storage/repo"
)

// GetRaw returns the raw datum at exactly (streamID, ts).
func (r *Repo) GetRaw(ctx context.Context, streamID string, ts time.Time) (*datum.Datum, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT ts, received, props FROM datum
		WHERE stream_id = ? AND ts = ?
	`, streamID, ts.UTC())

	d, err := scanDatum(streamID, row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrDatumNotFound, "stream %s at %s", streamID, ts)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get raw")
	}
	return d, nil
}

// RangeRaw returns raw datum with timestamp in [from, to).
func (r *Repo) RangeRaw(ctx context.Context, streamID string, from, to time.Time) ([]datum.Datum, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts, received, props FROM datum
		WHERE stream_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts
	`, streamID, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "range raw")
	}
	defer rows.Close()

	var out []datum.Datum
	for rows.Next() {
		d, err := scanDatum(streamID, rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan raw")
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// NearestRaw returns the raw datum nearest to ts in the given direction.
func (r *Repo) NearestRaw(ctx context.Context, streamID string, ts time.Time, tolerance time.Duration, dir repo.Direction) (*datum.Datum, error) {
	var query string
	args := []interface{}{streamID, ts.UTC()}

	switch dir {
	case repo.Backward:
		query = `SELECT ts, received, props FROM datum WHERE stream_id = ? AND ts <= ?`
		if tolerance > 0 {
			query += ` AND ts >= ?`
			args = append(args, ts.Add(-tolerance).UTC())
		}
		query += ` ORDER BY ts DESC LIMIT 1`
	case repo.Forward:
		query = `SELECT ts, received, props FROM datum WHERE stream_id = ? AND ts >= ?`
		if tolerance > 0 {
			query += ` AND ts <= ?`
			args = append(args, ts.Add(tolerance).UTC())
		}
		query += ` ORDER BY ts LIMIT 1`
	}

	d, err := scanDatum(streamID, r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrDatumNotFound, "stream %s near %s", streamID, ts)
	}
	if err != nil {
		return nil, errors.Wrap(err, "nearest raw")
	}
	return d, nil
}

// UpsertRaw inserts or fully replaces the raw datum at its key.
func (r *Repo) UpsertRaw(ctx context.Context, d *datum.Datum) error {
	props, err := json.Marshal(d.Properties)
	if err != nil {
		return errors.Wrap(err, "marshal properties")
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO datum (stream_id, ts, received, props)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream_id, ts) DO UPDATE SET
			received = excluded.received,
			props = excluded.props
	`, d.StreamID, d.Timestamp.UTC(), d.Received.UTC(), string(props))
	if err != nil {
		return errors.Wrap(err, "upsert raw")
	}
	return nil
}

// DeleteRaw deletes raw datum in [from, to) and returns their keys.
func (r *Repo) DeleteRaw(ctx context.Context, streamID string, from, to time.Time) ([]datum.Key, error) {
	rows, err := r.db.QueryContext(ctx, `
		DELETE FROM datum
		WHERE stream_id = ? AND ts >= ? AND ts < ?
		RETURNING ts
	`, streamID, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "delete raw")
	}
	defer rows.Close()

	var keys []datum.Key
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, errors.Wrap(err, "scan deleted key")
		}
		keys = append(keys, datum.Key{StreamID: streamID, Timestamp: ts.UTC()})
	}
	return keys, rows.Err()
}

// RangeAux returns auxiliary records of the given kind in [from, to).
func (r *Repo) RangeAux(ctx context.Context, streamID string, kind datum.AuxiliaryKind, from, to time.Time) ([]datum.Auxiliary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts, final_props, start_props, note, meta FROM datum_aux
		WHERE stream_id = ? AND kind = ? AND ts >= ? AND ts < ?
		ORDER BY ts
	`, streamID, int(kind), from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "range aux")
	}
	defer rows.Close()

	var out []datum.Auxiliary
	for rows.Next() {
		var ts time.Time
		var finalProps, startProps string
		var note, meta sql.NullString
		if err := rows.Scan(&ts, &finalProps, &startProps, &note, &meta); err != nil {
			return nil, errors.Wrap(err, "scan aux")
		}

		aux := datum.Auxiliary{StreamID: streamID, Timestamp: ts.UTC(), Kind: kind, Note: note.String}
		if err := json.Unmarshal([]byte(finalProps), &aux.Final); err != nil {
			return nil, errors.Wrap(err, "unmarshal final properties")
		}
		if err := json.Unmarshal([]byte(startProps), &aux.Start); err != nil {
			return nil, errors.Wrap(err, "unmarshal start properties")
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &aux.Meta); err != nil {
				return nil, errors.Wrap(err, "unmarshal aux meta")
			}
		}
		out = append(out, aux)
	}
	return out, rows.Err()
}

// UpsertAux inserts or replaces the auxiliary record at its key.
func (r *Repo) UpsertAux(ctx context.Context, aux *datum.Auxiliary) error {
	finalProps, err := json.Marshal(aux.Final)
	if err != nil {
		return errors.Wrap(err, "marshal final properties")
	}
	startProps, err := json.Marshal(aux.Start)
	if err != nil {
		return errors.Wrap(err, "marshal start properties")
	}
	var meta interface{}
	if len(aux.Meta) > 0 {
		b, err := json.Marshal(aux.Meta)
		if err != nil {
			return errors.Wrap(err, "marshal aux meta")
		}
		meta = string(b)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO datum_aux (stream_id, ts, kind, final_props, start_props, note, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (stream_id, ts, kind) DO UPDATE SET
			final_props = excluded.final_props,
			start_props = excluded.start_props,
			note = excluded.note,
			meta = excluded.meta
	`, aux.StreamID, aux.Timestamp.UTC(), int(aux.Kind), string(finalProps), string(startProps), aux.Note, meta)
	if err != nil {
		return errors.Wrap(err, "upsert aux")
	}
	return nil
}

// DeleteAux removes the auxiliary record at (stream, ts, kind).
func (r *Repo) DeleteAux(ctx context.Context, streamID string, ts time.Time, kind datum.AuxiliaryKind) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM datum_aux WHERE stream_id = ? AND ts = ? AND kind = ?
	`, streamID, ts.UTC(), int(kind))
	if err != nil {
		return errors.Wrap(err, "delete aux")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDatum(streamID string, row rowScanner) (*datum.Datum, error) {
	var (
		ts, received time.Time
		props        string
	)
	if err := row.Scan(&ts, &received, &props); err != nil {
		return nil, err
	}
	d := &datum.Datum{StreamID: streamID, Timestamp: ts.UTC(), Received: received.UTC()}
	if err := json.Unmarshal([]byte(props), &d.Properties); err != nil {
		return nil, err
	}
	return d, nil
}
