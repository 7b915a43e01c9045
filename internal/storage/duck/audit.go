package duck

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
)

// IncrementAudit atomically adds delta to the audit row at key. Byte counts
// are a JSON map merged in Go, so the whole increment runs in one write
// transaction.
func (r *Repo) IncrementAudit(ctx context.Context, key datum.AuditKey, delta datum.AuditDelta) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin increment")
	}
	defer tx.Rollback()

	var datumCount, propCount int64
	var byteCounts sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT datum_count, prop_count, byte_counts FROM audit_datum
		WHERE stream_id = ? AND period_start = ? AND level = ?
	`, key.StreamID, key.Start.UTC(), int(key.Level)).Scan(&datumCount, &propCount, &byteCounts)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "read audit row")
	}

	counts := make(map[string]int64)
	if byteCounts.Valid && byteCounts.String != "" {
		if err := json.Unmarshal([]byte(byteCounts.String), &counts); err != nil {
			return errors.Wrap(err, "unmarshal byte counts")
		}
	}
	for channel, n := range delta.ByteCounts {
		counts[channel] += n
	}
	merged, err := json.Marshal(counts)
	if err != nil {
		return errors.Wrap(err, "marshal byte counts")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_datum (stream_id, period_start, level, datum_count, prop_count, byte_counts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (stream_id, period_start, level) DO UPDATE SET
			datum_count = excluded.datum_count,
			prop_count = excluded.prop_count,
			byte_counts = excluded.byte_counts
	`, key.StreamID, key.Start.UTC(), int(key.Level),
		datumCount+delta.DatumCount, propCount+delta.PropertyCount, string(merged))
	if err != nil {
		return errors.Wrap(err, "write audit row")
	}
	return tx.Commit()
}

// RangeAudit returns audit rows at level with period start in [from, to).
func (r *Repo) RangeAudit(ctx context.Context, streamID string, level datum.Level, from, to time.Time) ([]datum.AuditDatum, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT period_start, datum_count, prop_count, byte_counts FROM audit_datum
		WHERE stream_id = ? AND level = ? AND period_start >= ? AND period_start < ?
		ORDER BY period_start
	`, streamID, int(level), from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "range audit")
	}
	defer rows.Close()

	var out []datum.AuditDatum
	for rows.Next() {
		var start time.Time
		var byteCounts sql.NullString
		a := datum.AuditDatum{StreamID: streamID, Level: level}
		if err := rows.Scan(&start, &a.DatumCount, &a.PropertyCount, &byteCounts); err != nil {
			return nil, errors.Wrap(err, "scan audit")
		}
		a.Start = start.UTC()
		if byteCounts.Valid && byteCounts.String != "" {
			if err := json.Unmarshal([]byte(byteCounts.String), &a.ByteCounts); err != nil {
				return nil, errors.Wrap(err, "unmarshal byte counts")
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAudit fully replaces a rolled-up audit row.
func (r *Repo) UpsertAudit(ctx context.Context, a *datum.AuditDatum) error {
	byteCounts, err := json.Marshal(a.ByteCounts)
	if err != nil {
		return errors.Wrap(err, "marshal byte counts")
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_datum (stream_id, period_start, level, datum_count, prop_count, byte_counts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (stream_id, period_start, level) DO UPDATE SET
			datum_count = excluded.datum_count,
			prop_count = excluded.prop_count,
			byte_counts = excluded.byte_counts
	`, a.StreamID, a.Start.UTC(), int(a.Level), a.DatumCount, a.PropertyCount, string(byteCounts))
	if err != nil {
		return errors.Wrap(err, "upsert audit")
	}
	return nil
}
