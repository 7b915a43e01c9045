package duck

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
)

// nameLists is the JSON shape of the positional property name lists.
type nameLists struct {
	Instantaneous []string `json:"i,omitempty"`
	Accumulating  []string `json:"a,omitempty"`
	Status        []string `json:"s,omitempty"`
}

// GetMetadata returns the metadata for streamID.
func (r *Repo) GetMetadata(ctx context.Context, streamID string) (*datum.StreamMetadata, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT stream_id, object_kind, object_id, source_id, time_zone, names
		FROM stream_meta WHERE stream_id = ?
	`, streamID)

	m, err := scanMetadata(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrStreamNotFound, "%s", streamID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get metadata")
	}
	return m, nil
}

// FindMetadata returns the metadata for an (object, source) pair.
func (r *Repo) FindMetadata(ctx context.Context, kind datum.ObjectKind, objectID int64, sourceID string) (*datum.StreamMetadata, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT stream_id, object_kind, object_id, source_id, time_zone, names
		FROM stream_meta
		WHERE object_kind = ? AND object_id = ? AND source_id = ?
	`, int(kind), objectID, sourceID)

	m, err := scanMetadata(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrStreamNotFound, "%s/%d/%s", kind, objectID, sourceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "find metadata")
	}
	return m, nil
}

// SaveMetadata persists new stream metadata. Saving an existing stream ID or
// (object, source) pair is an error; metadata is immutable.
func (r *Repo) SaveMetadata(ctx context.Context, meta *datum.StreamMetadata) error {
	names, err := json.Marshal(nameLists{
		Instantaneous: meta.Instantaneous,
		Accumulating:  meta.Accumulating,
		Status:        meta.Status,
	})
	if err != nil {
		return errors.Wrap(err, "marshal name lists")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO stream_meta (stream_id, object_kind, object_id, source_id, time_zone, names)
		VALUES (?, ?, ?, ?, ?, ?)
	`, meta.StreamID, int(meta.ObjectKind), meta.ObjectID, meta.SourceID, meta.TimeZoneID, string(names))
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "save metadata %s: %v", meta.StreamID, err)
	}
	return nil
}

// ListStreamIDs returns the IDs of all known streams.
func (r *Repo) ListStreamIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT stream_id FROM stream_meta ORDER BY stream_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list streams")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan stream id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanMetadata(row rowScanner) (*datum.StreamMetadata, error) {
	var m datum.StreamMetadata
	var kind int
	var names string
	if err := row.Scan(&m.StreamID, &kind, &m.ObjectID, &m.SourceID, &m.TimeZoneID, &names); err != nil {
		return nil, err
	}
	m.ObjectKind = datum.ObjectKind(kind)

	var lists nameLists
	if err := json.Unmarshal([]byte(names), &lists); err != nil {
		return nil, err
	}
	m.Instantaneous = lists.Instantaneous
	m.Accumulating = lists.Accumulating
	m.Status = lists.Status
	return &m, nil
}
