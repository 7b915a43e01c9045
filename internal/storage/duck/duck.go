// Package duck implements the repository ports on embedded DuckDB.
//
// Timestamps are stored as UTC instants; callers get UTC back and convert
// to stream zones themselves. Properties and statistics are stored as JSON
// columns: streams carry arbitrary-length positional arrays, which fixed
// columns cannot represent.
package duck

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/meterflow/internal/logging"
	"github.com/xtxerr/meterflow/internal/storage/repo"
)

// Repo is a DuckDB-backed repository. Safe for concurrent use; DuckDB
// serializes write transactions internally.
type Repo struct {
	db       *sql.DB
	tokenSeq atomic.Int64
}

var _ repo.Repository = (*Repo)(nil)

// Open opens (or creates) the database at path and applies the schema.
// An empty path opens an in-memory database.
func Open(path string) (*Repo, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	r := &Repo{db: db}
	r.tokenSeq.Store(time.Now().UnixNano())

	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Component("duck").Info("database opened", "path", path)
	return r, nil
}

// Close closes the underlying database.
func (r *Repo) Close() error {
	return r.db.Close()
}

// migrate applies the schema. Idempotent.
func (r *Repo) migrate() error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "stream_meta",
			sql: `CREATE TABLE IF NOT EXISTS stream_meta (
				stream_id VARCHAR PRIMARY KEY,
				object_kind INTEGER NOT NULL,
				object_id BIGINT NOT NULL,
				source_id VARCHAR NOT NULL,
				time_zone VARCHAR NOT NULL,
				names JSON NOT NULL,
				created_at TIMESTAMP DEFAULT now(),
				UNIQUE (object_kind, object_id, source_id)
			)`,
		},
		{
			name: "datum",
			sql: `CREATE TABLE IF NOT EXISTS datum (
				stream_id VARCHAR NOT NULL,
				ts TIMESTAMP NOT NULL,
				received TIMESTAMP NOT NULL,
				props JSON NOT NULL,
				PRIMARY KEY (stream_id, ts)
			)`,
		},
		{
			name: "datum_aux",
			sql: `CREATE TABLE IF NOT EXISTS datum_aux (
				stream_id VARCHAR NOT NULL,
				ts TIMESTAMP NOT NULL,
				kind INTEGER NOT NULL,
				final_props JSON NOT NULL,
				start_props JSON NOT NULL,
				note VARCHAR,
				meta JSON,
				PRIMARY KEY (stream_id, ts, kind)
			)`,
		},
		{
			name: "agg_datum",
			sql: `CREATE TABLE IF NOT EXISTS agg_datum (
				stream_id VARCHAR NOT NULL,
				bucket_start TIMESTAMP NOT NULL,
				level INTEGER NOT NULL,
				props JSON NOT NULL,
				stats JSON NOT NULL,
				PRIMARY KEY (stream_id, bucket_start, level)
			)`,
		},
		{
			name: "agg_stale",
			sql: `CREATE TABLE IF NOT EXISTS agg_stale (
				scope INTEGER NOT NULL,
				stream_id VARCHAR NOT NULL,
				bucket_start TIMESTAMP NOT NULL,
				level INTEGER NOT NULL,
				claimed_until TIMESTAMP,
				token BIGINT,
				PRIMARY KEY (scope, stream_id, bucket_start, level)
			)`,
		},
		{
			name: "audit_datum",
			sql: `CREATE TABLE IF NOT EXISTS audit_datum (
				stream_id VARCHAR NOT NULL,
				period_start TIMESTAMP NOT NULL,
				level INTEGER NOT NULL,
				datum_count BIGINT NOT NULL DEFAULT 0,
				prop_count BIGINT NOT NULL DEFAULT 0,
				byte_counts JSON,
				PRIMARY KEY (stream_id, period_start, level)
			)`,
		},
		{
			name: "idx_agg_stale_claim",
			sql:  `CREATE INDEX IF NOT EXISTS idx_agg_stale_claim ON agg_stale(scope, level, claimed_until)`,
		},
	}

	for _, m := range migrations {
		if _, err := r.db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}

// nextToken returns a process-unique claim token.
func (r *Repo) nextToken() int64 {
	return r.tokenSeq.Add(1)
}
