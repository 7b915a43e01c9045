// Package repo defines the repository ports the engine computes over.
//
// The engine never touches persisted state directly; every component reads
// through these interfaces and writes through well-defined upsert/delete
// operations. The only required storage property is that all keys are
// efficiently range-scannable in timestamp order per stream.
package repo

import (
	"context"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
)

// Direction selects the search direction for nearest-sample lookups.
type Direction int

const (
	// Backward searches at or before the reference instant.
	Backward Direction = iota
	// Forward searches at or after the reference instant.
	Forward
)

// DatumRepository stores raw datum and auxiliary reset records.
type DatumRepository interface {
	// GetRaw returns the raw datum at exactly (streamID, ts), or
	// errors.ErrDatumNotFound.
	GetRaw(ctx context.Context, streamID string, ts time.Time) (*datum.Datum, error)

	// RangeRaw returns raw datum with timestamp in [from, to), in
	// timestamp order.
	RangeRaw(ctx context.Context, streamID string, from, to time.Time) ([]datum.Datum, error)

	// NearestRaw returns the raw datum nearest to ts in the given
	// direction, no further than tolerance away. ts itself is included in
	// both directions. A zero tolerance means unbounded search.
	// Returns errors.ErrDatumNotFound if no sample qualifies.
	NearestRaw(ctx context.Context, streamID string, ts time.Time, tolerance time.Duration, dir Direction) (*datum.Datum, error)

	// UpsertRaw inserts or fully replaces the raw datum at its key.
	UpsertRaw(ctx context.Context, d *datum.Datum) error

	// DeleteRaw deletes raw datum with timestamp in [from, to) and returns
	// the keys of the deleted rows.
	DeleteRaw(ctx context.Context, streamID string, from, to time.Time) ([]datum.Key, error)

	// RangeAux returns auxiliary records of the given kind with timestamp
	// in [from, to), in timestamp order.
	RangeAux(ctx context.Context, streamID string, kind datum.AuxiliaryKind, from, to time.Time) ([]datum.Auxiliary, error)

	// UpsertAux inserts or replaces the auxiliary record at
	// (stream, timestamp, kind).
	UpsertAux(ctx context.Context, aux *datum.Auxiliary) error

	// DeleteAux removes the auxiliary record at (stream, timestamp, kind).
	// Deleting a missing record is not an error.
	DeleteAux(ctx context.Context, streamID string, ts time.Time, kind datum.AuxiliaryKind) error
}

// AggregateRepository stores rollup rows.
type AggregateRepository interface {
	// GetAggregate returns the aggregate at key, or errors.ErrNotFound.
	GetAggregate(ctx context.Context, key datum.AggregateKey) (*datum.Aggregate, error)

	// RangeAggregates returns aggregates at the given level with bucket
	// start in [from, to), in bucket order.
	RangeAggregates(ctx context.Context, streamID string, level datum.Level, from, to time.Time) ([]datum.Aggregate, error)

	// UpsertAggregate fully replaces the aggregate row at its key.
	// Concurrent readers always observe a complete row or none.
	UpsertAggregate(ctx context.Context, agg *datum.Aggregate) error

	// DeleteAggregate removes the aggregate row at key. Deleting a missing
	// row is not an error.
	DeleteAggregate(ctx context.Context, key datum.AggregateKey) error
}

// Claim is a claimed stale marker. The marker is invisible to other workers
// until cleared, released, or its lease expires.
type Claim struct {
	Key datum.StaleKey

	// Token identifies this claim to the repository. Implementations use it
	// to reject clears/releases after lease expiry.
	Token int64
}

// StaleRepository stores pending-recomputation markers. This is the only
// mutable coordination state in the system; Insert, Claim and Clear must be
// atomic with respect to each other, including across processes when the
// backing store is shared.
type StaleRepository interface {
	// InsertStale records a pending marker for key. Inserting an existing
	// key is a no-op: at most one outstanding marker exists per key.
	InsertStale(ctx context.Context, key datum.StaleKey) error

	// ClaimStale atomically claims up to limit unclaimed markers of the
	// given scope and level. A claimed marker is invisible to other callers
	// until released, cleared, or lease elapses.
	ClaimStale(ctx context.Context, scope datum.StaleScope, level datum.Level, limit int, lease time.Duration) ([]Claim, error)

	// ReleaseStale returns a claimed marker to the claimable pool, for
	// retry after a transient failure.
	ReleaseStale(ctx context.Context, c Claim) error

	// ClearStale removes a successfully processed marker.
	ClearStale(ctx context.Context, c Claim) error
}

// AuditRepository stores usage counters.
type AuditRepository interface {
	// IncrementAudit atomically adds delta to the audit row at key,
	// inserting the row if absent.
	IncrementAudit(ctx context.Context, key datum.AuditKey, delta datum.AuditDelta) error

	// RangeAudit returns audit rows at the given level with period start in
	// [from, to), in period order.
	RangeAudit(ctx context.Context, streamID string, level datum.Level, from, to time.Time) ([]datum.AuditDatum, error)

	// UpsertAudit fully replaces a rolled-up audit row. Used only for
	// day-and-coarser rollup rows; hour rows are increment-only.
	UpsertAudit(ctx context.Context, a *datum.AuditDatum) error
}

// MetadataRepository stores stream metadata.
type MetadataRepository interface {
	// GetMetadata returns the metadata for streamID, or
	// errors.ErrStreamNotFound.
	GetMetadata(ctx context.Context, streamID string) (*datum.StreamMetadata, error)

	// FindMetadata returns the metadata for an (object, source) pair, or
	// errors.ErrStreamNotFound.
	FindMetadata(ctx context.Context, kind datum.ObjectKind, objectID int64, sourceID string) (*datum.StreamMetadata, error)

	// SaveMetadata persists new stream metadata. Metadata is immutable;
	// saving an existing stream ID is an error.
	SaveMetadata(ctx context.Context, meta *datum.StreamMetadata) error

	// ListStreamIDs returns the IDs of all known streams.
	ListStreamIDs(ctx context.Context) ([]string, error)
}

// Repository combines all storage ports.
type Repository interface {
	DatumRepository
	AggregateRepository
	StaleRepository
	AuditRepository
	MetadataRepository
}
