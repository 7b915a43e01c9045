// Package memrepo provides an in-memory Repository implementation.
//
// It backs tests and single-process development deployments. All operations
// are guarded by one mutex; the stale-marker claim primitive is atomic under
// that mutex and honors claim leases, giving the same visibility semantics
// as the DuckDB-backed repository within one process.
package memrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/storage/repo"
)

// Repo is an in-memory repository.
type Repo struct {
	mu sync.Mutex

	raw  map[string][]datum.Datum     // streamID -> sorted by timestamp
	aux  map[string][]datum.Auxiliary // streamID -> sorted by timestamp
	aggs map[datum.AggregateKey]datum.Aggregate

	stale     map[datum.StaleKey]*staleEntry
	nextToken int64

	audit map[datum.AuditKey]datum.AuditDatum
	meta  map[string]datum.StreamMetadata

	now func() time.Time
}

var _ repo.Repository = (*Repo)(nil)

type staleEntry struct {
	claimedUntil time.Time
	token        int64
}

// New creates an empty in-memory repository.
func New() *Repo {
	return &Repo{
		raw:   make(map[string][]datum.Datum),
		aux:   make(map[string][]datum.Auxiliary),
		aggs:  make(map[datum.AggregateKey]datum.Aggregate),
		stale: make(map[datum.StaleKey]*staleEntry),
		audit: make(map[datum.AuditKey]datum.AuditDatum),
		meta:  make(map[string]datum.StreamMetadata),
		now:   time.Now,
	}
}

// SetNow overrides the clock, for lease-expiry tests.
func (r *Repo) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// =============================================================================
// DatumRepository
// =============================================================================

// GetRaw returns the raw datum at exactly (streamID, ts).
func (r *Repo) GetRaw(_ context.Context, streamID string, ts time.Time) (*datum.Datum, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.raw[streamID]
	i := sort.Search(len(rows), func(i int) bool { return !rows[i].Timestamp.Before(ts) })
	if i < len(rows) && rows[i].Timestamp.Equal(ts) {
		d := rows[i]
		return &d, nil
	}
	return nil, errors.ErrDatumNotFound
}

// RangeRaw returns raw datum with timestamp in [from, to).
func (r *Repo) RangeRaw(_ context.Context, streamID string, from, to time.Time) ([]datum.Datum, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.raw[streamID]
	var out []datum.Datum
	for _, d := range rows {
		if d.Timestamp.Before(from) {
			continue
		}
		if !d.Timestamp.Before(to) {
			break
		}
		out = append(out, d)
	}
	return out, nil
}

// NearestRaw returns the raw datum nearest to ts in the given direction,
// no further than tolerance away. Zero tolerance means unbounded search.
func (r *Repo) NearestRaw(_ context.Context, streamID string, ts time.Time, tolerance time.Duration, dir repo.Direction) (*datum.Datum, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.raw[streamID]
	i := sort.Search(len(rows), func(i int) bool { return !rows[i].Timestamp.Before(ts) })

	if dir == repo.Forward {
		if i < len(rows) {
			d := rows[i]
			if tolerance == 0 || !d.Timestamp.After(ts.Add(tolerance)) {
				return &d, nil
			}
		}
		return nil, errors.ErrDatumNotFound
	}

	// Backward: rows[i] is the first at-or-after ts; an exact match counts.
	if i < len(rows) && rows[i].Timestamp.Equal(ts) {
		d := rows[i]
		return &d, nil
	}
	if i > 0 {
		d := rows[i-1]
		if tolerance == 0 || !d.Timestamp.Before(ts.Add(-tolerance)) {
			return &d, nil
		}
	}
	return nil, errors.ErrDatumNotFound
}

// UpsertRaw inserts or replaces the raw datum at its key.
func (r *Repo) UpsertRaw(_ context.Context, d *datum.Datum) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.raw[d.StreamID]
	i := sort.Search(len(rows), func(i int) bool { return !rows[i].Timestamp.Before(d.Timestamp) })
	if i < len(rows) && rows[i].Timestamp.Equal(d.Timestamp) {
		rows[i] = *d
	} else {
		rows = append(rows, datum.Datum{})
		copy(rows[i+1:], rows[i:])
		rows[i] = *d
	}
	r.raw[d.StreamID] = rows
	return nil
}

// DeleteRaw deletes raw datum with timestamp in [from, to).
func (r *Repo) DeleteRaw(_ context.Context, streamID string, from, to time.Time) ([]datum.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.raw[streamID]
	var kept []datum.Datum
	var deleted []datum.Key
	for _, d := range rows {
		if !d.Timestamp.Before(from) && d.Timestamp.Before(to) {
			deleted = append(deleted, d.Key())
			continue
		}
		kept = append(kept, d)
	}
	r.raw[streamID] = kept
	return deleted, nil
}

// RangeAux returns auxiliary records of the given kind in [from, to).
func (r *Repo) RangeAux(_ context.Context, streamID string, kind datum.AuxiliaryKind, from, to time.Time) ([]datum.Auxiliary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []datum.Auxiliary
	for _, a := range r.aux[streamID] {
		if a.Kind != kind || a.Timestamp.Before(from) || !a.Timestamp.Before(to) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// UpsertAux inserts or replaces an auxiliary record.
func (r *Repo) UpsertAux(_ context.Context, aux *datum.Auxiliary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.aux[aux.StreamID]
	for i, a := range rows {
		if a.Timestamp.Equal(aux.Timestamp) && a.Kind == aux.Kind {
			rows[i] = *aux
			return nil
		}
	}
	rows = append(rows, *aux)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
	r.aux[aux.StreamID] = rows
	return nil
}

// DeleteAux removes an auxiliary record.
func (r *Repo) DeleteAux(_ context.Context, streamID string, ts time.Time, kind datum.AuxiliaryKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.aux[streamID]
	for i, a := range rows {
		if a.Timestamp.Equal(ts) && a.Kind == kind {
			r.aux[streamID] = append(rows[:i], rows[i+1:]...)
			return nil
		}
	}
	return nil
}

// =============================================================================
// AggregateRepository
// =============================================================================

// GetAggregate returns the aggregate at key.
func (r *Repo) GetAggregate(_ context.Context, key datum.AggregateKey) (*datum.Aggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.aggs[normalizeAggKey(key)]; ok {
		return &a, nil
	}
	return nil, errors.ErrNotFound
}

// RangeAggregates returns aggregates at the given level in [from, to).
func (r *Repo) RangeAggregates(_ context.Context, streamID string, level datum.Level, from, to time.Time) ([]datum.Aggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []datum.Aggregate
	for key, a := range r.aggs {
		if key.StreamID != streamID || key.Level != level {
			continue
		}
		if key.Start.Before(from) || !key.Start.Before(to) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// UpsertAggregate fully replaces the aggregate row at its key.
func (r *Repo) UpsertAggregate(_ context.Context, agg *datum.Aggregate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.aggs[normalizeAggKey(agg.Key())] = *agg
	return nil
}

// DeleteAggregate removes the aggregate row at key.
func (r *Repo) DeleteAggregate(_ context.Context, key datum.AggregateKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.aggs, normalizeAggKey(key))
	return nil
}

// =============================================================================
// StaleRepository
// =============================================================================

// InsertStale records a pending marker for key. Idempotent.
func (r *Repo) InsertStale(_ context.Context, key datum.StaleKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key = normalizeStaleKey(key)
	if _, ok := r.stale[key]; !ok {
		r.stale[key] = &staleEntry{}
	}
	return nil
}

// ClaimStale atomically claims up to limit unclaimed markers.
func (r *Repo) ClaimStale(_ context.Context, scope datum.StaleScope, level datum.Level, limit int, lease time.Duration) ([]repo.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var keys []datum.StaleKey
	for key, e := range r.stale {
		if key.Scope != scope || key.Level != level {
			continue
		}
		if e.claimedUntil.After(now) {
			continue
		}
		keys = append(keys, key)
	}

	// Deterministic claim order for tests.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StreamID != keys[j].StreamID {
			return keys[i].StreamID < keys[j].StreamID
		}
		return keys[i].Start.Before(keys[j].Start)
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	claims := make([]repo.Claim, 0, len(keys))
	for _, key := range keys {
		e := r.stale[key]
		r.nextToken++
		e.token = r.nextToken
		e.claimedUntil = now.Add(lease)
		claims = append(claims, repo.Claim{Key: key, Token: e.token})
	}
	return claims, nil
}

// ReleaseStale returns a claimed marker to the claimable pool.
func (r *Repo) ReleaseStale(_ context.Context, c repo.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.stale[normalizeStaleKey(c.Key)]
	if !ok || e.token != c.Token {
		return errors.ErrClaimExpired
	}
	e.claimedUntil = time.Time{}
	e.token = 0
	return nil
}

// ClearStale removes a successfully processed marker. Clearing with a stale
// token fails so a timed-out worker cannot delete a marker someone else has
// reclaimed.
func (r *Repo) ClearStale(_ context.Context, c repo.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalizeStaleKey(c.Key)
	e, ok := r.stale[key]
	if !ok || e.token != c.Token {
		return errors.ErrClaimExpired
	}
	delete(r.stale, key)
	return nil
}

// StaleCount returns the number of outstanding markers, for tests and stats.
func (r *Repo) StaleCount(scope datum.StaleScope, level datum.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key := range r.stale {
		if key.Scope == scope && key.Level == level {
			n++
		}
	}
	return n
}

// HasStale reports whether a marker exists for key.
func (r *Repo) HasStale(key datum.StaleKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.stale[normalizeStaleKey(key)]
	return ok
}

// =============================================================================
// AuditRepository
// =============================================================================

// IncrementAudit atomically adds delta to the audit row at key.
func (r *Repo) IncrementAudit(_ context.Context, key datum.AuditKey, delta datum.AuditDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key = normalizeAuditKey(key)
	a, ok := r.audit[key]
	if !ok {
		a = datum.AuditDatum{StreamID: key.StreamID, Start: key.Start, Level: key.Level}
	}
	a.DatumCount += delta.DatumCount
	a.PropertyCount += delta.PropertyCount
	for ch, n := range delta.ByteCounts {
		if a.ByteCounts == nil {
			a.ByteCounts = make(map[string]int64)
		}
		a.ByteCounts[ch] += n
	}
	r.audit[key] = a
	return nil
}

// RangeAudit returns audit rows at the given level in [from, to).
func (r *Repo) RangeAudit(_ context.Context, streamID string, level datum.Level, from, to time.Time) ([]datum.AuditDatum, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []datum.AuditDatum
	for key, a := range r.audit {
		if key.StreamID != streamID || key.Level != level {
			continue
		}
		if key.Start.Before(from) || !key.Start.Before(to) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// UpsertAudit fully replaces a rolled-up audit row.
func (r *Repo) UpsertAudit(_ context.Context, a *datum.AuditDatum) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.audit[normalizeAuditKey(a.Key())] = *a
	return nil
}

// =============================================================================
// MetadataRepository
// =============================================================================

// GetMetadata returns the metadata for streamID.
func (r *Repo) GetMetadata(_ context.Context, streamID string) (*datum.StreamMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.meta[streamID]; ok {
		return &m, nil
	}
	return nil, errors.ErrStreamNotFound
}

// FindMetadata returns the metadata for an (object, source) pair.
func (r *Repo) FindMetadata(_ context.Context, kind datum.ObjectKind, objectID int64, sourceID string) (*datum.StreamMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.meta {
		if m.ObjectKind == kind && m.ObjectID == objectID && m.SourceID == sourceID {
			return &m, nil
		}
	}
	return nil, errors.ErrStreamNotFound
}

// SaveMetadata persists new stream metadata.
func (r *Repo) SaveMetadata(_ context.Context, meta *datum.StreamMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.meta[meta.StreamID]; ok {
		return errors.Wrapf(errors.ErrInvalidInput, "stream %s already exists", meta.StreamID)
	}
	r.meta[meta.StreamID] = *meta
	return nil
}

// ListStreamIDs returns the IDs of all known streams.
func (r *Repo) ListStreamIDs(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.meta))
	for id := range r.meta {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Map keys must compare by instant, not by time.Time representation.

func normalizeAggKey(k datum.AggregateKey) datum.AggregateKey {
	k.Start = k.Start.UTC()
	return k
}

func normalizeStaleKey(k datum.StaleKey) datum.StaleKey {
	k.Start = k.Start.UTC()
	return k
}

func normalizeAuditKey(k datum.AuditKey) datum.AuditKey {
	k.Start = k.Start.UTC()
	return k
}
