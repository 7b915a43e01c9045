package datum

import "time"

// StaleScope distinguishes what kind of row a stale marker refers to.
type StaleScope int

const (
	// ScopeAggregate marks a pending aggregate recomputation.
	ScopeAggregate StaleScope = iota
	// ScopeAudit marks a pending audit rollup.
	ScopeAudit
)

// String returns a human-readable representation of the scope.
func (s StaleScope) String() string {
	switch s {
	case ScopeAggregate:
		return "aggregate"
	case ScopeAudit:
		return "audit"
	default:
		return "unknown"
	}
}

// StaleKey identifies one pending-recomputation marker. At most one marker
// exists per key; inserts are idempotent.
type StaleKey struct {
	StreamID string
	Start    time.Time
	Level    Level
	Scope    StaleScope
}

// AuditDatum holds usage counters for one stream and period. Hour rows are
// accumulated by atomic increments on the write path; day and month rows are
// rollups of their child rows. Audit data is never derived from raw datum
// after the fact.
type AuditDatum struct {
	StreamID string
	Start    time.Time
	Level    Level

	DatumCount    int64
	PropertyCount int64

	// ByteCounts tracks externally published bytes by channel name.
	ByteCounts map[string]int64
}

// ChannelFlux is the channel name for message-bus publication byte counts.
const ChannelFlux = "flux"

// Key returns the identifying key of this audit row.
func (a *AuditDatum) Key() AuditKey {
	return AuditKey{StreamID: a.StreamID, Start: a.Start, Level: a.Level}
}

// AuditKey identifies one audit row.
type AuditKey struct {
	StreamID string
	Start    time.Time
	Level    Level
}

// AuditDelta is one increment applied to an audit row.
type AuditDelta struct {
	DatumCount    int64
	PropertyCount int64
	ByteCounts    map[string]int64
}

// Merge adds the counters of other into a.
func (a *AuditDatum) Merge(other *AuditDatum) {
	a.DatumCount += other.DatumCount
	a.PropertyCount += other.PropertyCount
	for ch, n := range other.ByteCounts {
		if a.ByteCounts == nil {
			a.ByteCounts = make(map[string]int64)
		}
		a.ByteCounts[ch] += n
	}
}
