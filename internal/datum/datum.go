package datum

import "time"

// Datum is one raw timestamped reading on a stream. At most one raw fact
// exists per (stream, timestamp); writers upsert on conflict.
type Datum struct {
	StreamID   string
	Timestamp  time.Time
	Received   time.Time
	Properties Properties
}

// Key returns the identifying key of this datum.
func (d *Datum) Key() Key {
	return Key{StreamID: d.StreamID, Timestamp: d.Timestamp}
}

// Key identifies one raw datum.
type Key struct {
	StreamID  string
	Timestamp time.Time
}

// AuxiliaryKind indicates the type of an auxiliary record.
type AuxiliaryKind int

const (
	// KindReset marks a discontinuity in an accumulating counter, such as a
	// meter rollover or replacement. Diff computation splits at its
	// timestamp.
	KindReset AuxiliaryKind = iota
)

// String returns a human-readable representation of the kind.
func (k AuxiliaryKind) String() string {
	switch k {
	case KindReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Auxiliary is a reset marker at (stream, timestamp). Final carries the
// accumulating values just before the reset; Start the values just after.
type Auxiliary struct {
	StreamID  string
	Timestamp time.Time
	Kind      AuxiliaryKind

	Final Properties
	Start Properties

	Note string
	Meta map[string]string
}
