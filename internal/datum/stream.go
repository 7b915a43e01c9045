package datum

import "time"

// ObjectKind distinguishes the kind of object a stream belongs to.
type ObjectKind int

const (
	// ObjectDevice is a physical device stream.
	ObjectDevice ObjectKind = iota
	// ObjectLocation is a location-level stream.
	ObjectLocation
)

// String returns a human-readable representation of the object kind.
func (k ObjectKind) String() string {
	switch k {
	case ObjectDevice:
		return "device"
	case ObjectLocation:
		return "location"
	default:
		return "unknown"
	}
}

// StreamMetadata describes one stream: its identity, time zone, and the
// ordered property name lists that give positional meaning to the value
// arrays of every datum on the stream. Metadata is immutable once created;
// it is created on the first write for a new (object, source) pair.
type StreamMetadata struct {
	StreamID   string
	ObjectKind ObjectKind
	ObjectID   int64
	SourceID   string

	// TimeZoneID is the IANA zone identifier governing calendar bucket
	// alignment for this stream.
	TimeZoneID string

	Instantaneous []string
	Accumulating  []string
	Status        []string
}

// Location resolves the stream's IANA time zone. Streams without a zone
// default to UTC.
func (m *StreamMetadata) Location() (*time.Location, error) {
	if m.TimeZoneID == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(m.TimeZoneID)
}

// InstantaneousIndex returns the position of the named instantaneous
// property, or -1.
func (m *StreamMetadata) InstantaneousIndex(name string) int {
	return indexOf(m.Instantaneous, name)
}

// AccumulatingIndex returns the position of the named accumulating
// property, or -1.
func (m *StreamMetadata) AccumulatingIndex(name string) int {
	return indexOf(m.Accumulating, name)
}

// StatusIndex returns the position of the named status property, or -1.
func (m *StreamMetadata) StatusIndex(name string) int {
	return indexOf(m.Status, name)
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
