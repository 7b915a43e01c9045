package datum

import "math"

// Properties holds the measurement values of one datum or aggregate.
// The three arrays are positional: index i in each array corresponds to
// name i of the matching list in the stream's metadata. A nil entry means
// the property was absent for this reading; absent is not zero.
type Properties struct {
	Instantaneous []*float64 `json:"i,omitempty"`
	Accumulating  []*float64 `json:"a,omitempty"`
	Status        []*string  `json:"s,omitempty"`
	Tags          []string   `json:"t,omitempty"`
}

// Float returns a pointer to v, for building property arrays.
func Float(v float64) *float64 {
	return &v
}

// Str returns a pointer to s, for building status arrays.
func Str(s string) *string {
	return &s
}

// Normalize replaces non-finite decimal values (NaN, ±Inf) with nil.
// Non-finite values must never be persisted as numeric values; they are
// treated as absent at the storage boundary.
func (p *Properties) Normalize() {
	for i, v := range p.Instantaneous {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			p.Instantaneous[i] = nil
		}
	}
	for i, v := range p.Accumulating {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			p.Accumulating[i] = nil
		}
	}
}

// IsEmpty returns true if no property value is present.
// Tags alone do not make a property set non-empty for rollup purposes.
func (p *Properties) IsEmpty() bool {
	for _, v := range p.Instantaneous {
		if v != nil {
			return false
		}
	}
	for _, v := range p.Accumulating {
		if v != nil {
			return false
		}
	}
	for _, v := range p.Status {
		if v != nil {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the properties.
func (p *Properties) Clone() Properties {
	out := Properties{}
	if p.Instantaneous != nil {
		out.Instantaneous = make([]*float64, len(p.Instantaneous))
		for i, v := range p.Instantaneous {
			if v != nil {
				out.Instantaneous[i] = Float(*v)
			}
		}
	}
	if p.Accumulating != nil {
		out.Accumulating = make([]*float64, len(p.Accumulating))
		for i, v := range p.Accumulating {
			if v != nil {
				out.Accumulating[i] = Float(*v)
			}
		}
	}
	if p.Status != nil {
		out.Status = make([]*string, len(p.Status))
		for i, v := range p.Status {
			if v != nil {
				out.Status[i] = Str(*v)
			}
		}
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}
	return out
}

// AccumulatingAt returns the accumulating value at index i, or nil if the
// array is shorter than i+1 or the entry is absent.
func (p *Properties) AccumulatingAt(i int) *float64 {
	if i >= len(p.Accumulating) {
		return nil
	}
	return p.Accumulating[i]
}

// InstantaneousAt returns the instantaneous value at index i, or nil.
func (p *Properties) InstantaneousAt(i int) *float64 {
	if i >= len(p.Instantaneous) {
		return nil
	}
	return p.Instantaneous[i]
}

// StatusAt returns the status value at index i, or nil.
func (p *Properties) StatusAt(i int) *string {
	if i >= len(p.Status) {
		return nil
	}
	return p.Status[i]
}

// PropertyCount returns the number of present property values, used for
// audit accounting.
func (p *Properties) PropertyCount() int {
	n := 0
	for _, v := range p.Instantaneous {
		if v != nil {
			n++
		}
	}
	for _, v := range p.Accumulating {
		if v != nil {
			n++
		}
	}
	for _, v := range p.Status {
		if v != nil {
			n++
		}
	}
	return n
}
