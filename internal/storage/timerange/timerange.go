// Package timerange converts zone-naive local time bounds into absolute
// instant ranges, grouped by the effective timezone of the streams involved.
package timerange

import (
	"context"
	"sort"
	"time"

	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/meta"
)

// Group is the resolved range for every input stream sharing one zone.
type Group struct {
	TimeZoneID string
	Start      time.Time
	End        time.Time
	StreamIDs  []string
}

// Resolver groups streams by metadata timezone.
type Resolver struct {
	metas *meta.Provider
}

func New(metas *meta.Provider) *Resolver {
	return &Resolver{metas: metas}
}

// ResolveRanges reinterprets the wall-clock fields of localStart/localEnd in
// each distinct zone among the given streams. Zones apply their own offset
// rules, so the same local bounds yield different instants per group.
// Unknown stream IDs are skipped. Groups are ordered by zone ID; stream IDs
// within a group keep their input order.
func (r *Resolver) ResolveRanges(ctx context.Context, streamIDs []string, localStart, localEnd time.Time) ([]Group, error) {
	if localEnd.Before(localStart) {
		return nil, errors.NewValidation("localEnd", "before localStart")
	}

	byZone := make(map[string][]string)
	for _, id := range streamIDs {
		m, err := r.metas.Get(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		byZone[m.TimeZoneID] = append(byZone[m.TimeZoneID], id)
	}

	zones := make([]string, 0, len(byZone))
	for zone := range byZone {
		zones = append(zones, zone)
	}
	sort.Strings(zones)

	groups := make([]Group, 0, len(zones))
	for _, zone := range zones {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidTimeZone, "%s", zone)
		}
		groups = append(groups, Group{
			TimeZoneID: zone,
			Start:      rezone(localStart, loc),
			End:        rezone(localEnd, loc),
			StreamIDs:  byZone[zone],
		})
	}
	return groups, nil
}

// rezone keeps t's wall-clock fields and replaces its zone. Wall clocks
// skipped by a DST spring-forward are resolved by time.Date against the
// offset in effect before the transition.
func rezone(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
