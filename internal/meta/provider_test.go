package meta

import (
	"context"
	"testing"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/storage/memrepo"
)

func TestProvider_GetCaches(t *testing.T) {
	mem := memrepo.New()
	ctx := context.Background()

	err := mem.SaveMetadata(ctx, &datum.StreamMetadata{
		StreamID: "s1", ObjectID: 1, SourceID: "meter/1", TimeZoneID: "UTC",
	})
	if err != nil {
		t.Fatal(err)
	}

	p := NewProvider(mem)
	m, err := p.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if m.SourceID != "meter/1" {
		t.Errorf("unexpected metadata: %+v", m)
	}

	// Second lookup comes from cache and returns the same entry.
	m2, err := p.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if m2 != m {
		t.Error("expected cached pointer")
	}

	if _, err := p.Get(ctx, "missing"); !errors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestProvider_EnsureCreatesOnce(t *testing.T) {
	mem := memrepo.New()
	ctx := context.Background()
	p := NewProvider(mem)

	template := &datum.StreamMetadata{
		StreamID:      "s-new",
		ObjectID:      7,
		SourceID:      "inverter/1",
		TimeZoneID:    "Pacific/Auckland",
		Instantaneous: []string{"watts"},
		Accumulating:  []string{"wattHours"},
	}

	m, err := p.Ensure(ctx, template)
	if err != nil {
		t.Fatal(err)
	}
	if m.StreamID != "s-new" {
		t.Errorf("expected created stream, got %+v", m)
	}

	// Ensuring again resolves the existing stream instead of creating.
	m2, err := p.Ensure(ctx, template)
	if err != nil {
		t.Fatal(err)
	}
	if m2.StreamID != "s-new" {
		t.Errorf("expected existing stream, got %+v", m2)
	}

	ids, err := mem.ListStreamIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("expected 1 stream, got %v", ids)
	}
}

func TestProvider_EnsureGeneratesStableID(t *testing.T) {
	mem := memrepo.New()
	ctx := context.Background()
	p := NewProvider(mem)

	template := &datum.StreamMetadata{
		ObjectKind: datum.ObjectDevice,
		ObjectID:   9,
		SourceID:   "meter/9",
		TimeZoneID: "UTC",
	}

	m, err := p.Ensure(ctx, template)
	if err != nil {
		t.Fatal(err)
	}
	if m.StreamID == "" {
		t.Fatal("expected generated stream ID")
	}
	if m.StreamID != streamIDFor(template) {
		t.Error("expected deterministic stream ID")
	}

	m2, err := p.Ensure(ctx, template)
	if err != nil {
		t.Fatal(err)
	}
	if m2.StreamID != m.StreamID {
		t.Errorf("expected stable ID, got %s and %s", m.StreamID, m2.StreamID)
	}
}
