// Package meta resolves stream identifiers to their metadata.
//
// Metadata is immutable once created, so resolved entries are cached for
// the life of the process. Concurrent lookups for the same stream collapse
// into one repository query via singleflight.
package meta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/storage/repo"
)

// Provider resolves and caches stream metadata.
type Provider struct {
	metas repo.MetadataRepository

	mu    sync.RWMutex
	cache map[string]*datum.StreamMetadata

	group singleflight.Group
}

// NewProvider creates a metadata provider over the given repository.
func NewProvider(metas repo.MetadataRepository) *Provider {
	return &Provider{
		metas: metas,
		cache: make(map[string]*datum.StreamMetadata),
	}
}

// Get resolves the metadata for streamID. Returns errors.ErrStreamNotFound
// for unknown streams; callers treat that as skip for ingestion and empty
// result for queries.
func (p *Provider) Get(ctx context.Context, streamID string) (*datum.StreamMetadata, error) {
	p.mu.RLock()
	m, ok := p.cache[streamID]
	p.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := p.group.Do(streamID, func() (interface{}, error) {
		m, err := p.metas.GetMetadata(ctx, streamID)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[streamID] = m
		p.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*datum.StreamMetadata), nil
}

// Ensure resolves the stream for an (object, source) pair, creating
// metadata on the first write for a new pair. The property name lists of
// the template seed the new stream's positional arrays.
func (p *Provider) Ensure(ctx context.Context, template *datum.StreamMetadata) (*datum.StreamMetadata, error) {
	key := fmt.Sprintf("%s/%d/%s", template.ObjectKind, template.ObjectID, template.SourceID)

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		m, err := p.metas.FindMetadata(ctx, template.ObjectKind, template.ObjectID, template.SourceID)
		if err == nil {
			p.mu.Lock()
			p.cache[m.StreamID] = m
			p.mu.Unlock()
			return m, nil
		}
		if !errors.Is(err, errors.ErrStreamNotFound) {
			return nil, err
		}

		created := *template
		if created.StreamID == "" {
			created.StreamID = streamIDFor(template)
		}
		if err := p.metas.SaveMetadata(ctx, &created); err != nil {
			// Another process may have created the pair between the find
			// and the save; re-read before giving up.
			if m, ferr := p.metas.FindMetadata(ctx, template.ObjectKind, template.ObjectID, template.SourceID); ferr == nil {
				p.mu.Lock()
				p.cache[m.StreamID] = m
				p.mu.Unlock()
				return m, nil
			}
			return nil, err
		}
		p.mu.Lock()
		p.cache[created.StreamID] = &created
		p.mu.Unlock()
		return &created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*datum.StreamMetadata), nil
}

// streamIDFor derives a stable opaque identifier for an (object, source)
// pair, so racing creators on a shared repository converge on one key.
func streamIDFor(m *datum.StreamMetadata) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d/%d/%s", m.ObjectKind, m.ObjectID, m.SourceID)))
	return hex.EncodeToString(sum[:16])
}
