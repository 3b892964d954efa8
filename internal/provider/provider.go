// Package provider is the facade the DAAP layer talks to. It resolves item
// and artwork requests through the file caches, falling back to the item's
// Subsonic origin, and tracks the catalog revision DAAP clients poll for.
package provider

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/basilfx/subdaap/internal/cache"
	"github.com/basilfx/subdaap/internal/catalog"
	"github.com/basilfx/subdaap/internal/subsonic"
	"github.com/basilfx/subdaap/internal/synchronizer"
)

// Origin is the slice of the Subsonic client the provider needs to fetch
// item and artwork bytes.
type Origin interface {
	ItemReader(ctx context.Context, remoteID int64, suffix, origMIME string, origSize int64) (io.ReadCloser, string, int64, error)
	CoverArt(ctx context.Context, remoteID int64) (io.ReadCloser, error)
	NeedsTranscoding(suffix string) bool
}

// Provider serves item data to DAAP clients. It implements
// synchronizer.Notifier: every applied delta bumps the revision, which is
// what makes clients refetch the catalog.
type Provider struct {
	Name string

	store   *catalog.Store
	items   *cache.FileCache
	artwork *cache.FileCache
	origins map[int64]Origin

	mu       sync.Mutex
	revision int64
}

func New(name string, store *catalog.Store, items, artwork *cache.FileCache, origins map[int64]Origin) *Provider {
	return &Provider{
		Name:    name,
		store:   store,
		items:   items,
		artwork: artwork,
		origins: origins,
	}
}

// Revision returns the current catalog revision. It starts at zero and only
// moves forward.
func (p *Provider) Revision() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.revision
}

// Apply implements synchronizer.Notifier for a pass that changed rows.
func (p *Provider) Apply(d synchronizer.Delta) {
	if d.Empty() {
		return
	}

	p.mu.Lock()
	p.revision++
	revision := p.revision
	p.mu.Unlock()

	log.Printf("provider: catalog changed origin=%d revision=%d items=%d containers=%d",
		d.OriginIndex, revision,
		len(d.Items.Updated)+len(d.Items.Removed),
		len(d.Containers.Updated)+len(d.Containers.Removed))
}

// Commit implements synchronizer.Notifier for a pass that found the remote
// unchanged. The snapshot still has to be published once at startup.
func (p *Provider) Commit() {
	p.mu.Lock()
	if p.revision == 0 {
		p.revision = 1
	}
	p.mu.Unlock()
}

// Item fetches an item's catalog row.
func (p *Provider) Item(ctx context.Context, id int64) (*catalog.Item, error) {
	return p.store.ItemByID(ctx, id)
}

// ItemData streams the item's file, optionally narrowed to a byte range.
// It returns the reader with the effective MIME type and size. Size is -1
// when the origin transcodes, since the final length is unknown until the
// stream ends.
func (p *Provider) ItemData(ctx context.Context, item *catalog.Item, br *cache.ByteRange) (io.ReadCloser, string, int64, error) {
	entry, download, err := p.items.Get(item.ID)
	if err != nil {
		return nil, "", 0, err
	}

	if download {
		origin, ok := p.origins[item.OriginIndex]
		if !ok {
			err := fmt.Errorf("provider: no origin %d for item %d", item.OriginIndex, item.ID)
			p.items.Fail(entry, err)
			return nil, "", 0, err
		}

		body, mime, size, err := origin.ItemReader(
			ctx, item.RemoteID, item.FileSuffix.String, item.FileType.String, item.FileSize.Int64)
		if err != nil {
			p.items.Fail(entry, err)
			return nil, "", 0, err
		}
		if err := p.items.Download(entry, body); err != nil {
			return nil, "", 0, err
		}

		r, err := p.items.Stream(entry, br)
		if err != nil {
			return nil, "", 0, err
		}
		return r, mime, size, nil
	}

	r, err := p.items.Stream(entry, br)
	if err != nil {
		return nil, "", 0, err
	}

	mime := item.FileType.String
	size := entry.Size()
	if origin, ok := p.origins[item.OriginIndex]; ok && origin.NeedsTranscoding(item.FileSuffix.String) {
		// The cached file is the transcoded stream, not the original.
		mime = subsonic.TranscodeMIME
	}
	return r, mime, size, nil
}

// ArtworkData streams the item's cover art. The MIME type is left empty;
// origins serve whatever format they store and the DAAP layer sniffs it.
func (p *Provider) ArtworkData(ctx context.Context, item *catalog.Item) (io.ReadCloser, string, int64, error) {
	entry, download, err := p.artwork.Get(item.ID)
	if err != nil {
		return nil, "", 0, err
	}

	if download {
		origin, ok := p.origins[item.OriginIndex]
		if !ok {
			err := fmt.Errorf("provider: no origin %d for item %d", item.OriginIndex, item.ID)
			p.artwork.Fail(entry, err)
			return nil, "", 0, err
		}

		body, err := origin.CoverArt(ctx, item.RemoteID)
		if err != nil {
			p.artwork.Fail(entry, err)
			return nil, "", 0, err
		}
		if err := p.artwork.Download(entry, body); err != nil {
			return nil, "", 0, err
		}

		r, err := p.artwork.Stream(entry, nil)
		if err != nil {
			return nil, "", 0, err
		}
		return r, "", -1, nil
	}

	r, err := p.artwork.Stream(entry, nil)
	if err != nil {
		return nil, "", 0, err
	}
	return r, "", entry.Size(), nil
}
