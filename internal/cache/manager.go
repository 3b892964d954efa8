package cache

import (
	"context"
	"io"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/basilfx/subdaap/internal/catalog"
)

// prefetchWorkers bounds how many permanent items are fetched at once.
const prefetchWorkers = 3

// An Origin can produce the bytes backing a cached item.
type Origin interface {
	ItemReader(ctx context.Context, remoteID int64, suffix, origMIME string, origSize int64) (io.ReadCloser, string, int64, error)
	CoverArt(ctx context.Context, remoteID int64) (io.ReadCloser, error)
}

// Manager ties the item and artwork caches to the catalog. It re-indexes
// both caches against the set of pinned items, prefetches pinned files that
// are missing from disk and runs the periodic maintenance passes.
type Manager struct {
	store   *catalog.Store
	items   *FileCache
	artwork *FileCache
	origins map[int64]Origin
}

func NewManager(store *catalog.Store, items, artwork *FileCache, origins map[int64]Origin) *Manager {
	return &Manager{
		store:   store,
		items:   items,
		artwork: artwork,
		origins: origins,
	}
}

// Cache indexes both caches with the current set of pinned items and
// downloads every pinned file that is not on disk yet. Downloads run a few
// at a time; artwork is fetched before the item itself so a browse of the
// library does not stall behind large audio files.
func (m *Manager) Cache(ctx context.Context) error {
	cached, err := m.store.CachedItems(ctx)
	if err != nil {
		return err
	}

	permanent := make(map[int64]bool, len(cached))
	for _, ci := range cached {
		permanent[ci.ID] = true
	}

	if err := m.artwork.Index(permanent); err != nil {
		return err
	}
	if err := m.items.Index(permanent); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchWorkers)

	for _, ci := range cached {
		ci := ci

		origin, ok := m.origins[ci.OriginIndex]
		if !ok {
			log.Printf("manager: no origin for pinned item item=%d origin=%d", ci.ID, ci.OriginIndex)
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if ci.HasArt && !m.artwork.Contains(ci.ID) {
				m.prefetch(ctx, m.artwork, ci.ID, func() (io.ReadCloser, error) {
					return origin.CoverArt(ctx, ci.RemoteID)
				})
			}
			if !m.items.Contains(ci.ID) {
				m.prefetch(ctx, m.items, ci.ID, func() (io.ReadCloser, error) {
					rc, _, _, err := origin.ItemReader(ctx, ci.RemoteID, ci.FileSuffix, "", 0)
					return rc, err
				})
			}
			return nil
		})
	}

	return g.Wait()
}

// prefetch downloads one file into fc and drains it so it is fully on disk
// before the entry is unloaded again. Failures are logged, not returned; a
// missing pinned file is retried on the next sync.
func (m *Manager) prefetch(ctx context.Context, fc *FileCache, key int64, fetch func() (io.ReadCloser, error)) {
	e, download, err := fc.Get(key)
	if err != nil {
		log.Printf("manager: prefetch failed key=%d error=%v", key, err)
		return
	}
	if !download {
		// Already on disk, someone loaded it first.
		fc.Unload(e)
		return
	}

	body, err := fetch()
	if err != nil {
		fc.Fail(e, err)
		log.Printf("manager: prefetch fetch failed key=%d error=%v", key, err)
		return
	}
	if err := fc.Download(e, body); err != nil {
		log.Printf("manager: prefetch download failed key=%d error=%v", key, err)
		return
	}

	r, err := fc.Stream(e, nil)
	if err != nil {
		log.Printf("manager: prefetch stream failed key=%d error=%v", key, err)
		return
	}
	defer r.Close()

	if _, err := io.Copy(io.Discard, r); err != nil {
		log.Printf("manager: prefetch read failed key=%d error=%v", key, err)
		return
	}

	fc.Unload(e)
}

// Expire unloads idle entries in both caches.
func (m *Manager) Expire() {
	m.items.Clean(false)
	m.artwork.Clean(false)
}

// Clean evicts from both caches down to their prune watermarks. With force
// set, eviction runs even when the caches are under their limits.
func (m *Manager) Clean(force bool) {
	m.items.Clean(force)
	m.artwork.Clean(force)
}
