// Package synchronizer makes the local catalog converge on the state of one
// Subsonic origin. A pass compares remote version markers against the ones
// persisted in the state store, walks the remote library when they differ
// and upserts rows by checksum, so unchanged rows are never rewritten.
package synchronizer

import (
	"context"
	"log"
	"sync"

	"github.com/basilfx/subdaap/internal/catalog"
	"github.com/basilfx/subdaap/internal/metrics"
	"github.com/basilfx/subdaap/internal/state"
	"github.com/basilfx/subdaap/internal/subsonic"
)

// Origin is the slice of the Subsonic client a synchronizer needs.
type Origin interface {
	Name() string
	BaseURL() string
	Port() int
	Username() string
	Password() string

	GetIndexes(ctx context.Context, ifModifiedSince int64) (*int64, []subsonic.Index, []subsonic.Song, error)
	WalkIndex(ctx context.Context, fn func(subsonic.Song) error) error
	WalkArtist(ctx context.Context, artistID int64) ([]subsonic.Album, error)
	WalkPlaylists(ctx context.Context) ([]subsonic.Playlist, error)
	WalkPlaylist(ctx context.Context, playlistID int64) ([]subsonic.PlaylistEntry, error)
}

// ChangeSet lists catalog row ids touched by a pass, per level.
type ChangeSet struct {
	Updated []int64
	Removed []int64
}

func (c *ChangeSet) empty() bool {
	return len(c.Updated) == 0 && len(c.Removed) == 0
}

func (c *ChangeSet) size() int {
	return len(c.Updated) + len(c.Removed)
}

// Delta carries one pass's intents to the provider: which rows were
// inserted or updated and which were removed, for each level of the
// catalog the DAAP view materializes.
type Delta struct {
	OriginIndex int64
	DatabaseID  int64

	Items              ChangeSet
	BaseContainerItems ChangeSet
	Containers         ChangeSet
	ContainerItems     ChangeSet
}

// Empty reports whether the pass changed nothing.
func (d *Delta) Empty() bool {
	return d.Items.empty() && d.BaseContainerItems.empty() &&
		d.Containers.empty() && d.ContainerItems.empty()
}

func (d *Delta) size() int {
	return d.Items.size() + d.BaseContainerItems.size() +
		d.Containers.size() + d.ContainerItems.size()
}

// Notifier receives the outcome of a pass. Apply hands over a non-empty
// delta; Commit publishes the current catalog snapshot unchanged.
type Notifier interface {
	Apply(Delta)
	Commit()
}

// Synchronizer runs incremental catalog syncs for a single origin. Passes
// for the same origin are serialized; passes for different origins contend
// only on the catalog writer lock.
type Synchronizer struct {
	origin   Origin
	index    int64
	store    *catalog.Store
	state    *state.Store
	notifier Notifier

	mu sync.Mutex
}

func New(origin Origin, index int64, store *catalog.Store, st *state.Store, notifier Notifier) *Synchronizer {
	return &Synchronizer{
		origin:   origin,
		index:    index,
		store:    store,
		state:    st,
		notifier: notifier,
	}
}

// OriginIndex returns the index identifying this origin in configuration,
// state and the catalog's database rows.
func (s *Synchronizer) OriginIndex() int64 { return s.index }

// Name returns the origin's configured name.
func (s *Synchronizer) Name() string { return s.origin.Name() }

// Synchronize runs one pass. With initial set, a pass whose connection
// parameters match the persisted ones is skipped entirely; the provider is
// told to publish the catalog as it stands.
func (s *Synchronizer) Synchronize(ctx context.Context, initial bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.state.Versions(s.index)
	connVersion := connectionChecksum(s.origin)

	if initial && connVersion == stored.ConnectionVersion && stored.ConnectionVersion != 0 {
		log.Printf("synchronizer: connection unchanged, reusing catalog origin=%s", s.origin.Name())
		s.notifier.Commit()
		return nil
	}

	// A changed connection invalidates both version markers.
	forceAll := connVersion != stored.ConnectionVersion

	lastModified, _, _, err := s.origin.GetIndexes(ctx, stored.ItemsVersion)
	if err != nil {
		metrics.RemoteErrors.WithLabelValues(s.origin.Name()).Inc()
		return err
	}
	itemsVersion := stored.ItemsVersion
	if lastModified != nil {
		itemsVersion = *lastModified
	}

	playlists, err := s.origin.WalkPlaylists(ctx)
	if err != nil {
		metrics.RemoteErrors.WithLabelValues(s.origin.Name()).Inc()
		return err
	}
	var containersVersion uint32
	for _, pl := range playlists {
		containersVersion += playlistChecksum(pl)
	}

	syncItems := forceAll || stored.ItemsVersion == 0 || itemsVersion != stored.ItemsVersion
	syncContainers := forceAll || stored.ContainersVersion == 0 || containersVersion != stored.ContainersVersion

	var delta Delta
	err = s.store.Writer(ctx, func(tx *catalog.Tx) error {
		p := &pass{
			s:         s,
			ctx:       ctx,
			tx:        tx,
			playlists: playlists,
		}
		p.delta.OriginIndex = s.index

		if err := p.syncDatabase(); err != nil {
			return err
		}
		if err := p.syncBaseContainer(); err != nil {
			return err
		}
		if syncItems {
			if err := p.syncItems(); err != nil {
				return err
			}
		}
		if syncContainers {
			if err := p.syncContainers(); err != nil {
				return err
			}
		}

		delta = p.delta
		return nil
	})
	if err != nil {
		metrics.RemoteErrors.WithLabelValues(s.origin.Name()).Inc()
		return err
	}

	next := state.Versions{
		ConnectionVersion: connVersion,
		ItemsVersion:      itemsVersion,
		ContainersVersion: containersVersion,
	}
	if next != stored {
		if err := s.state.SetVersions(s.index, next); err != nil {
			return err
		}
	}

	metrics.SyncPasses.WithLabelValues(s.origin.Name()).Inc()
	metrics.SyncRowsChanged.WithLabelValues(s.origin.Name()).Add(float64(delta.size()))

	if delta.Empty() {
		s.notifier.Commit()
	} else {
		s.notifier.Apply(delta)
	}

	log.Printf("synchronizer: pass complete origin=%s items=%t containers=%t changed=%d",
		s.origin.Name(), syncItems, syncContainers, delta.size())
	return nil
}
