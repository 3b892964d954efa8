package synchronizer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basilfx/subdaap/internal/catalog"
	"github.com/basilfx/subdaap/internal/state"
	"github.com/basilfx/subdaap/internal/subsonic"
)

type fakeOrigin struct {
	name     string
	url      string
	username string
	password string

	lastModified    int64
	songs           []subsonic.Song
	albums          map[int64][]subsonic.Album
	playlists       []subsonic.Playlist
	playlistEntries map[int64][]subsonic.PlaylistEntry

	indexWalks int
	err        error
}

func (o *fakeOrigin) Name() string     { return o.name }
func (o *fakeOrigin) BaseURL() string  { return o.url }
func (o *fakeOrigin) Port() int        { return 4040 }
func (o *fakeOrigin) Username() string { return o.username }
func (o *fakeOrigin) Password() string { return o.password }

func (o *fakeOrigin) GetIndexes(ctx context.Context, ifModifiedSince int64) (*int64, []subsonic.Index, []subsonic.Song, error) {
	if o.err != nil {
		return nil, nil, nil, o.err
	}
	lm := o.lastModified
	return &lm, nil, nil, nil
}

func (o *fakeOrigin) WalkIndex(ctx context.Context, fn func(subsonic.Song) error) error {
	if o.err != nil {
		return o.err
	}
	o.indexWalks++
	for _, s := range o.songs {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func (o *fakeOrigin) WalkArtist(ctx context.Context, artistID int64) ([]subsonic.Album, error) {
	return o.albums[artistID], nil
}

func (o *fakeOrigin) WalkPlaylists(ctx context.Context) ([]subsonic.Playlist, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.playlists, nil
}

func (o *fakeOrigin) WalkPlaylist(ctx context.Context, playlistID int64) ([]subsonic.PlaylistEntry, error) {
	entries := o.playlistEntries[playlistID]
	out := make([]subsonic.PlaylistEntry, len(entries))
	for i, e := range entries {
		out[i] = e
		out[i].Order = i + 1
	}
	return out, nil
}

type recordingNotifier struct {
	deltas  []Delta
	commits int
}

func (n *recordingNotifier) Apply(d Delta) { n.deltas = append(n.deltas, d) }
func (n *recordingNotifier) Commit()       { n.commits++ }

func song(id int64, title string, artistID int64, artist string, albumID int64) subsonic.Song {
	s := subsonic.Song{
		ID:          subsonic.ID(id),
		Title:       title,
		Artist:      artist,
		Album:       "Album",
		Suffix:      "mp3",
		ContentType: "audio/mpeg",
		Duration:    intp(100),
		Size:        intp(1000),
	}
	if artistID != 0 {
		s.ArtistID = idp(artistID)
	}
	if albumID != 0 {
		s.AlbumID = idp(albumID)
	}
	return s
}

type harness struct {
	store    *catalog.Store
	state    *state.Store
	origin   *fakeOrigin
	notifier *recordingNotifier
	sync     *Synchronizer
}

func newHarness(t *testing.T, origin *fakeOrigin) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.CreateSchema(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	st, err := state.Open(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	notifier := &recordingNotifier{}
	return &harness{
		store:    store,
		state:    st,
		origin:   origin,
		notifier: notifier,
		sync:     New(origin, 0, store, st, notifier),
	}
}

func (h *harness) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()

	var n int64
	if err := h.store.QueryValue(context.Background(), &n, query, args...); err != nil {
		t.Fatal(err)
	}
	return n
}

func (h *harness) remoteIDs(t *testing.T, table string) map[int64]bool {
	t.Helper()

	rows, err := h.store.Query(context.Background(),
		"SELECT remote_id FROM "+table+" WHERE remote_id IS NOT NULL")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			t.Fatal(err)
		}
		out[id] = true
	}
	return out
}

func testOrigin() *fakeOrigin {
	return &fakeOrigin{
		name:         "Test",
		url:          "https://music.example.org",
		username:     "user",
		password:     "secret",
		lastModified: 1000,
		songs: []subsonic.Song{
			song(1, "First", 10, "Artist", 20),
			song(2, "Second", 10, "Artist", 20),
		},
		albums: map[int64][]subsonic.Album{
			10: {{ID: 20, Name: "Album", ArtistID: idp(10), CoverArt: idp(500)}},
		},
		playlists: []subsonic.Playlist{
			{ID: 100, Name: "Favorites", SongCount: 2, Changed: "2024-01-01"},
		},
		playlistEntries: map[int64][]subsonic.PlaylistEntry{
			100: {{ID: 2}, {ID: 1}},
		},
	}
}

func TestSynchronize_initialImport(t *testing.T) {
	h := newHarness(t, testOrigin())
	ctx := context.Background()

	if err := h.sync.Synchronize(ctx, true); err != nil {
		t.Fatal(err)
	}

	if n := h.count(t, "SELECT COUNT(*) FROM databases"); n != 1 {
		t.Errorf("databases: %d", n)
	}
	if n := h.count(t, "SELECT COUNT(*) FROM containers WHERE is_base = 1"); n != 1 {
		t.Errorf("base containers: %d", n)
	}
	if n := h.count(t, "SELECT COUNT(*) FROM artists"); n != 1 {
		t.Errorf("artists: %d", n)
	}
	if n := h.count(t, "SELECT COUNT(*) FROM albums"); n != 1 {
		t.Errorf("albums: %d", n)
	}
	if n := h.count(t, "SELECT COUNT(*) FROM items"); n != 2 {
		t.Errorf("items: %d", n)
	}

	// Every item has a base container row; the playlist mirrors its remote
	// order.
	base := h.count(t, `
		SELECT COUNT(*) FROM container_items
		JOIN containers ON containers.id = container_items.container_id
		WHERE containers.is_base = 1`)
	if base != 2 {
		t.Errorf("base container items: %d", base)
	}
	if n := h.count(t, `
		SELECT COUNT(*) FROM container_items
		JOIN containers ON containers.id = container_items.container_id
		WHERE containers.remote_id = 100`); n != 2 {
		t.Errorf("playlist items: %d", n)
	}

	// Album artwork flag came through.
	if n := h.count(t, "SELECT COUNT(*) FROM albums WHERE art = 1"); n != 1 {
		t.Errorf("albums with art: %d", n)
	}

	if len(h.notifier.deltas) != 1 {
		t.Fatalf("deltas: %d", len(h.notifier.deltas))
	}
	d := h.notifier.deltas[0]
	if len(d.Items.Updated) != 2 || len(d.Items.Removed) != 0 {
		t.Errorf("item delta: %+v", d.Items)
	}
	if len(d.ContainerItems.Updated) != 2 {
		t.Errorf("container item delta: %+v", d.ContainerItems)
	}

	v := h.state.Versions(0)
	if v.ItemsVersion != 1000 || v.ConnectionVersion == 0 || v.ContainersVersion == 0 {
		t.Errorf("versions: %+v", v)
	}
}

func TestSynchronize_unchangedRemoteMutatesNothing(t *testing.T) {
	h := newHarness(t, testOrigin())
	ctx := context.Background()

	if err := h.sync.Synchronize(ctx, true); err != nil {
		t.Fatal(err)
	}

	// The remote reports a new items version but identical content: the
	// walk runs, yet no row changes.
	h.origin.lastModified = 2000
	if err := h.sync.Synchronize(ctx, false); err != nil {
		t.Fatal(err)
	}

	if h.origin.indexWalks != 2 {
		t.Fatalf("index walks: %d", h.origin.indexWalks)
	}
	if len(h.notifier.deltas) != 1 {
		t.Fatalf("second pass produced a delta: %+v", h.notifier.deltas)
	}
	if h.notifier.commits != 1 {
		t.Errorf("commits: %d", h.notifier.commits)
	}
	if v := h.state.Versions(0); v.ItemsVersion != 2000 {
		t.Errorf("items version not advanced: %+v", v)
	}
}

func TestSynchronize_initialSkipsWhenConnectionUnchanged(t *testing.T) {
	h := newHarness(t, testOrigin())
	ctx := context.Background()

	if err := h.sync.Synchronize(ctx, true); err != nil {
		t.Fatal(err)
	}

	// Simulate a restart: a fresh synchronizer over the same state.
	h.origin.indexWalks = 0
	restarted := New(h.origin, 0, h.store, h.state, h.notifier)
	if err := restarted.Synchronize(ctx, true); err != nil {
		t.Fatal(err)
	}

	if h.origin.indexWalks != 0 {
		t.Error("initial sync walked an unchanged origin")
	}
	if h.notifier.commits == 0 {
		t.Error("snapshot not committed")
	}
}

func TestSynchronize_addAndRemove(t *testing.T) {
	h := newHarness(t, testOrigin())
	ctx := context.Background()

	if err := h.sync.Synchronize(ctx, true); err != nil {
		t.Fatal(err)
	}

	// Song 2 disappears, song 3 appears, song 1 is untouched.
	h.origin.songs = []subsonic.Song{
		song(1, "First", 10, "Artist", 20),
		song(3, "Third", 10, "Artist", 20),
	}
	h.origin.lastModified = 2000
	h.origin.playlistEntries[100] = []subsonic.PlaylistEntry{{ID: 1}}
	h.origin.playlists[0].Changed = "2024-02-02"

	if err := h.sync.Synchronize(ctx, false); err != nil {
		t.Fatal(err)
	}

	ids := h.remoteIDs(t, "items")
	if !ids[1] || !ids[3] || ids[2] {
		t.Errorf("item remote ids: %v", ids)
	}

	// Base container rows follow the item set.
	base := h.count(t, `
		SELECT COUNT(*) FROM container_items
		JOIN containers ON containers.id = container_items.container_id
		WHERE containers.is_base = 1`)
	if base != 2 {
		t.Errorf("base container items: %d", base)
	}

	d := h.notifier.deltas[len(h.notifier.deltas)-1]
	if len(d.Items.Updated) != 1 || len(d.Items.Removed) != 1 {
		t.Errorf("item delta: %+v", d.Items)
	}
}

func TestSynchronize_playlistRematerialization(t *testing.T) {
	origin := testOrigin()
	origin.songs = []subsonic.Song{
		song(1, "a", 10, "Artist", 20),
		song(2, "b", 10, "Artist", 20),
		song(3, "c", 10, "Artist", 20),
	}
	origin.playlists[0].SongCount = 3
	origin.playlistEntries[100] = []subsonic.PlaylistEntry{{ID: 1}, {ID: 2}, {ID: 3}}

	h := newHarness(t, origin)
	ctx := context.Background()

	if err := h.sync.Synchronize(ctx, true); err != nil {
		t.Fatal(err)
	}

	// Remote playlist becomes [c, a]; its checksum changes via Changed.
	origin.playlistEntries[100] = []subsonic.PlaylistEntry{{ID: 3}, {ID: 1}}
	origin.playlists[0].SongCount = 2
	origin.playlists[0].Changed = "2024-03-03"

	if err := h.sync.Synchronize(ctx, false); err != nil {
		t.Fatal(err)
	}

	rows, err := h.store.Query(ctx, `
		SELECT items.remote_id, container_items."order"
		FROM container_items
		JOIN containers ON containers.id = container_items.container_id
		JOIN items ON items.id = container_items.item_id
		WHERE containers.remote_id = 100
		ORDER BY container_items."order"`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	type entry struct{ remoteID, order int64 }
	var got []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.remoteID, &e.order); err != nil {
			t.Fatal(err)
		}
		got = append(got, e)
	}

	want := []entry{{3, 1}, {1, 2}}
	if len(got) != len(want) {
		t.Fatalf("playlist rows: %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSynchronize_removedPlaylistCascades(t *testing.T) {
	h := newHarness(t, testOrigin())
	ctx := context.Background()

	if err := h.sync.Synchronize(ctx, true); err != nil {
		t.Fatal(err)
	}

	h.origin.playlists = nil
	if err := h.sync.Synchronize(ctx, false); err != nil {
		t.Fatal(err)
	}

	if n := h.count(t, "SELECT COUNT(*) FROM containers WHERE is_base = 0"); n != 0 {
		t.Errorf("playlist containers left: %d", n)
	}
	if n := h.count(t, `
		SELECT COUNT(*) FROM container_items
		JOIN containers ON containers.id = container_items.container_id
		WHERE containers.is_base = 0`); n != 0 {
		t.Errorf("playlist rows left: %d", n)
	}
}

func TestSynchronize_remoteErrorLeavesStateAlone(t *testing.T) {
	h := newHarness(t, testOrigin())
	ctx := context.Background()

	if err := h.sync.Synchronize(ctx, true); err != nil {
		t.Fatal(err)
	}
	before := h.state.Versions(0)

	h.origin.err = errors.New("connection refused")
	if err := h.sync.Synchronize(ctx, false); err == nil {
		t.Fatal("expected error")
	}

	if after := h.state.Versions(0); after != before {
		t.Errorf("versions advanced on failure: %+v != %+v", after, before)
	}
	if n := h.count(t, "SELECT COUNT(*) FROM items"); n != 2 {
		t.Errorf("catalog mutated on failure: %d items", n)
	}
}

func TestSynchronize_syntheticArtist(t *testing.T) {
	origin := testOrigin()
	noID := song(5, "Tagless", 0, "Unknown Band", 0)
	origin.songs = append(origin.songs, noID)

	h := newHarness(t, origin)
	if err := h.sync.Synchronize(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	if n := h.count(t, "SELECT COUNT(*) FROM artists WHERE remote_id IS NULL AND name = 'Unknown Band'"); n != 1 {
		t.Errorf("synthetic artists: %d", n)
	}
	if n := h.count(t, `
		SELECT COUNT(*) FROM items
		JOIN artists ON artists.id = items.artist_id
		WHERE items.remote_id = 5 AND artists.remote_id IS NULL`); n != 1 {
		t.Errorf("item not linked to synthetic artist: %d", n)
	}
}
