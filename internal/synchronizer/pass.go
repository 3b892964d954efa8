package synchronizer

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"

	"github.com/basilfx/subdaap/internal/catalog"
	"github.com/basilfx/subdaap/internal/subsonic"
)

// rowState tracks one existing catalog row across a pass. A row that ends
// the pass with seen unset was absent from the remote library and gets
// deleted.
type rowState struct {
	id       int64
	checksum uint32
	artistID int64 // albums: local id of the album's artist
	seen     bool
	updated  bool
}

// pass holds everything one synchronization transaction accumulates: the
// per-level maps of existing rows keyed by remote id and the delta handed
// to the provider on commit.
type pass struct {
	s         *Synchronizer
	ctx       context.Context
	tx        *catalog.Tx
	playlists []subsonic.Playlist

	databaseID      int64
	baseContainerID int64

	items     map[int64]*rowState
	artists   map[int64]*rowState
	synthetic map[string]*rowState
	albums    map[int64]*rowState
	baseRows  map[int64]*rowState // keyed by item local id

	delta Delta
}

func newPersistentID() int64 {
	return rand.Int63()
}

func (p *pass) syncDatabase() error {
	name := p.s.origin.Name()
	cs := databaseChecksum(name, p.s.index)

	var id int64
	var existing uint32
	err := p.tx.QueryRow(
		"SELECT id, checksum FROM databases WHERE remote_id = ?", p.s.index,
	).Scan(&id, &existing)

	switch {
	case err == sql.ErrNoRows:
		id, err = p.tx.Insert(
			"INSERT INTO databases (persistent_id, name, checksum, remote_id) VALUES (?, ?, ?, ?)",
			newPersistentID(), name, cs, p.s.index)
		if err != nil {
			return fmt.Errorf("synchronizer: insert database: %w", err)
		}
	case err != nil:
		return err
	case existing != cs:
		if _, err := p.tx.Exec(
			"UPDATE databases SET name = ?, checksum = ? WHERE id = ?", name, cs, id); err != nil {
			return fmt.Errorf("synchronizer: update database: %w", err)
		}
	}

	p.databaseID = id
	p.delta.DatabaseID = id
	return nil
}

func (p *pass) syncBaseContainer() error {
	name := p.s.origin.Name()
	cs := baseContainerChecksum(name)

	var id int64
	var existing uint32
	err := p.tx.QueryRow(
		"SELECT id, checksum FROM containers WHERE database_id = ? AND is_base = 1", p.databaseID,
	).Scan(&id, &existing)

	switch {
	case err == sql.ErrNoRows:
		id, err = p.tx.Insert(
			"INSERT INTO containers (persistent_id, database_id, name, is_base, is_smart, checksum) VALUES (?, ?, ?, 1, 0, ?)",
			newPersistentID(), p.databaseID, name, cs)
		if err != nil {
			return fmt.Errorf("synchronizer: insert base container: %w", err)
		}
	case err != nil:
		return err
	case existing != cs:
		if _, err := p.tx.Exec(
			"UPDATE containers SET name = ?, checksum = ? WHERE id = ?", name, cs, id); err != nil {
			return fmt.Errorf("synchronizer: update base container: %w", err)
		}
	}

	p.baseContainerID = id
	return nil
}

func (p *pass) syncItems() error {
	if err := p.loadItemRows(); err != nil {
		return err
	}

	err := p.s.origin.WalkIndex(p.ctx, func(song subsonic.Song) error {
		return p.syncSong(song)
	})
	if err != nil {
		return err
	}

	return p.deleteUnseenItemRows()
}

func (p *pass) loadItemRows() error {
	var err error

	p.items, err = p.loadByRemoteID(
		"SELECT remote_id, id, checksum, 0 FROM items WHERE database_id = ? AND remote_id IS NOT NULL")
	if err != nil {
		return err
	}
	p.artists, err = p.loadByRemoteID(
		"SELECT remote_id, id, checksum, 0 FROM artists WHERE database_id = ? AND remote_id IS NOT NULL")
	if err != nil {
		return err
	}
	p.albums, err = p.loadByRemoteID(
		"SELECT remote_id, id, checksum, COALESCE(artist_id, 0) FROM albums WHERE database_id = ? AND remote_id IS NOT NULL")
	if err != nil {
		return err
	}

	p.synthetic = make(map[string]*rowState)
	rows, err := p.tx.Query(
		"SELECT name, id, checksum FROM artists WHERE database_id = ? AND remote_id IS NULL", p.databaseID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		r := &rowState{}
		if err := rows.Scan(&name, &r.id, &r.checksum); err != nil {
			return err
		}
		p.synthetic[name] = r
	}
	if err := rows.Err(); err != nil {
		return err
	}

	p.baseRows = make(map[int64]*rowState)
	brows, err := p.tx.Query(
		"SELECT item_id, id FROM container_items WHERE container_id = ?", p.baseContainerID)
	if err != nil {
		return err
	}
	defer brows.Close()
	for brows.Next() {
		var itemID int64
		r := &rowState{}
		if err := brows.Scan(&itemID, &r.id); err != nil {
			return err
		}
		p.baseRows[itemID] = r
	}
	return brows.Err()
}

func (p *pass) loadByRemoteID(query string) (map[int64]*rowState, error) {
	out := make(map[int64]*rowState)

	rows, err := p.tx.Query(query, p.databaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var remoteID int64
		r := &rowState{}
		if err := rows.Scan(&remoteID, &r.id, &r.checksum, &r.artistID); err != nil {
			return nil, err
		}
		out[remoteID] = r
	}
	return out, rows.Err()
}

func (p *pass) syncSong(song subsonic.Song) error {
	var artistRow, albumRow *rowState

	if song.ArtistID != nil {
		remoteID := int64(*song.ArtistID)
		artistRow = p.artists[remoteID]
		if artistRow == nil || !artistRow.seen {
			row, err := p.syncArtist(remoteID, song.Artist)
			if err != nil {
				return err
			}
			artistRow = row

			// First encounter of this artist: pick up its albums too.
			albums, err := p.s.origin.WalkArtist(p.ctx, remoteID)
			if err != nil {
				return err
			}
			for _, album := range albums {
				if err := p.syncAlbum(album); err != nil {
					return err
				}
			}
		}
	} else if song.Artist != "" {
		row, err := p.syncSyntheticArtist(song.Artist)
		if err != nil {
			return err
		}
		artistRow = row
	}

	if song.AlbumID != nil {
		albumRow = p.albums[int64(*song.AlbumID)]
		if albumRow != nil {
			albumRow.seen = true
		}
	}

	// Link ids, preferring the song's own artist over the album's.
	var artistID, albumArtistID, albumID any
	if albumRow != nil {
		albumID = albumRow.id
		if albumRow.artistID != 0 {
			albumArtistID = albumRow.artistID
		}
	}
	if artistRow != nil {
		artistID = artistRow.id
	} else {
		artistID = albumArtistID
	}

	if err := p.syncItem(song, artistID, albumArtistID, albumID); err != nil {
		return err
	}
	return nil
}

func (p *pass) syncArtist(remoteID int64, name string) (*rowState, error) {
	cs := artistChecksum(name)

	row := p.artists[remoteID]
	if row == nil {
		id, err := p.tx.Insert(
			"INSERT INTO artists (database_id, name, checksum, remote_id) VALUES (?, ?, ?, ?)",
			p.databaseID, name, cs, remoteID)
		if err != nil {
			return nil, fmt.Errorf("synchronizer: insert artist: %w", err)
		}
		row = &rowState{id: id, checksum: cs, seen: true, updated: true}
		p.artists[remoteID] = row
		return row, nil
	}

	row.seen = true
	if row.checksum != cs {
		if _, err := p.tx.Exec(
			"UPDATE artists SET name = ?, checksum = ? WHERE id = ?", name, cs, row.id); err != nil {
			return nil, fmt.Errorf("synchronizer: update artist: %w", err)
		}
		row.checksum = cs
		row.updated = true
	}
	return row, nil
}

func (p *pass) syncSyntheticArtist(name string) (*rowState, error) {
	cs := artistChecksum(name)

	row := p.synthetic[name]
	if row == nil {
		id, err := p.tx.Insert(
			"INSERT INTO artists (database_id, name, checksum) VALUES (?, ?, ?)",
			p.databaseID, name, cs)
		if err != nil {
			return nil, fmt.Errorf("synchronizer: insert synthetic artist: %w", err)
		}
		row = &rowState{id: id, checksum: cs, seen: true, updated: true}
		p.synthetic[name] = row
		return row, nil
	}

	row.seen = true
	return row, nil
}

func (p *pass) syncAlbum(album subsonic.Album) error {
	remoteID := int64(album.ID)
	cs := albumChecksum(album)

	var artistID int64
	if album.ArtistID != nil {
		if ar := p.artists[int64(*album.ArtistID)]; ar != nil {
			artistID = ar.id
		}
	}

	row := p.albums[remoteID]
	if row == nil {
		id, err := p.tx.Insert(
			"INSERT INTO albums (database_id, artist_id, name, art, checksum, remote_id) VALUES (?, ?, ?, ?, ?, ?)",
			p.databaseID, nullableID(artistID), album.Name, album.CoverArt != nil, cs, remoteID)
		if err != nil {
			return fmt.Errorf("synchronizer: insert album: %w", err)
		}
		p.albums[remoteID] = &rowState{id: id, checksum: cs, artistID: artistID, seen: true, updated: true}
		return nil
	}

	row.seen = true
	if row.checksum != cs {
		if _, err := p.tx.Exec(
			"UPDATE albums SET artist_id = ?, name = ?, art = ?, checksum = ? WHERE id = ?",
			nullableID(artistID), album.Name, album.CoverArt != nil, cs, row.id); err != nil {
			return fmt.Errorf("synchronizer: update album: %w", err)
		}
		row.checksum = cs
		row.artistID = artistID
		row.updated = true
	}
	return nil
}

func (p *pass) syncItem(song subsonic.Song, artistID, albumArtistID, albumID any) error {
	remoteID := int64(song.ID)
	cs := songChecksum(song)

	var duration *int64
	if song.Duration != nil {
		ms := *song.Duration * 1000
		duration = &ms
	}

	row := p.items[remoteID]
	if row == nil {
		id, err := p.tx.Insert(`
			INSERT INTO items (
				persistent_id, database_id, artist_id, album_artist_id, album_id,
				name, genre, year, track, duration, bitrate,
				file_name, file_type, file_suffix, file_size, checksum, remote_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			newPersistentID(), p.databaseID, artistID, albumArtistID, albumID,
			song.Title, song.Genre, song.Year, song.Track, duration, song.BitRate,
			song.Path, song.ContentType, song.Suffix, song.Size, cs, remoteID)
		if err != nil {
			return fmt.Errorf("synchronizer: insert item: %w", err)
		}
		row = &rowState{id: id, checksum: cs, seen: true, updated: true}
		p.items[remoteID] = row
		p.delta.Items.Updated = append(p.delta.Items.Updated, id)
	} else {
		row.seen = true
		if row.checksum != cs {
			_, err := p.tx.Exec(`
				UPDATE items SET
					artist_id = ?, album_artist_id = ?, album_id = ?,
					name = ?, genre = ?, year = ?, track = ?, duration = ?, bitrate = ?,
					file_name = ?, file_type = ?, file_suffix = ?, file_size = ?, checksum = ?
				WHERE id = ?`,
				artistID, albumArtistID, albumID,
				song.Title, song.Genre, song.Year, song.Track, duration, song.BitRate,
				song.Path, song.ContentType, song.Suffix, song.Size, cs, row.id)
			if err != nil {
				return fmt.Errorf("synchronizer: update item: %w", err)
			}
			row.checksum = cs
			row.updated = true
			p.delta.Items.Updated = append(p.delta.Items.Updated, row.id)
		}
	}

	if base := p.baseRows[row.id]; base != nil {
		base.seen = true
	} else {
		id, err := p.tx.Insert(
			"INSERT INTO container_items (database_id, container_id, item_id) VALUES (?, ?, ?)",
			p.databaseID, p.baseContainerID, row.id)
		if err != nil {
			return fmt.Errorf("synchronizer: insert base container item: %w", err)
		}
		p.baseRows[row.id] = &rowState{id: id, seen: true}
		p.delta.BaseContainerItems.Updated = append(p.delta.BaseContainerItems.Updated, id)
	}
	return nil
}

// deleteUnseenItemRows removes rows the walk never touched, children before
// the rows they reference. Artists and albums still referenced by surviving
// rows are kept for a later pass rather than violating their constraints.
func (p *pass) deleteUnseenItemRows() error {
	var removedItems []int64
	for _, r := range p.items {
		if !r.seen {
			removedItems = append(removedItems, r.id)
		}
	}

	// Container items pointing at removed items, in any container.
	if len(removedItems) > 0 {
		removedRows, err := p.collectIDs(
			"SELECT id FROM container_items WHERE database_id = ? AND item_id IN", removedItems)
		if err != nil {
			return err
		}
		if err := p.deleteIn(
			"DELETE FROM container_items WHERE database_id = ? AND item_id IN", removedItems); err != nil {
			return err
		}

		baseIDs := make(map[int64]bool, len(p.baseRows))
		for _, r := range p.baseRows {
			baseIDs[r.id] = true
		}
		for _, id := range removedRows {
			if baseIDs[id] {
				p.delta.BaseContainerItems.Removed = append(p.delta.BaseContainerItems.Removed, id)
			} else {
				p.delta.ContainerItems.Removed = append(p.delta.ContainerItems.Removed, id)
			}
		}

		if err := p.deleteIn("DELETE FROM items WHERE id IN", removedItems); err != nil {
			return err
		}
		p.delta.Items.Removed = append(p.delta.Items.Removed, removedItems...)
	}

	var removedArtists []int64
	for _, r := range p.artists {
		if !r.seen {
			removedArtists = append(removedArtists, r.id)
		}
	}
	for _, r := range p.synthetic {
		if !r.seen {
			removedArtists = append(removedArtists, r.id)
		}
	}
	if len(removedArtists) > 0 {
		err := p.deleteIn(`
			DELETE FROM artists WHERE database_id = ?
				AND id NOT IN (SELECT artist_id FROM items WHERE artist_id IS NOT NULL)
				AND id NOT IN (SELECT album_artist_id FROM items WHERE album_artist_id IS NOT NULL)
				AND id NOT IN (SELECT artist_id FROM albums WHERE artist_id IS NOT NULL)
				AND id IN`, removedArtists)
		if err != nil {
			return err
		}
	}

	var removedAlbums []int64
	for _, r := range p.albums {
		if !r.seen {
			removedAlbums = append(removedAlbums, r.id)
		}
	}
	if len(removedAlbums) > 0 {
		err := p.deleteIn(`
			DELETE FROM albums WHERE database_id = ?
				AND id NOT IN (SELECT album_id FROM items WHERE album_id IS NOT NULL)
				AND id IN`, removedAlbums)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *pass) syncContainers() error {
	existing := make(map[int64]*rowState)
	rows, err := p.tx.Query(
		"SELECT remote_id, id, checksum FROM containers WHERE database_id = ? AND is_base = 0", p.databaseID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var remoteID int64
		r := &rowState{}
		if err := rows.Scan(&remoteID, &r.id, &r.checksum); err != nil {
			rows.Close()
			return err
		}
		existing[remoteID] = r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var itemsByRemote map[int64]int64

	for _, pl := range p.playlists {
		remoteID := int64(pl.ID)
		cs := playlistChecksum(pl)

		row := existing[remoteID]
		if row == nil {
			id, err := p.tx.Insert(
				"INSERT INTO containers (persistent_id, database_id, parent_id, name, is_base, is_smart, checksum, remote_id) VALUES (?, ?, ?, ?, 0, 0, ?, ?)",
				newPersistentID(), p.databaseID, p.baseContainerID, pl.Name, cs, remoteID)
			if err != nil {
				return fmt.Errorf("synchronizer: insert container: %w", err)
			}
			row = &rowState{id: id, checksum: cs, seen: true, updated: true}
			existing[remoteID] = row
		} else {
			row.seen = true
			if row.checksum != cs {
				if _, err := p.tx.Exec(
					"UPDATE containers SET name = ?, checksum = ? WHERE id = ?", pl.Name, cs, row.id); err != nil {
					return fmt.Errorf("synchronizer: update container: %w", err)
				}
				row.checksum = cs
				row.updated = true
			}
		}

		if !row.updated {
			continue
		}
		p.delta.Containers.Updated = append(p.delta.Containers.Updated, row.id)

		if itemsByRemote == nil {
			itemsByRemote, err = p.loadItemIDs()
			if err != nil {
				return err
			}
		}
		if err := p.materializeContainer(row.id, remoteID, itemsByRemote); err != nil {
			return err
		}
	}

	// Containers gone from the remote, with their rows.
	var removed []int64
	for _, r := range existing {
		if !r.seen {
			removed = append(removed, r.id)
		}
	}
	if len(removed) > 0 {
		removedRows, err := p.collectIDs(
			"SELECT id FROM container_items WHERE database_id = ? AND container_id IN", removed)
		if err != nil {
			return err
		}
		if err := p.deleteIn(
			"DELETE FROM container_items WHERE database_id = ? AND container_id IN", removed); err != nil {
			return err
		}
		p.delta.ContainerItems.Removed = append(p.delta.ContainerItems.Removed, removedRows...)

		if err := p.deleteIn("DELETE FROM containers WHERE id IN", removed); err != nil {
			return err
		}
		p.delta.Containers.Removed = append(p.delta.Containers.Removed, removed...)
	}

	return nil
}

// materializeContainer replaces all rows of a changed container with the
// remote playlist's entries in order. Entries pointing at unknown items are
// skipped; the next items sync picks them up.
func (p *pass) materializeContainer(containerID, remoteID int64, itemsByRemote map[int64]int64) error {
	old, err := p.collectIDs(
		"SELECT id FROM container_items WHERE database_id = ? AND container_id IN", []int64{containerID})
	if err != nil {
		return err
	}
	if len(old) > 0 {
		if _, err := p.tx.Exec(
			"DELETE FROM container_items WHERE container_id = ?", containerID); err != nil {
			return err
		}
		p.delta.ContainerItems.Removed = append(p.delta.ContainerItems.Removed, old...)
	}

	entries, err := p.s.origin.WalkPlaylist(p.ctx, remoteID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		itemID, ok := itemsByRemote[int64(entry.ID)]
		if !ok {
			continue
		}
		id, err := p.tx.Insert(
			`INSERT INTO container_items (database_id, container_id, item_id, "order") VALUES (?, ?, ?, ?)`,
			p.databaseID, containerID, itemID, entry.Order)
		if err != nil {
			return fmt.Errorf("synchronizer: insert container item: %w", err)
		}
		p.delta.ContainerItems.Updated = append(p.delta.ContainerItems.Updated, id)
	}
	return nil
}

func (p *pass) loadItemIDs() (map[int64]int64, error) {
	out := make(map[int64]int64)

	rows, err := p.tx.Query(
		"SELECT remote_id, id FROM items WHERE database_id = ? AND remote_id IS NOT NULL", p.databaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var remoteID, id int64
		if err := rows.Scan(&remoteID, &id); err != nil {
			return nil, err
		}
		out[remoteID] = id
	}
	return out, rows.Err()
}

// deleteChunk bounds the number of bound variables per statement.
const deleteChunk = 500

// deleteIn runs query, which must end in "IN", once per chunk of ids. When
// the query filters on "database_id = ?" that placeholder is bound first.
func (p *pass) deleteIn(query string, ids []int64) error {
	withDatabase := strings.Contains(query, "database_id = ?")

	for start := 0; start < len(ids); start += deleteChunk {
		chunk := ids[start:min(start+deleteChunk, len(ids))]

		args := make([]any, 0, len(chunk)+1)
		if withDatabase {
			args = append(args, p.databaseID)
		}
		for _, id := range chunk {
			args = append(args, id)
		}

		stmt := query + " (" + placeholders(len(chunk)) + ")"
		if _, err := p.tx.Exec(stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

func (p *pass) collectIDs(query string, ids []int64) ([]int64, error) {
	var out []int64

	for start := 0; start < len(ids); start += deleteChunk {
		chunk := ids[start:min(start+deleteChunk, len(ids))]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, p.databaseID)
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := p.tx.Query(query+" ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
