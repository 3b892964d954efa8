package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.CreateSchema(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	return s
}

// seedItem inserts a database, artist, album and one item, returning the
// item id.
func seedItem(t *testing.T, s *Store, cached bool) int64 {
	t.Helper()

	var itemID int64
	err := s.Writer(context.Background(), func(tx *Tx) error {
		dbID, err := tx.Insert(
			"INSERT INTO databases (persistent_id, name, checksum, remote_id) VALUES (1, 'Test', 1, 0)")
		if err != nil {
			return err
		}
		artistID, err := tx.Insert(
			"INSERT INTO artists (database_id, name, checksum, remote_id) VALUES (?, 'Artist', 1, 10)", dbID)
		if err != nil {
			return err
		}
		albumID, err := tx.Insert(
			"INSERT INTO albums (database_id, artist_id, name, art, checksum, remote_id) VALUES (?, ?, 'Album', 1, 1, 20)",
			dbID, artistID)
		if err != nil {
			return err
		}
		itemID, err = tx.Insert(`
			INSERT INTO items (
				persistent_id, database_id, artist_id, album_artist_id, album_id,
				name, genre, year, track, duration, bitrate,
				file_name, file_type, file_suffix, file_size, cache, checksum, remote_id
			) VALUES (2, ?, ?, ?, ?, 'Song', 'Rock', 2001, 3, 215000, 320,
				'song.mp3', 'audio/mpeg', 'mp3', 4096, ?, 1, 30)`,
			dbID, artistID, artistID, albumID, cached)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return itemID
}

func TestCreateSchema_idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSchema(context.Background(), false); err != nil {
		t.Fatalf("second create: %v", err)
	}

	seedItem(t, s, false)

	// Dropping wipes all rows.
	if err := s.CreateSchema(context.Background(), true); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	var n int64
	if err := s.QueryValue(context.Background(), &n, "SELECT COUNT(*) FROM items"); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("items after recreate: %d", n)
	}
}

func TestWriter_rollsBackOnError(t *testing.T) {
	s := newTestStore(t)

	boom := errors.New("boom")
	err := s.Writer(context.Background(), func(tx *Tx) error {
		if _, err := tx.Insert(
			"INSERT INTO databases (persistent_id, name, checksum, remote_id) VALUES (1, 'Doomed', 1, 9)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Writer returned %v", err)
	}

	var n int64
	if err := s.QueryValue(context.Background(), &n, "SELECT COUNT(*) FROM databases"); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rows after rollback: %d", n)
	}
}

func TestItemByID(t *testing.T) {
	s := newTestStore(t)
	id := seedItem(t, s, false)

	item, err := s.ItemByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}

	if item.Name.String != "Song" || item.FileSuffix.String != "mp3" {
		t.Errorf("item: %+v", item)
	}
	if item.OriginIndex != 0 || item.RemoteID != 30 {
		t.Errorf("origin=%d remote=%d", item.OriginIndex, item.RemoteID)
	}
	if item.Duration.Int64 != 215000 || item.FileSize.Int64 != 4096 {
		t.Errorf("duration=%d size=%d", item.Duration.Int64, item.FileSize.Int64)
	}
}

func TestItemByID_excludedInvisible(t *testing.T) {
	s := newTestStore(t)
	id := seedItem(t, s, false)

	err := s.Writer(context.Background(), func(tx *Tx) error {
		_, err := tx.Exec("UPDATE items SET exclude = 1 WHERE id = ?", id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.ItemByID(context.Background(), id); err == nil {
		t.Fatal("excluded item visible")
	}
}

func TestCachedItems(t *testing.T) {
	s := newTestStore(t)
	id := seedItem(t, s, true)

	cached, err := s.CachedItems(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 1 {
		t.Fatalf("cached items: %d", len(cached))
	}

	ci := cached[0]
	if ci.ID != id || ci.RemoteID != 30 || ci.FileSuffix != "mp3" || !ci.HasArt {
		t.Errorf("cached item: %+v", ci)
	}
}
