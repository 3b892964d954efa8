package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// Item is a full catalog item row plus the origin index of its database.
type Item struct {
	ID           int64
	PersistentID int64
	DatabaseID   int64
	OriginIndex  int64 // databases.remote_id
	ArtistID     sql.NullInt64
	AlbumID      sql.NullInt64
	Name         sql.NullString
	Genre        sql.NullString
	Year         sql.NullInt64
	Track        sql.NullInt64
	Duration     sql.NullInt64 // milliseconds
	Bitrate      sql.NullInt64
	FileName     sql.NullString
	FileType     sql.NullString
	FileSuffix   sql.NullString
	FileSize     sql.NullInt64
	Exclude      bool
	Cache        bool
	RemoteID     int64
}

// ItemByID fetches a single item. Excluded items are not visible here: the
// DAAP layer never enumerates them, so a request for one is a client error.
func (s *Store) ItemByID(ctx context.Context, id int64) (*Item, error) {
	row := s.QueryRow(ctx, `
		SELECT
			items.id, items.persistent_id, items.database_id, databases.remote_id,
			items.artist_id, items.album_id,
			items.name, items.genre, items.year, items.track,
			items.duration, items.bitrate,
			items.file_name, items.file_type, items.file_suffix, items.file_size,
			items.exclude, items.cache, items.remote_id
		FROM items
		JOIN databases ON databases.id = items.database_id
		WHERE items.id = ? AND items.exclude = 0`, id)

	var it Item
	err := row.Scan(
		&it.ID, &it.PersistentID, &it.DatabaseID, &it.OriginIndex,
		&it.ArtistID, &it.AlbumID,
		&it.Name, &it.Genre, &it.Year, &it.Track,
		&it.Duration, &it.Bitrate,
		&it.FileName, &it.FileType, &it.FileSuffix, &it.FileSize,
		&it.Exclude, &it.Cache, &it.RemoteID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("catalog: item %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// CachedItem identifies a pinned item and where to fetch it from.
type CachedItem struct {
	ID          int64
	OriginIndex int64
	RemoteID    int64
	FileSuffix  string
	HasArt      bool
}

// CachedItems lists items pinned as permanent (cache=1, exclude=0), with the
// origin index to fetch them from and whether their album carries artwork.
func (s *Store) CachedItems(ctx context.Context) ([]CachedItem, error) {
	rows, err := s.Query(ctx, `
		SELECT
			items.id, databases.remote_id, items.remote_id,
			COALESCE(items.file_suffix, ''),
			COALESCE(albums.art, 0)
		FROM items
		JOIN databases ON databases.id = items.database_id
		LEFT JOIN albums ON albums.id = items.album_id
		WHERE items.cache = 1 AND items.exclude = 0
		ORDER BY items.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CachedItem
	for rows.Next() {
		var ci CachedItem
		if err := rows.Scan(&ci.ID, &ci.OriginIndex, &ci.RemoteID, &ci.FileSuffix, &ci.HasArt); err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}
