package catalog

import (
	"context"
	"fmt"
)

// dropStatements removes all tables in foreign-key-safe order.
var dropStatements = []string{
	"DROP TABLE IF EXISTS `container_items`",
	"DROP TABLE IF EXISTS `items`",
	"DROP TABLE IF EXISTS `albums`",
	"DROP TABLE IF EXISTS `artists`",
	"DROP TABLE IF EXISTS `containers`",
	"DROP TABLE IF EXISTS `databases`",
}

var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS databases (
		id INTEGER PRIMARY KEY,
		persistent_id INTEGER DEFAULT 0,
		name VARCHAR(255) NOT NULL,
		exclude TINYINT(1) DEFAULT 0,
		checksum INTEGER NOT NULL,
		remote_id INTEGER DEFAULT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS artists (
		id INTEGER PRIMARY KEY,
		database_id INTEGER NOT NULL,
		name VARCHAR(255) NOT NULL,
		exclude TINYINT(1) DEFAULT 0,
		cache TINYINT(1) DEFAULT 0,
		checksum INTEGER NOT NULL,
		remote_id INTEGER DEFAULT NULL,
		CONSTRAINT artist_fk_1 FOREIGN KEY (database_id) REFERENCES databases (id)
	)`,
	`CREATE TABLE IF NOT EXISTS albums (
		id INTEGER PRIMARY KEY,
		database_id INTEGER NOT NULL,
		artist_id INTEGER DEFAULT NULL,
		name VARCHAR(255) NOT NULL,
		art TINYINT(1) DEFAULT NULL,
		exclude TINYINT(1) DEFAULT 0,
		cache TINYINT(1) DEFAULT 0,
		checksum INTEGER NOT NULL,
		remote_id INTEGER DEFAULT NULL,
		CONSTRAINT album_fk_1 FOREIGN KEY (database_id) REFERENCES databases (id),
		CONSTRAINT album_fk_2 FOREIGN KEY (artist_id) REFERENCES artists (id)
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY,
		persistent_id INTEGER DEFAULT 0,
		database_id INTEGER NOT NULL,
		artist_id INTEGER DEFAULT NULL,
		album_artist_id INTEGER DEFAULT NULL,
		album_id INTEGER DEFAULT NULL,
		name VARCHAR(255) DEFAULT NULL,
		genre VARCHAR(255) DEFAULT NULL,
		year INTEGER DEFAULT NULL,
		track INTEGER DEFAULT NULL,
		duration INTEGER DEFAULT NULL,
		bitrate INTEGER DEFAULT NULL,
		file_name VARCHAR(4096) DEFAULT NULL,
		file_type VARCHAR(255) DEFAULT NULL,
		file_suffix VARCHAR(32) DEFAULT NULL,
		file_size INTEGER DEFAULT NULL,
		exclude TINYINT(1) DEFAULT 0,
		cache TINYINT(1) DEFAULT 0,
		checksum INTEGER NOT NULL,
		remote_id INTEGER DEFAULT NULL,
		CONSTRAINT item_fk_1 FOREIGN KEY (database_id) REFERENCES databases (id),
		CONSTRAINT item_fk_2 FOREIGN KEY (album_id) REFERENCES albums (id),
		CONSTRAINT item_fk_3 FOREIGN KEY (artist_id) REFERENCES artists (id),
		CONSTRAINT item_fk_4 FOREIGN KEY (album_artist_id) REFERENCES artists (id)
	)`,
	`CREATE TABLE IF NOT EXISTS containers (
		id INTEGER PRIMARY KEY,
		persistent_id INTEGER DEFAULT 0,
		database_id INTEGER NOT NULL,
		parent_id INTEGER DEFAULT NULL,
		name VARCHAR(255) NOT NULL,
		is_base TINYINT(1) NOT NULL,
		is_smart TINYINT(1) NOT NULL,
		exclude TINYINT(1) DEFAULT 0,
		cache TINYINT(1) DEFAULT 0,
		checksum INTEGER NOT NULL,
		remote_id INTEGER DEFAULT NULL,
		CONSTRAINT container_fk_1 FOREIGN KEY (database_id) REFERENCES databases (id),
		CONSTRAINT container_fk_2 FOREIGN KEY (parent_id) REFERENCES containers (id)
	)`,
	`CREATE TABLE IF NOT EXISTS container_items (
		id INTEGER PRIMARY KEY,
		database_id INTEGER NOT NULL,
		container_id INTEGER NOT NULL,
		item_id INTEGER NOT NULL,
		"order" INTEGER DEFAULT NULL,
		CONSTRAINT container_item_fk_1 FOREIGN KEY (database_id) REFERENCES databases (id),
		CONSTRAINT container_item_fk_2 FOREIGN KEY (container_id) REFERENCES containers (id),
		CONSTRAINT container_item_fk_3 FOREIGN KEY (item_id) REFERENCES items (id)
	)`,
	"CREATE INDEX IF NOT EXISTS idx_items_database ON items (database_id)",
	"CREATE INDEX IF NOT EXISTS idx_items_remote ON items (database_id, remote_id)",
	"CREATE INDEX IF NOT EXISTS idx_artists_remote ON artists (database_id, remote_id)",
	"CREATE INDEX IF NOT EXISTS idx_albums_remote ON albums (database_id, remote_id)",
	"CREATE INDEX IF NOT EXISTS idx_container_items_container ON container_items (container_id)",
}

// CreateSchema creates all tables if they do not exist. With drop set, all
// tables are removed first.
func (s *Store) CreateSchema(ctx context.Context, drop bool) error {
	return s.Writer(ctx, func(tx *Tx) error {
		if drop {
			for _, stmt := range dropStatements {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("catalog: drop schema: %w", err)
				}
			}
		}
		for _, stmt := range createStatements {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("catalog: create schema: %w", err)
			}
		}
		return nil
	})
}
