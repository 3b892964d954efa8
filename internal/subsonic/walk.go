package subsonic

import (
	"context"
	"net/url"
	"strconv"
)

// GetIndexes fetches the artist index, passing ifModifiedSince (milliseconds).
// Returns the response's lastModified (nil when the server omitted it) plus
// the index buckets and top-level children.
func (c *Client) GetIndexes(ctx context.Context, ifModifiedSince int64) (*int64, []Index, []Song, error) {
	env, err := c.call(ctx, "getIndexes", url.Values{
		"ifModifiedSince": {strconv.FormatInt(ifModifiedSince, 10)},
	})
	if err != nil {
		return nil, nil, nil, err
	}
	idx := env.Response.Indexes
	if idx == nil {
		return nil, nil, nil, nil
	}
	return idx.LastModified, idx.Index, idx.Child, nil
}

// WalkIndex walks the whole remote library depth-first and calls fn for every
// leaf song. Directories are expanded via getMusicDirectory.
func (c *Client) WalkIndex(ctx context.Context, fn func(Song) error) error {
	_, indexes, children, err := c.GetIndexes(ctx, 0)
	if err != nil {
		return err
	}
	for _, index := range indexes {
		for _, artist := range index.Artist {
			if err := c.walkDirectory(ctx, int64(artist.ID), fn); err != nil {
				return err
			}
		}
	}
	for _, child := range children {
		if child.IsDir {
			if err := c.walkDirectory(ctx, int64(child.ID), fn); err != nil {
				return err
			}
		} else if err := fn(child); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) walkDirectory(ctx context.Context, dirID int64, fn func(Song) error) error {
	env, err := c.call(ctx, "getMusicDirectory", url.Values{
		"id": {strconv.FormatInt(dirID, 10)},
	})
	if err != nil {
		return err
	}
	if env.Response.Directory == nil {
		return nil
	}
	for _, child := range env.Response.Directory.Child {
		if child.IsDir {
			if err := c.walkDirectory(ctx, int64(child.ID), fn); err != nil {
				return err
			}
		} else if err := fn(child); err != nil {
			return err
		}
	}
	return nil
}

// WalkArtist lists the albums of one artist.
func (c *Client) WalkArtist(ctx context.Context, artistID int64) ([]Album, error) {
	env, err := c.call(ctx, "getArtist", url.Values{
		"id": {strconv.FormatInt(artistID, 10)},
	})
	if err != nil {
		return nil, err
	}
	if env.Response.Artist == nil {
		return nil, nil
	}
	return env.Response.Artist.Album, nil
}

// WalkPlaylists lists all remote playlists.
func (c *Client) WalkPlaylists(ctx context.Context) ([]Playlist, error) {
	env, err := c.call(ctx, "getPlaylists", nil)
	if err != nil {
		return nil, err
	}
	if env.Response.Playlists == nil {
		return nil, nil
	}
	return env.Response.Playlists.Playlist, nil
}

// WalkPlaylist lists the entries of one playlist with their 1-based order
// injected.
func (c *Client) WalkPlaylist(ctx context.Context, playlistID int64) ([]PlaylistEntry, error) {
	env, err := c.call(ctx, "getPlaylist", url.Values{
		"id": {strconv.FormatInt(playlistID, 10)},
	})
	if err != nil {
		return nil, err
	}
	if env.Response.Playlist == nil {
		return nil, nil
	}
	entries := env.Response.Playlist.Entry
	for i := range entries {
		entries[i].Order = i + 1
	}
	return entries, nil
}
