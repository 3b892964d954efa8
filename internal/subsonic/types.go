package subsonic

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// The Subsonic REST API serializes single-element collections as a bare
// object and multi-element ones as an array, and ids as either strings or
// numbers depending on server version. These wrapper types normalize both on
// ingest so the rest of the code only ever sees int64 ids and slices.

// ID is an int64 that unmarshals from either a JSON number or a string.
type ID int64

func (v *ID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if string(b) == "null" || len(b) == 0 {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*v = ID(n)
	return nil
}

// List is a slice that unmarshals from either a single JSON object or an
// array of objects.
type List[T any] []T

func (l *List[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*l = nil
		return nil
	}
	if b[0] == '[' {
		var out []T
		if err := json.Unmarshal(b, &out); err != nil {
			return err
		}
		*l = out
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*l = []T{one}
	return nil
}

// IndexArtist is one entry of the alphabetical artist index.
type IndexArtist struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// Index is one letter bucket of getIndexes.
type Index struct {
	Name   string            `json:"name"`
	Artist List[IndexArtist] `json:"artist"`
}

// Song is a leaf child of the directory tree: a single track. Optional
// numeric fields are pointers so "absent" is distinguishable from zero.
type Song struct {
	ID          ID     `json:"id"`
	Parent      ID     `json:"parent"`
	IsDir       bool   `json:"isDir"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	ArtistID    *ID    `json:"artistId"`
	Album       string `json:"album"`
	AlbumID     *ID    `json:"albumId"`
	CoverArt    *ID    `json:"coverArt"`
	Genre       string `json:"genre"`
	Year        *int64 `json:"year"`
	Track       *int64 `json:"track"`
	Duration    *int64 `json:"duration"` // seconds
	BitRate     *int64 `json:"bitRate"`
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
	Suffix      string `json:"suffix"`
	Size        *int64 `json:"size"`
}

// Album is one album of getArtist.
type Album struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	Artist   string `json:"artist"`
	ArtistID *ID    `json:"artistId"`
	CoverArt *ID    `json:"coverArt"`
}

// Playlist is one entry of getPlaylists.
type Playlist struct {
	ID        ID     `json:"id"`
	Name      string `json:"name"`
	SongCount int64  `json:"songCount"`
	Changed   string `json:"changed"`
}

// PlaylistEntry is one entry of getPlaylist, with its 1-based position
// injected by WalkPlaylist.
type PlaylistEntry struct {
	ID    ID `json:"id"`
	Order int `json:"-"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// envelope is the outer subsonic-response wrapper, carrying exactly the
// response shapes this client consumes.
type envelope struct {
	Response struct {
		Status string    `json:"status"`
		Error  *apiError `json:"error"`

		Indexes *struct {
			LastModified *int64      `json:"lastModified"`
			Index        List[Index] `json:"index"`
			Child        List[Song]  `json:"child"`
		} `json:"indexes"`

		Directory *struct {
			Child List[Song] `json:"child"`
		} `json:"directory"`

		Artist *struct {
			Album List[Album] `json:"album"`
		} `json:"artist"`

		Playlists *struct {
			Playlist List[Playlist] `json:"playlist"`
		} `json:"playlists"`

		Playlist *struct {
			Entry List[PlaylistEntry] `json:"entry"`
		} `json:"playlist"`
	} `json:"subsonic-response"`
}
