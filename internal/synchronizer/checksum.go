package synchronizer

import (
	"fmt"
	"hash/adler32"
	"io"
	"strconv"

	"github.com/basilfx/subdaap/internal/subsonic"
)

// Row checksums concatenate a fixed, canonical ordering of the fields that
// matter for the catalog. Absent optional fields contribute the empty
// string, so adding a field later shifts every checksum at once instead of
// silently colliding.

func checksum(fields ...any) uint32 {
	h := adler32.New()
	for _, f := range fields {
		io.WriteString(h, stringify(f))
	}
	return h.Sum32()
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(x, 10)
	case subsonic.ID:
		return strconv.FormatInt(int64(x), 10)
	case *int64:
		if x == nil {
			return ""
		}
		return strconv.FormatInt(*x, 10)
	case *subsonic.ID:
		if x == nil {
			return ""
		}
		return strconv.FormatInt(int64(*x), 10)
	default:
		return fmt.Sprint(x)
	}
}

// connectionChecksum fingerprints the origin connection parameters. A
// changed checksum forces a full resync regardless of remote versions.
func connectionChecksum(c Origin) uint32 {
	return checksum(c.BaseURL(), int64(c.Port()), c.Username(), c.Password())
}

func databaseChecksum(name string, remoteID int64) uint32 {
	return checksum(name, remoteID)
}

func artistChecksum(name string) uint32 {
	return checksum(name)
}

func albumChecksum(a subsonic.Album) uint32 {
	return checksum(int64(a.ID), a.Name, a.ArtistID, a.CoverArt != nil)
}

func songChecksum(s subsonic.Song) uint32 {
	return checksum(
		int64(s.ID), s.Title, s.Artist, s.ArtistID, s.Album, s.AlbumID,
		s.CoverArt, s.Genre, s.Year, s.Track, s.Duration, s.BitRate,
		s.Path, s.ContentType, s.Suffix, s.Size,
	)
}

func playlistChecksum(p subsonic.Playlist) uint32 {
	return checksum(false, p.Name, p.SongCount, p.Changed)
}

func baseContainerChecksum(name string) uint32 {
	return checksum(true, false, name)
}
