// Package state persists the small amount of durable daemon state that does
// not belong in the catalog: the server's stable persistent id and the
// per-origin synchronization high-water-marks.
//
// The state is a single JSON file, rewritten atomically on every save so a
// crash can never leave a torn file behind. A missing or malformed file is
// not an error: the daemon starts from empty state and re-synchronizes.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"sync"

	"github.com/natefinch/atomic"
)

// Versions holds the high-water-marks of one origin's last successful sync.
// Zero values mean "never synced".
type Versions struct {
	ConnectionVersion uint32 `json:"connection_version"`
	ItemsVersion      int64  `json:"items_version"`
	ContainersVersion uint32 `json:"containers_version"`
}

type fileState struct {
	PersistentID  uint64              `json:"persistent_id,omitempty"`
	Synchronizers map[string]Versions `json:"synchronizers,omitempty"`
}

// Store is the durable state map. All methods are safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	data fileState
}

// Open loads the state file at path. A missing file or one that does not
// decode to the expected shape yields an empty state; any other I/O error is
// returned.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load re-reads the state file, replacing the in-memory state.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = fileState{}
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("state: load %s: %w", s.path, err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		// Corrupt state: start fresh rather than hard-failing.
		log.Printf("state: %s is not valid state, starting empty: %v", s.path, err)
		s.data = fileState{}
	}
	return nil
}

// Save writes the state file atomically (temp file + rename).
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("state: save %s: %w", s.path, err)
	}
	return nil
}

// PersistentID returns the server's stable 63-bit identity, generating and
// persisting one on first use.
func (s *Store) PersistentID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.PersistentID == 0 {
		s.data.PersistentID = rand.Uint64() >> 1
		if err := s.saveLocked(); err != nil {
			return 0, err
		}
	}
	return s.data.PersistentID, nil
}

// Versions returns the stored sync versions for an origin index. The zero
// value is returned for origins that never synced.
func (s *Store) Versions(origin int64) Versions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Synchronizers[originKey(origin)]
}

// SetVersions records new sync versions for an origin index and saves.
func (s *Store) SetVersions(origin int64, v Versions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Synchronizers == nil {
		s.data.Synchronizers = make(map[string]Versions)
	}
	s.data.Synchronizers[originKey(origin)] = v
	return s.saveLocked()
}

func originKey(origin int64) string {
	return strconv.FormatInt(origin, 10)
}
