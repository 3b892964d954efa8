// Package config loads and validates the daemon configuration.
//
// Configuration is a single JSON file. Unknown fields are rejected so typos
// fail at startup instead of silently using defaults. Paths may be overridden
// via environment variables (SUBDAAP_DATABASE, SUBDAAP_ITEM_CACHE,
// SUBDAAP_ARTWORK_CACHE, SUBDAAP_STATE) for container deployments.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/basilfx/subdaap/internal/safeurl"
)

// Synchronization modes for an origin.
const (
	SyncManual   = "manual"
	SyncStartup  = "startup"
	SyncInterval = "interval"
)

// Transcode modes for an origin.
const (
	TranscodeNo          = "no"
	TranscodeUnsupported = "unsupported"
	TranscodeAll         = "all"
)

// Config is the full daemon configuration.
type Config struct {
	Provider ProviderConfig `json:"provider"`
	Origins  []OriginConfig `json:"origins"`
}

// ProviderConfig holds the local side: catalog database, state file and the
// two file caches.
type ProviderConfig struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"` // optional shared DAAP password

	DatabasePath string `json:"database_path"`
	StatePath    string `json:"state_path"`

	ItemCacheDir            string  `json:"item_cache_dir"`
	ItemCacheSizeMB         int64   `json:"item_cache_size_mb"`
	ItemCachePruneThreshold float64 `json:"item_cache_prune_threshold"`

	ArtworkCacheDir            string  `json:"artwork_cache_dir"`
	ArtworkCacheSizeMB         int64   `json:"artwork_cache_size_mb"`
	ArtworkCachePruneThreshold float64 `json:"artwork_cache_prune_threshold"`
}

// OriginConfig describes one remote Subsonic server.
type OriginConfig struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`

	Synchronization         string `json:"synchronization"`                    // manual | startup | interval
	SynchronizationInterval int    `json:"synchronization_interval,omitempty"` // minutes, for interval mode

	Transcode            string   `json:"transcode"` // no | unsupported | all
	TranscodeUnsupported []string `json:"transcode_unsupported,omitempty"`
}

// Load reads, decodes and validates the configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SUBDAAP_DATABASE"); v != "" {
		c.Provider.DatabasePath = v
	}
	if v := os.Getenv("SUBDAAP_STATE"); v != "" {
		c.Provider.StatePath = v
	}
	if v := os.Getenv("SUBDAAP_ITEM_CACHE"); v != "" {
		c.Provider.ItemCacheDir = v
	}
	if v := os.Getenv("SUBDAAP_ARTWORK_CACHE"); v != "" {
		c.Provider.ArtworkCacheDir = v
	}
}

func (c *Config) applyDefaults() {
	if c.Provider.Name == "" {
		c.Provider.Name = "SubDaap"
	}
	if c.Provider.ItemCachePruneThreshold == 0 {
		c.Provider.ItemCachePruneThreshold = 0.25
	}
	if c.Provider.ArtworkCachePruneThreshold == 0 {
		c.Provider.ArtworkCachePruneThreshold = 0.25
	}
	for i := range c.Origins {
		o := &c.Origins[i]
		if o.Synchronization == "" {
			o.Synchronization = SyncStartup
		}
		if o.Transcode == "" {
			o.Transcode = TranscodeNo
		}
		if o.Synchronization == SyncInterval && o.SynchronizationInterval <= 0 {
			o.SynchronizationInterval = 60
		}
		for j, s := range o.TranscodeUnsupported {
			o.TranscodeUnsupported[j] = strings.ToLower(strings.TrimPrefix(s, "."))
		}
	}
}

// Validate checks the configuration and returns a descriptive error for the
// first problem found.
func (c *Config) Validate() error {
	p := &c.Provider
	if p.DatabasePath == "" {
		return fmt.Errorf("config: provider.database_path required")
	}
	if p.StatePath == "" {
		return fmt.Errorf("config: provider.state_path required")
	}
	if p.ItemCacheDir == "" || p.ArtworkCacheDir == "" {
		return fmt.Errorf("config: provider item/artwork cache dirs required")
	}
	if p.ItemCacheDir == p.ArtworkCacheDir {
		return fmt.Errorf("config: item and artwork cache dirs must differ")
	}
	if p.ItemCacheSizeMB < 0 || p.ArtworkCacheSizeMB < 0 {
		return fmt.Errorf("config: cache sizes must be >= 0 (0 = unlimited)")
	}
	if t := p.ItemCachePruneThreshold; t < 0 || t >= 1 {
		return fmt.Errorf("config: item_cache_prune_threshold must be in [0, 1)")
	}
	if t := p.ArtworkCachePruneThreshold; t < 0 || t >= 1 {
		return fmt.Errorf("config: artwork_cache_prune_threshold must be in [0, 1)")
	}
	if len(c.Origins) == 0 {
		return fmt.Errorf("config: at least one origin required")
	}
	seen := map[string]struct{}{}
	for i := range c.Origins {
		o := &c.Origins[i]
		if o.Name == "" {
			return fmt.Errorf("config: origins[%d].name required", i)
		}
		if _, ok := seen[o.Name]; ok {
			return fmt.Errorf("config: duplicate origin name %q", o.Name)
		}
		seen[o.Name] = struct{}{}
		u, err := url.Parse(o.URL)
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("config: origins[%d].url invalid: %q", i, o.URL)
		}
		if !safeurl.IsHTTPOrHTTPS(o.URL) {
			return fmt.Errorf("config: origins[%d].url scheme must be http or https", i)
		}
		if o.Username == "" {
			return fmt.Errorf("config: origins[%d].username required", i)
		}
		switch o.Synchronization {
		case SyncManual, SyncStartup, SyncInterval:
		default:
			return fmt.Errorf("config: origins[%d].synchronization must be manual, startup or interval", i)
		}
		switch o.Transcode {
		case TranscodeNo, TranscodeUnsupported, TranscodeAll:
		default:
			return fmt.Errorf("config: origins[%d].transcode must be no, unsupported or all", i)
		}
	}
	return nil
}
