package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `{
	"provider": {
		"name": "Music",
		"database_path": "/var/lib/subdaap/catalog.db",
		"state_path": "/var/lib/subdaap/state.json",
		"item_cache_dir": "/var/cache/subdaap/items",
		"item_cache_size_mb": 2048,
		"artwork_cache_dir": "/var/cache/subdaap/artwork"
	},
	"origins": [
		{
			"name": "Home",
			"url": "https://music.example.org",
			"username": "user",
			"password": "secret",
			"synchronization": "interval",
			"transcode": "unsupported",
			"transcode_unsupported": [".FLAC", "ogg"]
		}
	]
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Provider.Name != "Music" {
		t.Errorf("name = %q", cfg.Provider.Name)
	}
	if cfg.Provider.ItemCachePruneThreshold != 0.25 {
		t.Errorf("prune threshold default = %v", cfg.Provider.ItemCachePruneThreshold)
	}

	o := cfg.Origins[0]
	if o.Synchronization != SyncInterval {
		t.Errorf("synchronization = %q", o.Synchronization)
	}
	if o.SynchronizationInterval != 60 {
		t.Errorf("interval default = %d", o.SynchronizationInterval)
	}
	// Suffixes are normalized: lowercase, no leading dot.
	if o.TranscodeUnsupported[0] != "flac" || o.TranscodeUnsupported[1] != "ogg" {
		t.Errorf("suffixes = %v", o.TranscodeUnsupported)
	}
}

func TestLoad_unknownFieldRejected(t *testing.T) {
	bad := strings.Replace(validConfig, `"name": "Music",`, `"name": "Music", "typo_field": 1,`, 1)
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoad_envOverrides(t *testing.T) {
	t.Setenv("SUBDAAP_DATABASE", "/tmp/other.db")
	t.Setenv("SUBDAAP_ITEM_CACHE", "/tmp/items")

	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.DatabasePath != "/tmp/other.db" {
		t.Errorf("database path = %q", cfg.Provider.DatabasePath)
	}
	if cfg.Provider.ItemCacheDir != "/tmp/items" {
		t.Errorf("item cache dir = %q", cfg.Provider.ItemCacheDir)
	}
}

func TestValidate_errors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(s string) string
		wantSub string
	}{
		{
			"no origins",
			func(s string) string {
				i := strings.Index(s, `"origins"`)
				return s[:i] + `"origins": []` + "\n}"
			},
			"at least one origin",
		},
		{
			"bad url",
			func(s string) string {
				return strings.Replace(s, "https://music.example.org", "ftp://music.example.org", 1)
			},
			"url",
		},
		{
			"bad sync mode",
			func(s string) string {
				return strings.Replace(s, `"synchronization": "interval"`, `"synchronization": "sometimes"`, 1)
			},
			"synchronization",
		},
		{
			"same cache dirs",
			func(s string) string {
				return strings.Replace(s, "/var/cache/subdaap/artwork", "/var/cache/subdaap/items", 1)
			},
			"differ",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, c.mutate(validConfig)))
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), c.wantSub) {
				t.Errorf("error %q does not mention %q", err, c.wantSub)
			}
		})
	}
}
