// Command subdaapd bridges one or more Subsonic servers into a DAAP
// library. It keeps a local catalog in sync with the remote libraries,
// caches audio and artwork on disk and serves an admin listener with
// metrics and maintenance triggers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/basilfx/subdaap/internal/cache"
	"github.com/basilfx/subdaap/internal/catalog"
	"github.com/basilfx/subdaap/internal/config"
	"github.com/basilfx/subdaap/internal/health"
	"github.com/basilfx/subdaap/internal/metrics"
	"github.com/basilfx/subdaap/internal/provider"
	"github.com/basilfx/subdaap/internal/scheduler"
	"github.com/basilfx/subdaap/internal/state"
	"github.com/basilfx/subdaap/internal/subsonic"
	"github.com/basilfx/subdaap/internal/synchronizer"
)

const (
	expireInterval = 5 * time.Minute
	cleanInterval  = 30 * time.Minute
	startupDelay   = 1 * time.Second

	adminConnLimit = 4
)

func main() {
	configPath := flag.String("config", "config.json", "path to configuration file")
	adminAddr := flag.String("admin-addr", "127.0.0.1:3690", "admin listener address (empty to disable)")
	recreateDB := flag.Bool("recreate-db", false, "drop and recreate the catalog database")
	verbose := flag.Bool("verbose", false, "log with source locations")
	flag.Parse()

	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	if err := run(*configPath, *adminAddr, *recreateDB); err != nil {
		log.Fatalf("main: %v", err)
	}
}

func run(configPath, adminAddr string, recreateDB bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.Provider.ItemCacheDir, cfg.Provider.ArtworkCacheDir} {
		if err := checkWritable(dir); err != nil {
			return err
		}
	}

	st, err := state.Open(cfg.Provider.StatePath)
	if err != nil {
		return err
	}

	store, err := catalog.Open(cfg.Provider.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.CreateSchema(ctx, recreateDB); err != nil {
		return err
	}

	itemCache, err := cache.New("items",
		cfg.Provider.ItemCacheDir,
		cfg.Provider.ItemCacheSizeMB*1024*1024,
		cfg.Provider.ItemCachePruneThreshold,
		true)
	if err != nil {
		return err
	}
	artworkCache, err := cache.New("artwork",
		cfg.Provider.ArtworkCacheDir,
		cfg.Provider.ArtworkCacheSizeMB*1024*1024,
		cfg.Provider.ArtworkCachePruneThreshold,
		false)
	if err != nil {
		return err
	}

	clients := make(map[int64]*subsonic.Client, len(cfg.Origins))
	for i, oc := range cfg.Origins {
		unsupported := make(map[string]bool, len(oc.TranscodeUnsupported))
		for _, suffix := range oc.TranscodeUnsupported {
			unsupported[suffix] = true
		}

		client, err := subsonic.New(subsonic.Config{
			Name:                 oc.Name,
			URL:                  oc.URL,
			Username:             oc.Username,
			Password:             oc.Password,
			Transcode:            subsonic.TranscodeMode(oc.Transcode),
			TranscodeUnsupported: unsupported,
		})
		if err != nil {
			return err
		}
		clients[int64(i)] = client
	}

	providerOrigins := make(map[int64]provider.Origin, len(clients))
	managerOrigins := make(map[int64]cache.Origin, len(clients))
	for i, c := range clients {
		providerOrigins[i] = c
		managerOrigins[i] = c
	}

	prov := provider.New(cfg.Provider.Name, store, itemCache, artworkCache, providerOrigins)
	manager := cache.NewManager(store, itemCache, artworkCache, managerOrigins)

	syncs := make(map[int64]*synchronizer.Synchronizer, len(clients))
	for i, c := range clients {
		syncs[i] = synchronizer.New(c, i, store, st, prov)
	}

	// One sync round: every origin in the set, then prefetch pinned files.
	synchronize := func(ctx context.Context, initial bool, indices []int64) {
		for _, i := range indices {
			if err := syncs[i].Synchronize(ctx, initial); err != nil {
				log.Printf("main: synchronization failed origin=%s error=%v", syncs[i].Name(), err)
			}
		}
		if err := manager.Cache(ctx); err != nil {
			log.Printf("main: cache prefetch failed error=%v", err)
		}
	}

	sched := scheduler.New()
	defer sched.Stop()

	var startup, interval []int64
	for i, oc := range cfg.Origins {
		switch oc.Synchronization {
		case config.SyncStartup:
			startup = append(startup, int64(i))
		case config.SyncInterval:
			interval = append(interval, int64(i))
			i := int64(i)
			minutes := time.Duration(oc.SynchronizationInterval) * time.Minute
			sched.Every("sync "+oc.Name, minutes, func(ctx context.Context) {
				synchronize(ctx, false, []int64{i})
			})
		}
	}
	if len(startup) > 0 || len(interval) > 0 {
		// Interval origins get an initial pass at startup too.
		initial := append(append([]int64{}, startup...), interval...)
		sched.Once("startup sync", startupDelay, func(ctx context.Context) {
			synchronize(ctx, true, initial)
		})
	}

	sched.Every("cache expire", expireInterval, func(context.Context) {
		manager.Expire()
	})
	sched.Every("cache clean", cleanInterval, func(context.Context) {
		manager.Clean(false)
	})

	pingers := make([]health.Pinger, 0, len(clients))
	for _, c := range clients {
		pingers = append(pingers, c)
	}
	checker := health.NewChecker(pingers)

	var admin *http.Server
	if adminAddr != "" {
		admin, err = serveAdmin(adminAddr, manager, checker, func(ctx context.Context) {
			all := make([]int64, 0, len(syncs))
			for i := range cfg.Origins {
				all = append(all, int64(i))
			}
			synchronize(ctx, false, all)
		})
		if err != nil {
			return err
		}
		defer admin.Close()
	}

	log.Printf("main: started name=%s origins=%d revision=%d", cfg.Provider.Name, len(clients), prov.Revision())

	<-ctx.Done()
	log.Printf("main: shutting down")
	return nil
}

// serveAdmin starts the maintenance listener: prometheus metrics, origin
// health plus manual sync and clean triggers.
func serveAdmin(addr string, manager *cache.Manager, checker *health.Checker, syncAll func(ctx context.Context)) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("main: admin listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checker.Handler())
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		go syncAll(context.Background())
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintln(w, "synchronization started")
	})
	mux.HandleFunc("/clean", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		force := r.URL.Query().Get("force") == "1"
		manager.Clean(force)
		fmt.Fprintln(w, "clean complete")
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(netutil.LimitListener(ln, adminConnLimit)); err != nil && err != http.ErrServerClosed {
			log.Printf("main: admin listener failed error=%v", err)
		}
	}()

	log.Printf("main: admin listener started addr=%s", ln.Addr())
	return srv, nil
}

// checkWritable verifies a cache directory can actually be written to
// before any download starts.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("main: create cache directory %s: %w", dir, err)
	}

	probe := filepath.Join(dir, ".writable")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return fmt.Errorf("main: cache directory %s is not writable: %w", dir, err)
	}
	os.Remove(probe)
	return nil
}
