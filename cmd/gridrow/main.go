// Package main implements the unified gridrow binary.
// It opens the row store and either lists its tables, runs every data sync
// once, or keeps syncing on an interval until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridrow/gridrow/internal/config"
	"github.com/gridrow/gridrow/internal/datasync"
	"github.com/gridrow/gridrow/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		interval    time.Duration
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "list", "Run mode: list, sync, daemon")
	flag.DurationVar(&interval, "interval", 0, "Sync interval in daemon mode (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Gridrow - Embedded No-Code Table Engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: gridrow [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  gridrow --data-dir /data/gridrow\n")
		fmt.Fprintf(os.Stderr, "  gridrow --mode sync --data-dir /data/gridrow\n")
		fmt.Fprintf(os.Stderr, "  gridrow --mode daemon --config /etc/gridrow/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  GRIDROW_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  GRIDROW_STORE_PATH      Path to the store database file\n")
		fmt.Fprintf(os.Stderr, "  GRIDROW_SYNC_INTERVAL   Period between daemon sync runs\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("gridrow version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if interval > 0 {
		cfg.Sync.Interval = interval
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.Open(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	engine := datasync.New(s, cfg.Sync)
	defer engine.Close()
	engine.RegisterSource("postgres", datasync.NewPostgresSource)
	engine.RegisterSource("ical", datasync.NewICalSource)

	switch mode {
	case "list":
		listTables(s)
	case "sync":
		if err := syncAll(ctx, s, engine); err != nil {
			os.Exit(1)
		}
	case "daemon":
		runDaemon(ctx, cancel, s, engine, cfg.Sync.Interval)
	default:
		log.Fatalf("Unknown mode: %s (want list, sync, or daemon)", mode)
	}
}

// loadConfig loads configuration from file, environment, and flags.
func loadConfig(configFile, dataDir string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func listTables(s *store.Store) {
	tables := s.Tables()
	if len(tables) == 0 {
		fmt.Println("No tables.")
		return
	}
	for _, table := range tables {
		rows, err := s.QueryRows(table.ID, store.Query{})
		if err != nil {
			log.Printf("main: counting rows of table %d: %v", table.ID, err)
			continue
		}
		fmt.Printf("%6d  %-30s %d fields, %d rows\n", table.ID, table.Name, len(table.Fields), len(rows))
	}
}

func syncAll(ctx context.Context, s *store.Store, engine *datasync.Engine) error {
	recs, err := s.DataSyncs(ctx)
	if err != nil {
		log.Printf("main: listing data syncs: %v", err)
		return err
	}
	var failed bool
	for _, rec := range recs {
		if err := engine.Sync(ctx, rec.ID, nil); err != nil {
			log.Printf("main: sync %s failed: %v", rec.ID, err)
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("one or more syncs failed")
	}
	return nil
}

func runDaemon(ctx context.Context, cancel context.CancelFunc, s *store.Store, engine *datasync.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log.Printf("main: daemon syncing every %s", interval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = syncAll(ctx, s, engine)
	for {
		select {
		case sig := <-sigCh:
			log.Printf("main: received signal: %v", sig)
			cancel()
			return
		case <-ticker.C:
			_ = syncAll(ctx, s, engine)
		}
	}
}
