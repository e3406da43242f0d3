// Package main implements gridrow-sync, which runs one data sync by id and
// exits non-zero when the run fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/gridrow/gridrow/internal/config"
	"github.com/gridrow/gridrow/internal/datasync"
	"github.com/gridrow/gridrow/internal/observability"
	"github.com/gridrow/gridrow/internal/store"
)

func main() {
	var (
		configFile string
		dataDir    string
		syncID     string
		listSyncs  bool
		quiet      bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&syncID, "id", "", "Data sync id to run")
	flag.BoolVar(&listSyncs, "list", false, "List data syncs and exit")
	flag.BoolVar(&quiet, "quiet", false, "Suppress the progress bar")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "gridrow-sync - Run a data sync\n\n")
		fmt.Fprintf(os.Stderr, "Usage: gridrow-sync --id <data-sync-id> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	s, err := store.Open(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	engine := datasync.New(s, cfg.Sync)
	defer engine.Close()
	engine.RegisterSource("postgres", datasync.NewPostgresSource)
	engine.RegisterSource("ical", datasync.NewICalSource)

	if listSyncs {
		recs, err := s.DataSyncs(ctx)
		if err != nil {
			log.Fatalf("Failed to list data syncs: %v", err)
		}
		for _, rec := range recs {
			last := "never"
			if !rec.LastSync.IsZero() {
				last = rec.LastSync.Format(time.RFC3339)
			}
			fmt.Printf("%s  table=%d source=%s last=%s", rec.ID, rec.TableID, rec.SourceType, last)
			if rec.LastError != "" {
				fmt.Printf(" error=%q", rec.LastError)
			}
			fmt.Println()
		}
		return
	}

	if syncID == "" {
		flag.Usage()
		os.Exit(2)
	}

	var progress observability.Progress = observability.NoopProgress{}
	if !quiet {
		bar := progressbar.NewOptions64(-1,
			progressbar.OptionSetDescription("Syncing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionOnCompletion(func() { fmt.Fprint(os.Stderr, "\n") }),
		)
		progress = observability.ProgressFunc(func(by int, state string) {
			bar.Describe("Syncing: " + state)
			_ = bar.Add(by)
		})
	}

	if err := engine.Sync(ctx, syncID, progress); err != nil {
		log.Printf("Sync %s failed: %v", syncID, err)
		os.Exit(1)
	}
	fmt.Printf("Sync %s completed\n", syncID)
}

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
