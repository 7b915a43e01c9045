// meterflowd is the datum storage and aggregation daemon.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/logging"
	"github.com/xtxerr/meterflow/internal/storage"
	"github.com/xtxerr/meterflow/internal/storage/config"
	"github.com/xtxerr/meterflow/internal/storage/duck"
	"github.com/xtxerr/meterflow/internal/storage/memrepo"
	"github.com/xtxerr/meterflow/internal/storage/repo"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dbPath := flag.String("db", "", "database path (overrides config; empty uses memory)")
	workers := flag.Int("workers", 0, "worker count (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *workers > 0 {
		cfg.Worker.Count = *workers
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	logger := logging.Component("meterflowd")
	logger.Info("starting", "version", Version)

	// Repository: DuckDB when a path is configured, in-memory otherwise.
	var r repo.Repository
	if cfg.DatabasePath != "" {
		db, err := duck.Open(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("Open database: %v", err)
		}
		defer db.Close()
		r = db
	} else {
		logger.Warn("no database path configured, using in-memory repository")
		r = memrepo.New()
	}

	svc := storage.New(cfg, r)
	if err := svc.Start(context.Background()); err != nil {
		log.Fatalf("Start service: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	if err := svc.Stop(); err != nil {
		logger.Error("stop service", "error", err)
	}
}
