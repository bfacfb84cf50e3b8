// runlogd serves accumulated run log data over an HTTP API.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtxerr/runlog/internal/config"
	"github.com/xtxerr/runlog/internal/export"
	"github.com/xtxerr/runlog/internal/logging"
	"github.com/xtxerr/runlog/internal/multiplexer"
	"github.com/xtxerr/runlog/internal/server"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	logDir := flag.String("logdir", "", "run log directory (overrides config)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	exportDir := flag.String("export-dir", "", "Parquet export directory (overrides config)")
	exportOnce := flag.Bool("export-once", false, "load runs, write one Parquet snapshot, exit")
	noPurge := flag.Bool("no-purge", false, "disable restart detection and purging")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	logJSON := flag.Bool("log-json", false, "log in JSON format")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *logDir != "" {
		cfg.LogDir = *logDir
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *exportDir != "" {
		cfg.Export.Dir = *exportDir
	}
	if *noPurge {
		cfg.Accumulator.PurgeOrphanedData = false
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	logging.Info("runlogd starting", "version", Version)

	if cfg.LogDir == "" {
		log.Fatal("A run log directory is required (use -logdir or config)")
	}

	// =========================================================================
	// Register Runs
	// =========================================================================

	mux := multiplexer.New(cfg.AccumulatorSettings(), logging.Component("multiplexer"),
		multiplexer.WithReloadConcurrency(cfg.Server.ReloadConcurrency))
	defer mux.Close()

	if err := mux.AddRunsFromDirectory(cfg.LogDir); err != nil {
		log.Fatalf("Scan run directory: %v", err)
	}
	if len(mux.Runs()) == 0 {
		logging.Warn("no run logs found", "dir", cfg.LogDir)
	}

	// =========================================================================
	// One-Shot Export Mode
	// =========================================================================

	if *exportOnce {
		if cfg.Export.Dir == "" {
			log.Fatal("Export requires a directory (use -export-dir or config)")
		}
		start := time.Now()
		if err := mux.ReloadAll(); err != nil {
			log.Fatalf("Load runs: %v", err)
		}
		exp := export.NewExporter(mux, cfg.Export.Dir, export.Options{
			Compression:      export.ParseCompressionType(cfg.Export.Compression.Algorithm),
			CompressionLevel: cfg.Export.Compression.Level,
		})
		result, err := exp.Export()
		if err != nil {
			log.Fatalf("Export: %v", err)
		}
		logging.Info("export complete",
			"scalar_rows", result.ScalarRows,
			"percentile_rows", result.PercentileRows,
			"elapsed", time.Since(start).Round(time.Millisecond).String())
		return
	}

	// =========================================================================
	// Create and Start Server
	// =========================================================================

	srv := server.New(&server.Config{
		Mux:               mux,
		Listen:            cfg.Server.Listen,
		ReloadIntervalSec: cfg.Server.ReloadIntervalSec,
	})

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		srv.Shutdown()
	}()

	// =========================================================================
	// Run
	// =========================================================================

	if err := srv.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
