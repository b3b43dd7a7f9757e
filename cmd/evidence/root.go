package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/evidence/internal/blobstore"
	"github.com/BadgerOps/evidence/internal/config"
	"github.com/BadgerOps/evidence/internal/evidence"
	"github.com/BadgerOps/evidence/internal/render"
	"github.com/BadgerOps/evidence/internal/store"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore   *store.Store
	globalBlobs   blobstore.Store
	globalService *evidence.Service
)

// initializeComponents opens the record store and blob store and wires the
// evidence service to them
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	dbPath := globalCfg.DatabasePath()
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	blobs, err := blobstore.Open(globalCfg.BlobStore.Driver, globalCfg.BlobRoot(), globalCfg.BlobStore.Compression, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}
	globalBlobs = blobs

	var renderer render.Renderer = render.Disabled{}
	if globalCfg.Renderer.Enabled {
		r, err := render.NewHTTPRenderer(globalCfg.Renderer.URL, globalCfg.Renderer.Timeout, globalCfg.Renderer.MaxBytes, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize renderer: %w", err)
		}
		renderer = r
	}

	globalService = evidence.NewService(globalStore, globalBlobs, serviceOptions(globalCfg),
		evidence.WithHistory(globalStore),
		evidence.WithRenderer(renderer),
		evidence.WithLogger(logger),
	)

	logger.Debug("components initialized",
		"db_path", dbPath,
		"blob_driver", globalCfg.BlobStore.Driver,
		"renderer_enabled", globalCfg.Renderer.Enabled,
	)
	return nil
}

// serviceOptions maps the evidence section of the config onto the engine
func serviceOptions(cfg *config.Config) evidence.Options {
	opts := evidence.DefaultOptions()
	opts.ManifestPrefix = cfg.Evidence.ManifestPrefix
	opts.AuditPrefix = cfg.Evidence.AuditPrefix
	opts.VerifyWorkers = cfg.Evidence.VerifyWorkers
	opts.Page.Size = cfg.Renderer.PageFormat
	opts.BlobPrefixes = make([]evidence.BlobPrefix, 0, len(cfg.Evidence.BlobPrefixes))
	for _, bp := range cfg.Evidence.BlobPrefixes {
		opts.BlobPrefixes = append(opts.BlobPrefixes, evidence.BlobPrefix{Label: bp.Label, Prefix: bp.Prefix})
	}
	return opts
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":     true,
		"version":  true,
		"config":   true,
		"show":     true,
		"validate": true,
	}
	return skipInitCmds[cmd.Name()]
}

// closeComponents releases the store and blob store
func closeComponents() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
	if c, ok := globalBlobs.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Error("failed to close blob store", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Export and verify per-order evidence bundles",
		Long: `evidence assembles a deterministic, hash-verifiable ZIP bundle of everything
recorded about an order (database records, stored email attempts and
verification uploads, and a generated report), keeps a chain-of-custody log
of how the bundle was built, and later re-derives every file to detect
tampering or corruption.`,
		Example: `  evidence export --order TB-ABC1234 --out evidence-TB-ABC1234.zip
  evidence verify --order TB-ABC1234
  evidence verify --all --workers 8
  evidence history --order TB-ABC1234
  evidence serve --listen 127.0.0.1:8080`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if dataDir != "" {
				globalCfg.Server.DataDir = dataDir
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)
			}

			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newExportCmd(),
		newVerifyCmd(),
		newHistoryCmd(),
		newServeCmd(),
		newSeedCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
