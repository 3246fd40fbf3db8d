package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/samber/do"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"memory-graph-go/config"
	"memory-graph-go/graph"
	"memory-graph-go/logging"
	"memory-graph-go/mcpserver"
	"memory-graph-go/metrics"
	"memory-graph-go/storage"
)

type rootFlags struct {
	configFile  string
	memory      string
	storageType string
	logLevel    string
}

type serveFlags struct {
	transport   string
	port        int
	autoMigrate bool
}

func newRootCmd() *cobra.Command {
	var rf rootFlags
	var sf serveFlags

	serve := func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, rf, sf)
	}

	root := &cobra.Command{
		Use:           "memory-graph",
		Short:         "Persistent knowledge graph memory served over MCP",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	root.SetVersionTemplate(fmt.Sprintf("%s version {{.Version}}\n", appName))

	pf := root.PersistentFlags()
	pf.StringVarP(&rf.configFile, "config", "c", "", "Path to a YAML config file")
	pf.StringVarP(&rf.memory, "memory", "m", "", "Path to memory file")
	pf.StringVar(&rf.storageType, "storage", "", "Storage type (sqlite or jsonl, auto-detected if not specified)")
	pf.StringVar(&rf.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	addServeFlags(root, &sf)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the knowledge graph tools (default command)",
		RunE:  serve,
	}
	addServeFlags(serveCmd, &sf)

	root.AddCommand(
		serveCmd,
		newMigrateCmd(&rf),
		newStatsCmd(&rf),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information and exit",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, version)
			},
		},
	)
	return root
}

func addServeFlags(cmd *cobra.Command, sf *serveFlags) {
	f := cmd.Flags()
	f.StringVarP(&sf.transport, "transport", "t", "stdio", "Transport type (stdio or sse)")
	f.IntVarP(&sf.port, "port", "p", 8080, "Port for SSE transport")
	f.BoolVar(&sf.autoMigrate, "auto-migrate", true, "Automatically migrate from JSONL to SQLite")
}

// loadConfig applies command line flags on top of the config file and
// environment. Flags only win when they were given explicitly.
func loadConfig(cmd *cobra.Command, rf rootFlags, extra ...func(*config.Config)) (*config.Config, error) {
	flags := cmd.Flags()
	overrides := []func(*config.Config){
		func(c *config.Config) {
			if flags.Changed("memory") {
				c.Memory.FilePath = rf.memory
			}
			if flags.Changed("storage") {
				c.Memory.Storage = rf.storageType
			}
			if flags.Changed("log-level") {
				c.Log.Level = rf.logLevel
			}
		},
	}
	return config.Load(rf.configFile, append(overrides, extra...)...)
}

func setupLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, func() { _ = closer.Close() }, nil
}

func runServe(cmd *cobra.Command, rf rootFlags, sf serveFlags) error {
	flags := cmd.Flags()
	cfg, err := loadConfig(cmd, rf, func(c *config.Config) {
		if flags.Changed("transport") {
			c.Server.Transport = sf.transport
		}
		if flags.Changed("port") {
			c.Server.Port = sf.port
		}
		if flags.Changed("auto-migrate") {
			c.Memory.AutoMigrate = sf.autoMigrate
		}
	})
	if err != nil {
		return err
	}

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := cmd.Context()
	di := newInjector(ctx, cfg, logger)
	defer func() {
		if err := di.Shutdown(); err != nil {
			logger.Error("Shutdown failed", "error", err)
		}
	}()

	srv, err := do.Invoke[*mcpserver.Server](di)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		return err
	}

	logger.Info("Starting server",
		"name", appName,
		"version", version,
		"transport", cfg.Server.Transport)

	switch cfg.Server.Transport {
	case "sse":
		m := do.MustInvoke[*metrics.Metrics](di)
		err = srv.ServeSSE(ctx, cfg.Server.Port, cfg.Server.BaseURL, m.Handler())
	default:
		err = srv.ServeStdio(ctx)
	}
	if err != nil {
		logger.Error("Server error", "error", err)
		return err
	}

	logger.Info("Server stopped")
	return nil
}

func newMigrateCmd(rf *rootFlags) *cobra.Command {
	var mc storage.MigrateCommand

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy a memory file into another storage backend",
		Example: `  memory-graph migrate --from memory.jsonl --to memory.db
  memory-graph migrate --from memory.db --to memory.jsonl --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *rf)
			if err != nil {
				return err
			}
			logger, closeLog, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			if mc.Source == "" {
				mc.Source = config.ResolveMemoryPath(cfg.Memory.FilePath)
			}

			result, err := storage.ExecuteMigration(cmd.Context(), logger, mc)
			if err != nil {
				return err
			}
			if mc.DryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "Dry run: would migrate %d entities and %d relations from %s to %s\n",
					result.EntitiesCount, result.RelationsCount, result.SourcePath, result.DestPath)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d entities and %d relations to %s\n",
				result.EntitiesCount, result.RelationsCount, result.DestPath)
			if result.BackupPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Previous destination saved as %s\n", result.BackupPath)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&mc.Source, "from", "", "Source memory file (defaults to the configured memory file)")
	f.StringVar(&mc.Destination, "to", "", "Destination memory file; its extension selects the backend")
	f.BoolVar(&mc.DryRun, "dry-run", false, "Perform a dry run of migration")
	f.BoolVar(&mc.Force, "force", false, "Force overwrite destination file during migration")
	f.BoolVarP(&mc.Verbose, "verbose", "v", false, "Log migration progress")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func newStatsCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print graph statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			// read-only: never migrate or create a memory file
			cfg, err := loadConfig(cmd, *rf, func(c *config.Config) {
				c.Memory.AutoMigrate = false
			})
			if err != nil {
				return err
			}
			logger, closeLog, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			path := cfg.StorageConfig().FilePath
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				logger.Info("Memory file does not exist", "path", path)
				return writeJSON(cmd.OutOrStdout(), graph.Stats{
					EntityTypes:   map[string]int{},
					RelationTypes: map[string]int{},
				})
			}

			di := newInjector(cmd.Context(), cfg, logger)
			defer func() { _ = di.Shutdown() }()

			store, err := do.Invoke[*graph.Store](di)
			if err != nil {
				return err
			}
			stats, err := store.GetStats(cmd.Context())
			if err != nil {
				return oops.In("stats").Wrapf(err, "failed to compute statistics")
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
