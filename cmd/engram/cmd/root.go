// Package cmd provides the CLI commands for engram.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/engramkit/engram/internal/config"
	"github.com/engramkit/engram/internal/engine"
	"github.com/engramkit/engram/internal/events"
	"github.com/engramkit/engram/internal/logging"
	"github.com/engramkit/engram/pkg/version"
)

var (
	configPath string
	dbPath     string
	projectID  string
)

// NewRootCmd creates the root command for the engram CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engram",
		Short: "Persistent semantic memory engine for autonomous agents",
		Long: `Engram keeps an agent's knowledge in a tiered, decaying store,
stitches it into a typed relationship graph, and answers context-aware
retrieval queries that fuse semantic similarity, graph traversal, and
situational boosts.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "database file (overrides config)")
	cmd.PersistentFlags().StringVarP(&projectID, "project", "p", "default", "project identifier")

	cmd.AddCommand(
		newIngestCmd(),
		newQueryCmd(),
		newTickCmd(),
		newDecayCmd(),
		newMaintainCmd(),
		newStatsCmd(),
		newExportArchiveCmd(),
	)
	return cmd
}

// openEngine loads config, sets up logging, and opens the engine. The
// returned cleanup closes both.
func openEngine() (*engine.Engine, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}

	logger, logCleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: false,
	})
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.Open(cfg,
		engine.WithLogger(logger),
		engine.WithEventSink(events.SlogSink{Logger: logger}),
	)
	if err != nil {
		logCleanup()
		return nil, nil, err
	}
	cleanup := func() {
		_ = eng.Close()
		logCleanup()
	}
	return eng, cleanup, nil
}
