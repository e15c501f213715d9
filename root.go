package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vellum-io/vellum/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg and rootLogger hold the effective configuration and logger
// built by PersistentPreRunE; available to all subcommands.
var (
	resolvedCfg *config.Config
	rootLogger  *slog.Logger
	logCleanup  = func() error { return nil }
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "vellum",
		Short:   "Transform orchestration and reconciliation engine",
		Long:    "Vellum dispatches document transform batches to workers over a durable outbox and reconciles whatever gets lost along the way.",
		Version: version,
		// Silence Cobra's default error/usage printing; we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setup()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newTriggerCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newReconcileCmd())

	return cmd
}

// setup loads configuration and builds the logger. CLI verbosity flags
// override the config-file log level because flags always win.
func setup() error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := parseLevel(cfg.LogLevel)

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	resolvedCfg = cfg
	rootLogger, logCleanup = buildLogger(cfg.LogFile, level)

	return nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
