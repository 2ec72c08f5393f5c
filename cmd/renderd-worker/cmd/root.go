// Package cmd implements the CLI commands for renderd-worker.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/observability"
	"github.com/clipjoint/renderd/internal/version"
	"github.com/clipjoint/renderd/internal/worker"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "renderd-worker <project_name> <output_path> <quality> <include_subtitles> <export_type> [video_id|None] [bgm_path|None] [user_tier]",
	Short:   "Render one export for renderd",
	Version: version.Short(),
	Long: `renderd-worker renders a single project export end to end.

The renderd server spawns one instance per export and reads progress as
line-delimited JSON from stdout; logs go to stderr. The positional
arguments mirror that contract, so manual invocations work for
debugging:

  renderd-worker demo /tmp/demo.mp4 balanced true combined None None pro`,
	Args:         cobra.RangeArgs(5, 8),
	SilenceUsage: true,
	RunE:         runRender,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Set PersistentPreRunE here to avoid an initialization cycle
	// (initLogging references rootCmd.PersistentFlags).
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/renderd)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initLogging configures the stderr slog logger. Stdout belongs to the
// progress stream, so everything human-readable goes to stderr.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (RENDERD_LOGGING_LEVEL, RENDERD_LOGGING_FORMAT)
//  3. Built-in defaults (info, json)
func initLogging() error {
	level := os.Getenv("RENDERD_LOGGING_LEVEL")
	format := os.Getenv("RENDERD_LOGGING_FORMAT")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}

	logCfg := config.LoggingConfig{
		Level:  strings.ToLower(level),
		Format: strings.ToLower(format),
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr).
		With(slog.String("app", "renderd-worker"))
	observability.SetDefault(logger)

	return nil
}

// runRender executes the export described by the positional arguments.
// Failures are mirrored onto stdout as an error record so the parent
// does not need to parse stderr.
func runRender(cmd *cobra.Command, argv []string) error {
	args, err := worker.ParseArgs(argv)
	if err != nil {
		worker.EmitError(os.Stdout, err.Error())
		return err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		worker.EmitError(os.Stdout, err.Error())
		return err
	}

	log := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.New(cfg, log).Run(ctx, args, os.Stdout); err != nil {
		log.Error("export failed", slog.Any("error", err))
		return err
	}
	return nil
}
