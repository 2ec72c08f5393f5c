// Package cmd implements the CLI commands for renderd.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/observability"
	"github.com/clipjoint/renderd/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "renderd",
	Short:   "Video export rendering service",
	Version: version.Short(),
	Long: `renderd is the rendering backend of a non-linear video editor.

It accepts export requests over a REST API, queues and schedules them,
and renders each one in an isolated renderd-worker subprocess while
streaming progress to clients over a websocket.`,
	// PersistentPreRunE is set in init() to avoid an initialization cycle
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

// initLogging configures a bootstrap logger before the config file is
// read. serve rebuilds it from the loaded configuration; flags still win
// there via loggingOverrides.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (RENDERD_LOGGING_LEVEL, RENDERD_LOGGING_FORMAT)
//  3. Built-in defaults (info, json)
func initLogging() error {
	logCfg := loggingOverrides(config.LoggingConfig{
		Level:  os.Getenv("RENDERD_LOGGING_LEVEL"),
		Format: os.Getenv("RENDERD_LOGGING_FORMAT"),
	})

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr).
		With(slog.String("app", "renderd"))
	observability.SetDefault(logger)

	return nil
}

// loggingOverrides applies explicitly-set CLI flags on top of cfg and
// fills in defaults. Flags are not bound to viper because the flag layer
// would always override env/config, even at the flag's default value.
func loggingOverrides(cfg config.LoggingConfig) config.LoggingConfig {
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		cfg.Format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}

	cfg.Level = strings.ToLower(cfg.Level)
	cfg.Format = strings.ToLower(cfg.Format)
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}
	return cfg
}
