package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/database"
	"github.com/clipjoint/renderd/internal/database/migrations"
	internalhttp "github.com/clipjoint/renderd/internal/http"
	"github.com/clipjoint/renderd/internal/http/handlers"
	"github.com/clipjoint/renderd/internal/janitor"
	"github.com/clipjoint/renderd/internal/observability"
	"github.com/clipjoint/renderd/internal/orchestrator"
	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/repository"
	"github.com/clipjoint/renderd/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the renderd server",
	Long: `Start the renderd HTTP server and export orchestrator.

The server provides:
- REST API for starting, inspecting, and cancelling exports
- Per-job progress streaming at /export/progress/{id} (websocket)
- Health check endpoint
- OpenAPI documentation at /openapi.json`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Flags override the config file and environment only when set;
	// see loggingOverrides for why they are not bound to viper.
	serveCmd.Flags().String("host", "", "host to bind to")
	serveCmd.Flags().Int("port", 0, "port to listen on")
	serveCmd.Flags().String("base-dir", "", "storage base directory")
	serveCmd.Flags().String("database", "", "database DSN")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd, cfg)

	// Rebuild the logger now that file and env settings are known.
	logger := observability.NewLoggerWithWriter(loggingOverrides(cfg.Logging), os.Stderr).
		With(slog.String("app", "renderd"))
	observability.SetDefault(logger)

	if err := cfg.Storage.EnsureDirs(); err != nil {
		return fmt.Errorf("preparing storage directories: %w", err)
	}

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() { _ = db.Close() }()

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(cmd.Context()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	jobRepo := repository.NewExportJobRepository(db.DB)
	store := project.NewStore(cfg.Storage.ProjectsPath(), cfg.Render.ProjectLockTimeout, logger)

	orc := orchestrator.New(cfg, jobRepo, store, logger)
	if err := orc.RecoverStale(cmd.Context()); err != nil {
		logger.Warn("recovering stale export jobs",
			slog.String("error", err.Error()))
	}
	orc.Start()

	var jan *janitor.Janitor
	if cfg.Janitor.Enabled {
		jan = janitor.New(cfg, jobRepo, logger)
		if err := jan.Start(cmd.Context()); err != nil {
			return fmt.Errorf("starting janitor: %w", err)
		}
	}

	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	if cfg.Server.ReadTimeout > 0 {
		serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	}
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	if cfg.Server.ShutdownTimeout > 0 {
		serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	serverConfig.CORSOrigins = cfg.Server.CORSOrigins

	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	healthHandler := handlers.NewHealthHandler(version.Version).
		WithDB(db).
		WithOrchestrator(orc)
	healthHandler.Register(server.API())

	exportHandler := handlers.NewExportHandler(orc)
	exportHandler.Register(server.API())

	progressHandler := handlers.NewProgressHandler(orc, logger)
	progressHandler.RegisterWebsocket(server.Router())

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	db.StartStatsMonitor(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting renderd server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version))

	serveErr := server.ListenAndServe(ctx)

	// The HTTP server has stopped accepting requests; now terminate
	// running workers, then the background sweeps.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer shutdownCancel()
	if err := orc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete",
			slog.String("error", err.Error()))
	}
	if jan != nil {
		jan.Stop()
	}

	logger.Info("renderd server stopped")
	return serveErr
}

// applyServeFlags overrides loaded configuration with explicitly-set
// serve flags, preserving flag > env > config > default priority.
// Visit only yields flags the user actually passed.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "host":
			cfg.Server.Host = f.Value.String()
		case "port":
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		case "base-dir":
			cfg.Storage.BaseDir = f.Value.String()
		case "database":
			cfg.Database.DSN = f.Value.String()
		}
	})
}
