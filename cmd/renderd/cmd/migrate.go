package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/database"
	"github.com/clipjoint/renderd/internal/database/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database schema management commands",
	Long: `Commands for applying and inspecting database schema migrations.

serve applies pending migrations automatically on startup; these commands
exist for operating on the schema without starting the server.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE:  runMigrateDown,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of all known migrations",
	RunE:  runMigrateStatus,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}

// openMigrator loads the configuration and opens the job store.
func openMigrator() (*database.DB, *migrations.Migrator, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	db, err := database.New(cfg.Database, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing database: %w", err)
	}

	migrator := migrations.NewMigrator(db.DB, nil)
	migrator.RegisterAll(migrations.AllMigrations())
	return db, migrator, nil
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	db, migrator, err := openMigrator()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	pending, err := migrator.Pending(cmd.Context())
	if err != nil {
		return fmt.Errorf("checking pending migrations: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("schema is up to date")
		return nil
	}

	if err := migrator.Up(cmd.Context()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	fmt.Printf("applied %d migration(s)\n", len(pending))
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	db, migrator, err := openMigrator()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := migrator.Down(cmd.Context()); err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	db, migrator, err := openMigrator()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	statuses, err := migrator.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}

	for _, st := range statuses {
		state := "pending"
		if st.Applied {
			state = "applied " + st.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-6s %-28s %s\n", st.Version, state, st.Description)
	}
	return nil
}
