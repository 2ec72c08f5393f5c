package migrations

import (
	"gorm.io/gorm"

	"github.com/clipjoint/renderd/internal/models"
)

// AllMigrations returns every known migration in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002RetentionIndex(),
	}
}

// migration001Schema creates the export job tables from the model
// definitions.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create export job tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.ExportJob{},
			)
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("export_jobs")
		},
	}
}

// migration002RetentionIndex indexes finished jobs by status and completion
// time. The janitor's retention sweep filters on both columns.
func migration002RetentionIndex() Migration {
	const name = "idx_export_jobs_retention"
	return Migration{
		Version:     "002",
		Description: "Index finished jobs for retention sweeps",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.ExportJob{}, name) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + name + " ON export_jobs (status, completed_at)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.ExportJob{}, name) {
				return nil
			}
			return tx.Migrator().DropIndex(&models.ExportJob{}, name)
		},
	}
}
