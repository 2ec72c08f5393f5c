// Package migrations tracks and applies schema changes for renderd.
// Each migration runs inside a transaction and is recorded in the
// schema_migrations table, keyed by version.
package migrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"
)

// Migration is one schema change. Down may be nil when the change cannot
// be reversed.
type Migration struct {
	Version     string
	Description string
	Up          func(tx *gorm.DB) error
	Down        func(tx *gorm.DB) error
}

// MigrationRecord is the bookkeeping row for an applied migration.
type MigrationRecord struct {
	ID          uint      `gorm:"primarykey"`
	Version     string    `gorm:"uniqueIndex;not null"`
	Description string    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

func (MigrationRecord) TableName() string { return "schema_migrations" }

// MigrationStatus pairs a known migration with its applied state.
type MigrationStatus struct {
	Version     string
	Description string
	Applied     bool
	AppliedAt   *time.Time
}

// Migrator applies registered migrations in version order.
type Migrator struct {
	db         *gorm.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrator creates a migrator bound to the given connection.
func NewMigrator(db *gorm.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, logger: logger}
}

// RegisterAll adds migrations to the set this migrator manages.
func (m *Migrator) RegisterAll(migrations []Migration) {
	m.migrations = append(m.migrations, migrations...)
}

// Init creates the bookkeeping table.
func (m *Migrator) Init(ctx context.Context) error {
	return m.db.WithContext(ctx).AutoMigrate(&MigrationRecord{})
}

// Up applies every registered migration that has not run yet.
func (m *Migrator) Up(ctx context.Context) error {
	applied, err := m.prepare(ctx)
	if err != nil {
		return err
	}

	for _, mg := range m.sorted() {
		if _, done := applied[mg.Version]; done {
			continue
		}

		m.logger.InfoContext(ctx, "applying migration",
			slog.String("version", mg.Version),
			slog.String("description", mg.Description))

		if err := m.apply(ctx, mg); err != nil {
			return fmt.Errorf("applying migration %s: %w", mg.Version, err)
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if _, err := m.prepare(ctx); err != nil {
		return err
	}

	var last MigrationRecord
	err := m.db.WithContext(ctx).Order("version DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		m.logger.InfoContext(ctx, "no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding last migration: %w", err)
	}

	var target *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last.Version {
			target = &m.migrations[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no definition for applied migration %s", last.Version)
	}
	if target.Down == nil {
		return fmt.Errorf("migration %s cannot be rolled back", last.Version)
	}

	m.logger.InfoContext(ctx, "rolling back migration",
		slog.String("version", target.Version),
		slog.String("description", target.Description))

	if err := m.rollback(ctx, *target); err != nil {
		return fmt.Errorf("rolling back migration %s: %w", target.Version, err)
	}
	return nil
}

// Status reports every registered migration and whether it has run.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.prepare(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(m.migrations))
	for _, mg := range m.sorted() {
		st := MigrationStatus{Version: mg.Version, Description: mg.Description}
		if rec, ok := applied[mg.Version]; ok {
			st.Applied = true
			at := rec.AppliedAt
			st.AppliedAt = &at
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Pending returns the migrations Up would run, in order.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := m.prepare(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]Migration, 0)
	for _, mg := range m.sorted() {
		if _, done := applied[mg.Version]; !done {
			pending = append(pending, mg)
		}
	}
	return pending, nil
}

// prepare ensures the bookkeeping table exists and loads applied records.
func (m *Migrator) prepare(ctx context.Context) (map[string]MigrationRecord, error) {
	if err := m.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing migrations table: %w", err)
	}

	var records []MigrationRecord
	if err := m.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("loading applied migrations: %w", err)
	}

	applied := make(map[string]MigrationRecord, len(records))
	for _, rec := range records {
		applied[rec.Version] = rec
	}
	return applied, nil
}

// sorted returns the registered migrations in version order without
// reordering the registry itself.
func (m *Migrator) sorted() []Migration {
	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// apply runs one migration and records it, atomically.
func (m *Migrator) apply(ctx context.Context, mg Migration) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := mg.Up(tx); err != nil {
			return err
		}
		return tx.Create(&MigrationRecord{
			Version:     mg.Version,
			Description: mg.Description,
			AppliedAt:   time.Now().UTC(),
		}).Error
	})
}

// rollback reverses one migration and deletes its record, atomically.
func (m *Migrator) rollback(ctx context.Context, mg Migration) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := mg.Down(tx); err != nil {
			return err
		}
		return tx.Where("version = ?", mg.Version).Delete(&MigrationRecord{}).Error
	})
}
