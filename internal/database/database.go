// Package database opens and manages the renderd job store. SQLite is the
// default deployment; PostgreSQL and MySQL are supported through the same
// GORM surface for installations that already run one.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clipjoint/renderd/internal/config"
)

// DB wraps a GORM connection with pool management and health reporting.
type DB struct {
	*gorm.DB
	cfg    config.DatabaseConfig
	logger *slog.Logger
}

// Options tunes connection behavior.
type Options struct {
	// PrepareStmt enables prepared statement caching. Tests that wrap
	// SQLite in transactions turn it off.
	PrepareStmt bool
}

// New opens a connection for the configured driver. Pass nil opts for the
// defaults (prepared statements on).
func New(cfg config.DatabaseConfig, log *slog.Logger, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{PrepareStmt: true}
	}
	if log == nil {
		log = slog.Default()
	}

	dialector, err := openDialector(cfg)
	if err != nil {
		return nil, err
	}

	bridge := newGormLogger(cfg.LogLevel, log)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: bridge,
		// Single-statement writes don't need the implicit transaction.
		SkipDefaultTransaction: true,
		PrepareStmt:            opts.PrepareStmt,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	bridge.setSQLDB(sqlDB)

	// SQLite in WAL mode allows many readers but one writer. A small fixed
	// pool keeps progress updates, API reads, and janitor sweeps from
	// starving each other without piling up lock contention; wait_count in
	// the stats logs shows when it is too small.
	maxOpen, maxIdle := cfg.MaxOpenConns, cfg.MaxIdleConns
	if cfg.Driver == "sqlite" {
		maxOpen, maxIdle = 6, 3
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	wrapped := &DB{DB: db, cfg: cfg, logger: log}

	if cfg.Driver == "sqlite" {
		wrapped.logSQLiteConfig()
	} else {
		log.Info("database connection pool configured",
			slog.Int("max_open_conns", maxOpen),
			slog.Int("max_idle_conns", maxIdle),
		)
	}

	return wrapped, nil
}

// sqlitePragmas are applied through DSN parameters so the pure Go driver
// sets them on every pooled connection, not just the first.
var sqlitePragmas = []string{
	"busy_timeout(30000)", // wait out writer locks instead of failing
	"journal_mode(WAL)",   // concurrent readers during writes
	"synchronous(NORMAL)", // safe with WAL, much faster than FULL
	"foreign_keys(ON)",
	"cache_size(-64000)",   // 64MB page cache
	"mmap_size(268435456)", // 256MB memory-mapped reads
	"temp_store(MEMORY)",
	"wal_autocheckpoint(1000)",
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	var b strings.Builder
	b.WriteString(dsn)
	for _, p := range sqlitePragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

func openDialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(sqliteDSN(cfg.DSN)), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// WithContext returns a DB bound to ctx.
func (db *DB) WithContext(ctx context.Context) *DB {
	return &DB{DB: db.DB.WithContext(ctx), cfg: db.cfg, logger: db.logger}
}

// Transaction runs fn in a transaction, rolling back on error.
func (db *DB) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return db.DB.WithContext(ctx).Transaction(fn)
}

// Driver returns the configured driver name.
func (db *DB) Driver() string {
	return db.cfg.Driver
}

// PoolStats returns connection pool statistics for health reporting.
func (db *DB) PoolStats() (sql.DBStats, error) {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return sql.DBStats{}, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Stats(), nil
}

// StartStatsMonitor logs pool statistics every 30 minutes until ctx is
// cancelled. SQLite only; server deployments have their own pool metrics.
func (db *DB) StartStatsMonitor(ctx context.Context) {
	if db.cfg.Driver != "sqlite" {
		return
	}

	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.LogStats()
			}
		}
	}()

	db.logger.Debug("sqlite stats monitor started")
}

// LogStats logs a snapshot of the connection pool counters.
func (db *DB) LogStats() {
	stats, err := db.PoolStats()
	if err != nil {
		return
	}

	db.logger.Info("connection pool stats",
		slog.Int("max_open_conns", stats.MaxOpenConnections),
		slog.Int("open_conns", stats.OpenConnections),
		slog.Int("in_use", stats.InUse),
		slog.Int("idle", stats.Idle),
		slog.Int64("wait_count", stats.WaitCount),
		slog.String("wait_duration", stats.WaitDuration.String()),
		slog.Int64("max_idle_closed", stats.MaxIdleClosed),
		slog.Int64("max_lifetime_closed", stats.MaxLifetimeClosed),
	)
}

// logSQLiteConfig reads back the PRAGMAs so a misapplied DSN shows up in
// the startup log rather than as mystery lock errors later.
func (db *DB) logSQLiteConfig() {
	db.logger.Info("sqlite configuration",
		slog.String("journal_mode", db.pragmaString("journal_mode")),
		slog.String("synchronous", db.pragmaString("synchronous")),
		slog.Int64("busy_timeout_ms", db.pragmaInt("busy_timeout")),
		slog.Int64("cache_size", db.pragmaInt("cache_size")),
		slog.Int64("mmap_size_mb", db.pragmaInt("mmap_size")/(1024*1024)),
		slog.String("temp_store", db.pragmaString("temp_store")),
		slog.Int64("wal_autocheckpoint", db.pragmaInt("wal_autocheckpoint")),
	)
	db.LogStats()
}

func (db *DB) pragmaString(name string) string {
	var v string
	_ = db.DB.Raw("PRAGMA " + name).Scan(&v)
	return v
}

func (db *DB) pragmaInt(name string) int64 {
	var v int64
	_ = db.DB.Raw("PRAGMA " + name).Scan(&v)
	return v
}

// gormLogger bridges GORM's logger interface onto slog.
type gormLogger struct {
	logger *slog.Logger
	level  logger.LogLevel

	sqlDB        *sql.DB // for pool stats on lock contention
	statsMu      sync.Mutex
	lastStatsLog time.Time
}

func newGormLogger(level string, log *slog.Logger) *gormLogger {
	return &gormLogger{logger: log, level: gormLogLevel(level)}
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

func (l *gormLogger) setSQLDB(db *sql.DB) {
	l.sqlDB = db
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{logger: l.logger, level: level, sqlDB: l.sqlDB}
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

// slowQueryThreshold marks queries worth a warning. Batch progress writes
// can legitimately take hundreds of milliseconds.
const slowQueryThreshold = time.Second

// maxSQLLogLength caps logged SQL. Interpolated batch inserts can run to
// megabytes.
const maxSQLLogLength = 200

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLLogLength {
		return sql
	}
	return sql[:maxSQLLogLength] + "... (truncated)"
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	isError := err != nil
	isSlow := elapsed > slowQueryThreshold

	// fc() interpolates the full SQL string, which is expensive. Decide
	// whether anything will be emitted before paying for it.
	var willLog bool
	switch {
	case isError && l.level >= logger.Error:
		willLog = true
	case isSlow && l.level >= logger.Warn:
		willLog = l.logger.Enabled(ctx, slog.LevelWarn)
	case l.level >= logger.Info:
		willLog = l.logger.Enabled(ctx, slog.LevelDebug)
	}
	if !willLog {
		return
	}

	sqlStr, rows := fc()

	switch {
	case isError:
		errType := classifySQLError(err.Error())
		if errType == "SQLITE_BUSY" {
			l.logStatsOnContention()
		}
		l.logger.ErrorContext(ctx, "database error",
			slog.String("error_type", errType),
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	case isSlow:
		l.logger.WarnContext(ctx, "slow query",
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	default:
		l.logger.DebugContext(ctx, "database query",
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	}
}

func classifySQLError(msg string) string {
	switch {
	case strings.Contains(msg, "database is locked"):
		return "SQLITE_BUSY"
	case strings.Contains(msg, "context canceled"):
		return "CONTEXT_CANCELED"
	case strings.Contains(msg, "context deadline exceeded"):
		return "TIMEOUT"
	case strings.Contains(msg, "record not found"):
		return "NOT_FOUND"
	default:
		return "OTHER"
	}
}

// logStatsOnContention logs pool counters when SQLite reports a locked
// database, rate limited to once a minute.
func (l *gormLogger) logStatsOnContention() {
	if l.sqlDB == nil {
		return
	}

	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	if time.Since(l.lastStatsLog) < time.Minute {
		return
	}
	l.lastStatsLog = time.Now()

	stats := l.sqlDB.Stats()
	l.logger.Warn("connection pool stats on lock contention",
		slog.Int("max_open_conns", stats.MaxOpenConnections),
		slog.Int("open_conns", stats.OpenConnections),
		slog.Int("in_use", stats.InUse),
		slog.Int("idle", stats.Idle),
		slog.Int64("wait_count", stats.WaitCount),
		slog.String("wait_duration", stats.WaitDuration.String()),
	)
}
