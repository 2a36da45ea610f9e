// Package gormstore keeps stock lines, reservations, payment claims and verification
// attempts in a SQL database through gorm. MySQL is the production target; sqlite
// serves local runs and tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"

	slowQueryThreshold = 200 * time.Millisecond
)

var ErrUnsupportedDriver = errors.New("gormstore: unsupported driver")

// Open connects to the configured database. Unique violations surface as
// gorm.ErrDuplicatedKey so repositories can map them to domain errors.
func Open(driver, dsn string, logger observability.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	if logger == nil {
		logger = observability.NopLogger()
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         newQueryLogger(logger.With(observability.F("component", "gormstore"))),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore: open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// sqlite allows one writer at a time; a single connection turns lock errors into queueing.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("gormstore: sqlite pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates or updates every table the store uses.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(
		&StockLineModel{},
		&ReservationModel{},
		&ClaimModel{},
		&AttemptModel{},
	); err != nil {
		return fmt.Errorf("gormstore: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// queryLogger routes gorm diagnostics through the service logger: failed and slow
// statements only.
type queryLogger struct {
	log   observability.Logger
	level gormlogger.LogLevel
}

func newQueryLogger(log observability.Logger) gormlogger.Interface {
	return &queryLogger{log: log, level: gormlogger.Warn}
}

func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *queryLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info("gorm_info", observability.F("detail", fmt.Sprintf(msg, args...)))
	}
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn("gorm_warn", observability.F("detail", fmt.Sprintf(msg, args...)))
	}
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error("gorm_error", observability.F("detail", fmt.Sprintf(msg, args...)))
	}
}

func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && !errors.Is(err, gorm.ErrDuplicatedKey) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.log.Warn("sql_failed",
			observability.F("sql", sql),
			observability.F("rows", rows),
			observability.F("elapsed_seconds", elapsed.Seconds()),
			observability.Err(err),
		)
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.log.Warn("sql_slow",
			observability.F("sql", sql),
			observability.F("rows", rows),
			observability.F("elapsed_seconds", elapsed.Seconds()),
		)
	}
}
