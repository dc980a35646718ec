// Package store owns the relational database connection used for users,
// entries and reminder logs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mindforms_diary_bot/internal/config"
	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/logging"
)

// openDB is overridable for tests.
var openDB = func(dialector gorm.Dialector, cfg *gorm.Config) (*gorm.DB, error) {
	return gorm.Open(dialector, cfg)
}

// Manager owns the GORM handle.
type Manager struct {
	db *gorm.DB
}

// NewManager opens PostgreSQL when DATABASE_URL is set and SQLite otherwise,
// verifies connectivity and migrates the schema.
func NewManager(ctx context.Context, cfg config.Config, log *logrus.Entry) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if log == nil {
		log = logging.Logger()
	}

	dialector := dialectorFor(cfg)
	db, err := openDB(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialector.Name(), err)
	}

	m := &Manager{db: db}
	if err := m.Ping(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}

	if err := m.Migrate(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}

	fields := logging.Fields{
		"event":   "db_connected",
		"backend": strings.ToLower(db.Dialector.Name()),
	}
	if cfg.DatabaseURL == "" {
		fields["sqlite_path"] = cfg.SQLitePath
	}
	log.WithFields(fields).Info("database ready")

	return m, nil
}

func dialectorFor(cfg config.Config) gorm.Dialector {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		return postgres.Open(cfg.DatabaseURL)
	}

	path := cfg.SQLitePath
	if strings.TrimSpace(path) == "" {
		path = config.DefaultSQLitePath
	}
	return sqlite.Open(path)
}

// DB returns the GORM handle.
func (m *Manager) DB() *gorm.DB {
	if m == nil {
		return nil
	}
	return m.db
}

// Migrate creates or updates the tables and indexes for every model.
func (m *Manager) Migrate(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	if err := m.db.WithContext(ctx).AutoMigrate(domain.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	return nil
}

// Ping checks database connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}

	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}

	return sqlDB.Close()
}
