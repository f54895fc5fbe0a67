package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationManager applies the embedded schema migrations.
type MigrationManager struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *sql.DB, logger *zap.Logger) *MigrationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MigrationManager{
		db:     db,
		logger: logger.With(zap.String("component", "migrations")),
	}
}

// ApplyMigrations applies all pending migrations. Already applied
// migrations are skipped, so it is safe to call on every start.
func (m *MigrationManager) ApplyMigrations() error {
	migrator, err := m.newMigrator()
	if err != nil {
		return err
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("getting migration version: %w", err)
	}

	if dirty {
		m.logger.Warn("database migration state is dirty", zap.Uint("version", version))
	} else {
		m.logger.Info("database migrations complete", zap.Uint("version", version))
	}
	return nil
}

// Version returns the current schema version and dirty flag.
func (m *MigrationManager) Version() (uint, bool, error) {
	migrator, err := m.newMigrator()
	if err != nil {
		return 0, false, err
	}
	return migrator.Version()
}

// Down rolls back every migration. Destroys all session data.
func (m *MigrationManager) Down() error {
	migrator, err := m.newMigrator()
	if err != nil {
		return err
	}
	if err := migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	return nil
}

// newMigrator builds a migrator over the shared pool. The migrator is never
// closed because closing the driver would close the pool as well.
func (m *MigrationManager) newMigrator() (*migrate.Migrate, error) {
	driver, err := sqlite3.WithInstance(m.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating sqlite3 migration driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return migrator, nil
}
