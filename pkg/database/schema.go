package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that the migrated schema matches what the store
// expects. Used by health checks and at startup.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order and returns the first failure.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.ValidateConstraints()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"kiosk_sessions":    "Kiosk session records",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	sessionColumns := map[string]string{
		"kiosk_id":            "TEXT",
		"account_id":          "TEXT",
		"user_name":           "TEXT",
		"user_email":          "TEXT",
		"status":              "TEXT",
		"start_time":          "INTEGER",
		"last_heartbeat":      "INTEGER",
		"disconnected_at":     "INTEGER",
		"disconnected_reason": "TEXT",
	}

	if err := v.validateColumns("kiosk_sessions", sessionColumns); err != nil {
		return fmt.Errorf("kiosk_sessions table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that the reconciliation and dashboard indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_kiosk_sessions_status_heartbeat": "Stale and purge scans",
		"idx_kiosk_sessions_status_start":     "Active sessions ordered by start",
		"idx_kiosk_sessions_account":          "Ownership filtering",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints probes the lifecycle CHECK constraints inside a
// transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin constraint probe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	probes := []struct {
		name string
		sql  string
	}{
		{
			name: "status enum",
			sql: `INSERT INTO kiosk_sessions (kiosk_id, status, start_time, last_heartbeat)
				VALUES ('KIOSK-__probe_status', 'paused', 0, 0)`,
		},
		{
			name: "active without disconnect data",
			sql: `INSERT INTO kiosk_sessions (kiosk_id, status, start_time, last_heartbeat, disconnected_at)
				VALUES ('KIOSK-__probe_active', 'active', 0, 0, 1)`,
		},
		{
			name: "disconnected requires disconnected_at",
			sql: `INSERT INTO kiosk_sessions (kiosk_id, status, start_time, last_heartbeat)
				VALUES ('KIOSK-__probe_disconnected', 'disconnected', 0, 0)`,
		},
	}

	for _, probe := range probes {
		if _, err := tx.Exec(probe.sql); err == nil {
			return fmt.Errorf("check constraint not enforced: %s", probe.name)
		}
	}

	return nil
}

// tableExists checks if a table exists in the database
func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// indexExists checks if an index exists in the database
func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
