// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

// TestNewMigrator verifies Migrator initialization.
func TestNewMigrator(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{}
	m := NewMigrator(db, fsys)

	if m == nil {
		t.Fatal("NewMigrator() returned nil")
	}

	if m.db != db {
		t.Error("Migrator.db not set correctly")
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	defer db.Close()

	m := NewMigrator(db, fstest.MapFS{})

	err = m.Initialize()
	if err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	// Verify table exists
	var tableName string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("schema_migrations table not found: %v", err)
	}

	// Verify table structure by inserting a test row
	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	defer db.Close()

	m := NewMigrator(db, fstest.MapFS{})

	// Before initialization
	_, err = m.CurrentVersion()
	if err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	// Initialize and check version 0
	err = m.Initialize()
	if err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}

	// Insert a migration
	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "V1__initial", strings.Repeat("a", 64))
	if err != nil {
		t.Fatalf("Failed to insert migration: %v", err)
	}

	version, err = m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}
}

// TestGetAppliedMigrations verifies migration listing.
func TestGetAppliedMigrations(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	defer db.Close()

	m := NewMigrator(db, fstest.MapFS{})

	err = m.Initialize()
	if err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	// Initially empty
	migrations, err := m.GetAppliedMigrations()
	if err != nil {
		t.Errorf("GetAppliedMigrations() failed: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("GetAppliedMigrations() = %d, want 0", len(migrations))
	}

	// Insert test migrations
	checksum := strings.Repeat("a", 64)
	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 1000, "V1__initial", checksum)
	if err != nil {
		t.Fatalf("Failed to insert migration 1: %v", err)
	}
	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		2, 2000, "V2__add_column", checksum)
	if err != nil {
		t.Fatalf("Failed to insert migration 2: %v", err)
	}

	migrations, err = m.GetAppliedMigrations()
	if err != nil {
		t.Errorf("GetAppliedMigrations() failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Errorf("GetAppliedMigrations() = %d, want 2", len(migrations))
	}

	// Verify order (should be sorted by version)
	if migrations[0].Version != 1 {
		t.Errorf("First migration version = %d, want 1", migrations[0].Version)
	}
	if migrations[1].Version != 2 {
		t.Errorf("Second migration version = %d, want 2", migrations[1].Version)
	}
}

// TestUp_noMigrations verifies Up succeeds when no migrations exist.
func TestUp_noMigrations(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	defer db.Close()

	m := NewMigrator(db, fstest.MapFS{})

	err = m.Initialize()
	if err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	// Up should succeed with no migrations
	err = m.Up()
	if err != nil {
		t.Errorf("Up() with no migrations failed: %v", err)
	}
}

// TestDown_noMigrations verifies error when no migrations to rollback.
func TestDown_noMigrations(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	defer db.Close()

	m := NewMigrator(db, fstest.MapFS{})

	err = m.Initialize()
	if err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	err = m.Down()
	if err == nil {
		t.Error("Down() with no migrations should return error")
	}
	if !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Error message should mention 'no migrations to rollback', got: %v", err)
	}
}

// TestUp_appliesMigration verifies migration files are applied in order
// and re-running Up skips already applied versions.
func TestUp_appliesMigration(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"V1__test_migration.up.sql": &fstest.MapFile{
			Data: []byte(`CREATE TABLE test_table (id INTEGER PRIMARY KEY, name TEXT);`),
		},
		"V2__add_index.up.sql": &fstest.MapFile{
			Data: []byte(`CREATE INDEX idx_test_table_name ON test_table(name);`),
		},
		"notes.txt": &fstest.MapFile{
			Data: []byte(`not a migration`),
		},
	}
	m := NewMigrator(db, fsys)

	err = m.Initialize()
	if err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	// Apply migrations
	err = m.Up()
	if err != nil {
		t.Errorf("Up() failed: %v", err)
	}

	// Verify table was created
	var tableName string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='test_table'").Scan(&tableName)
	if err != nil {
		t.Errorf("Migration not applied: %v", err)
	}

	// Verify migrations were recorded
	version, err := m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}

	// Running Up again should skip already applied migrations
	err = m.Up()
	if err != nil {
		t.Errorf("Up() second time failed: %v", err)
	}

	// Checksums are recorded for every applied migration
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	for _, mig := range applied {
		if len(mig.Checksum) != 64 {
			t.Errorf("Migration V%d checksum length = %d, want 64", mig.Version, len(mig.Checksum))
		}
	}
}

// TestDown_rollsBackLastMigration verifies the matching .down.sql is applied.
func TestDown_rollsBackLastMigration(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"V1__test_migration.up.sql": &fstest.MapFile{
			Data: []byte(`CREATE TABLE test_table (id INTEGER PRIMARY KEY);`),
		},
		"V1__test_migration.down.sql": &fstest.MapFile{
			Data: []byte(`DROP TABLE test_table;`),
		},
	}
	m := NewMigrator(db, fsys)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	err = m.Down()
	if err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	// Table should be gone
	var tableName string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='test_table'").Scan(&tableName)
	if err == nil {
		t.Error("test_table still exists after Down()")
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestEmbeddedMigrations applies the real embedded migrations and checks
// the resulting mutation_queue schema.
func TestEmbeddedMigrations(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	defer db.Close()

	m := NewMigrator(db, Migrations())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version < 2 {
		t.Errorf("CurrentVersion() = %d, want at least 2", version)
	}

	// The store column arrives in V2, so inserting with it proves both
	// migrations ran.
	_, err = db.Exec(`INSERT INTO mutation_queue
		(local_id, operation, payload, payload_version, status, store, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"11111111-2222-4333-8444-555555555555", "create", `{"text":"x"}`, 2, "queued", "memories", 1000, 1000)
	if err != nil {
		t.Errorf("Insert into mutation_queue failed: %v", err)
	}

	// Unknown operation values are rejected by the CHECK constraint.
	_, err = db.Exec(`INSERT INTO mutation_queue
		(local_id, operation, payload, payload_version, status, store, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"11111111-2222-4333-8444-666666666666", "destroy", `{}`, 2, "queued", "memories", 1000, 1000)
	if err == nil {
		t.Error("Insert with invalid operation should fail")
	}
}
