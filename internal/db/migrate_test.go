// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func memoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__first.up.sql":    {Data: []byte("CREATE TABLE first (id INTEGER PRIMARY KEY);")},
		"V1__first.down.sql":  {Data: []byte("DROP TABLE first;")},
		"V2__second.up.sql":   {Data: []byte("CREATE TABLE second (id INTEGER PRIMARY KEY);")},
		"V2__second.down.sql": {Data: []byte("DROP TABLE second;")},
		"README.md":           {Data: []byte("not a migration")},
		"Vx__bad.up.sql":      {Data: []byte("garbage")},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count)
	if err != nil {
		t.Fatalf("sqlite_master query failed: %v", err)
	}
	return count == 1
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Error("schema_migrations table not found")
	}

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestUp verifies pending migrations apply in order and are recorded.
func TestUp(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if !tableExists(t, db, "first") || !tableExists(t, db, "second") {
		t.Fatal("Up() did not create migration tables")
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Description != "first" || applied[1].Description != "second" {
		t.Errorf("descriptions = %q, %q", applied[0].Description, applied[1].Description)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}

	// Second run is a no-op
	if err := m.Up(); err != nil {
		t.Errorf("second Up() failed: %v", err)
	}
}

// TestUp_checksumMismatch verifies edited migrations are detected.
func TestUp_checksumMismatch(t *testing.T) {
	db := memoryDB(t)
	fsys := testMigrations()
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["V1__first.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE first (id TEXT);")}
	err := m.Up()
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Up() error = %v, want checksum mismatch", err)
	}
}

// TestUp_badSQL verifies a failing migration is not recorded.
func TestUp_badSQL(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte("CREATE TABLEX nope;")},
	})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err == nil {
		t.Fatal("Up() should fail on invalid SQL")
	}
	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0 after failed migration", version)
	}
}

// TestDown verifies rollback of the latest migration.
func TestDown(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Down(); err == nil {
		t.Error("Down() with nothing applied should fail")
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "second") {
		t.Error("Down() should drop the second table")
	}
	if !tableExists(t, db, "first") {
		t.Error("Down() should keep the first table")
	}

	version, _ := m.CurrentVersion()
	if version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}
}

// TestEmbeddedMigrations verifies the shipped files parse.
func TestEmbeddedMigrations(t *testing.T) {
	m := NewMigrator(nil, Migrations)
	files, err := m.files()
	if err != nil {
		t.Fatalf("files() failed: %v", err)
	}
	if len(files) == 0 || files[0].version != 1 {
		t.Fatalf("embedded migrations = %+v, want V1 first", files)
	}
}
