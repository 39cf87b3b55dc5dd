package db

import (
	"testing"
)

// =====================================================
// Migrator Tests
// =====================================================

// TestMigrator_UpIsIdempotent verifies reopening does not reapply migrations.
func TestMigrator_UpIsIdempotent(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	defer database.Close()

	m := NewMigrator(database.DB, Migrations)
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() error = %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() error = %v", err)
	}
	if want := Migrations[len(Migrations)-1].Version; version != want {
		t.Errorf("CurrentVersion() = %d, want %d", version, want)
	}

	applied, err := m.Applied()
	if err != nil {
		t.Fatalf("Applied() error = %v", err)
	}
	if len(applied) != len(Migrations) {
		t.Errorf("len(Applied()) = %d, want %d", len(applied), len(Migrations))
	}
	for _, a := range applied {
		if len(a.Checksum) != 64 {
			t.Errorf("V%d checksum length = %d, want 64", a.Version, len(a.Checksum))
		}
	}
}

// TestMigrator_DetectsModifiedMigration verifies checksum enforcement.
func TestMigrator_DetectsModifiedMigration(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	defer database.Close()

	tampered := append([]Migration(nil), Migrations...)
	tampered[0].SQL += "\n-- edited"

	if err := NewMigrator(database.DB, tampered).Up(); err == nil {
		t.Error("Up() with modified migration error = nil, want error")
	}
}

// TestMigrator_AppliesInVersionOrder verifies out-of-order input is sorted.
func TestMigrator_AppliesInVersionOrder(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	defer database.Close()

	extra := []Migration{
		{Version: 3, Description: "idx", SQL: "CREATE INDEX IF NOT EXISTS idx_probe_name ON probe(name);"},
		{Version: 2, Description: "probe", SQL: "CREATE TABLE IF NOT EXISTS probe (name TEXT);"},
	}
	m := NewMigrator(database.DB, append(append([]Migration(nil), Migrations...), extra...))
	if err := m.Up(); err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if v, _ := m.CurrentVersion(); v != 3 {
		t.Errorf("CurrentVersion() = %d, want 3", v)
	}
}
