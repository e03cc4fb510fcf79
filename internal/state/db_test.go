package state_test

import (
	"path/filepath"
	"testing"

	"github.com/flitsinc/brons/internal/state"
)

func TestOpenMigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "brons.db")
	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected schema version 1, got %d", version)
	}
	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal, got %s", mode)
	}
	var fk int
	if err := db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign keys must be enforced")
	}

	if err := state.Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	db.Close()

	reopened, err := state.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = reopened.Close()
}
