package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/flitsinc/brons/internal/state"
)

func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db, func() {
		_ = db.Close()
	}
}

// SeedBron inserts a bron with the default prompt and returns it.
func SeedBron(t *testing.T, db *sql.DB, name string) state.Bron {
	t.Helper()
	bron, err := state.NewStore(db).CreateBron(context.Background(), state.BronInput{Name: name})
	if err != nil {
		t.Fatalf("seed bron: %v", err)
	}
	return bron
}
