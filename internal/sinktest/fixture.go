// Package sinktest provides an in-memory modernc.org/sqlite fixture for
// adapter-level tests that want a real database/sql round trip without a
// network dependency, grounded directly on the teacher lineage's own
// sink-test fixture convention (SPEC_FULL.md §2A).
package sinktest

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"
)

// Fixture owns a throwaway in-memory sqlite database and its cleanup.
type Fixture struct {
	DB *sql.DB
}

// NewFixture opens an in-memory database. Its shared-cache DSN gives every
// connection in the process the same database, which lasts until the last
// of them closes. Call Close when done.
func NewFixture() (*Fixture, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, err
	}
	return &Fixture{DB: db}, nil
}

// Close releases the underlying database handle.
func (f *Fixture) Close() error { return f.DB.Close() }

// ApplySchema runs one or more DDL statements against the fixture,
// matching the engine's own "idempotent DDL run once at startup"
// convention (internal/ledger/schema.go) at a much smaller scale.
func (f *Fixture) ApplySchema(ctx context.Context, ddl ...string) error {
	for _, stmt := range ddl {
		if _, err := f.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ProductsTableDDL is a minimal source-shaped table used across
// internal/sourcedb adapter tests that want a real round trip: a text
// primary key (mirroring the spec's own SKU-keyed worked examples) plus one
// mapped column and a watermark column.
const ProductsTableDDL = `
CREATE TABLE IF NOT EXISTS products (
	sku        TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`
