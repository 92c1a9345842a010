package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// bookkeepingFS holds the schema of the ledger and schema-diff tables that
// odooferry keeps inside the target database.
//
//go:embed migrations/*.sql
var bookkeepingFS embed.FS

const bookkeepingVersionTable = "odooferry_db_version"

// applyBookkeeping brings the odooferry tables in the target up to date.
func applyBookkeeping(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(bookkeepingFS, "migrations")
	if err != nil {
		return fmt.Errorf("bookkeeping migrations: %w", err)
	}
	store, err := database.NewStore(database.DialectPostgres, bookkeepingVersionTable)
	if err != nil {
		return fmt.Errorf("bookkeeping store: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider("", db, fsys, goose.WithStore(store))
	if err != nil {
		return fmt.Errorf("bookkeeping provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply bookkeeping migrations: %w", err)
	}
	for _, r := range results {
		log.Printf("  bookkeeping migration %d applied (%s)", r.Source.Version, r.Duration.Round(time.Millisecond))
	}
	return nil
}
