package main

import (
	"context"
	"fmt"
	"log"
	"time"
)

// migrationAction is one operator entry point. Tables are migrated in the
// listed order; later tables resolve their foreign keys through the mappings
// recorded by earlier ones.
type migrationAction struct {
	name   string
	short  string
	tables []string
}

var migrationActions = []migrationAction{
	{
		name:   "migrate-accounts",
		short:  "Migrate the chart of accounts and the journals",
		tables: []string{tableAccountAccount, tableAccountJournal},
	},
	{
		name:   "migrate-customers",
		short:  "Migrate partners",
		tables: []string{tableResPartner},
	},
	{
		name:   "migrate-moves",
		short:  "Migrate journal entries",
		tables: []string{tableAccountMove},
	},
	{
		name:   "migrate-move-lines",
		short:  "Migrate journal items",
		tables: []string{tableAccountMoveLine},
	},
	{
		name:  "migrate-products",
		short: "Migrate product categories, attributes, templates and variants",
		tables: []string{
			tableProductCategory,
			tableProductAttribute,
			tableProductAttrValue,
			tableProductTemplate,
			tableProductProduct,
			tableProductTmplAttrLine,
			tableProductAttrValueLine,
		},
	},
}

// runTables runs the before_migrate hooks, migrates each table in order and
// then runs the after_migrate hooks. A setup error stops the sequence; row
// failures are reported in the results and do not.
func runTables(ctx context.Context, run *migrationRun, tables []string) ([]*Result, error) {
	start := time.Now()
	log.Printf("run %s: %d table(s)", run.id, len(tables))

	if err := runHooks(ctx, run.pool, run.cfg, "before_migrate"); err != nil {
		return nil, fmt.Errorf("before_migrate hooks: %w", err)
	}

	m := run.migrator()
	var results []*Result
	for _, table := range tables {
		res, err := m.Migrate(ctx, table)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	if err := runHooks(ctx, run.pool, run.cfg, "after_migrate"); err != nil {
		return results, fmt.Errorf("after_migrate hooks: %w", err)
	}

	log.Printf("run %s completed in %s", run.id, time.Since(start).Round(time.Millisecond))
	return results, nil
}

// failedRows totals the row failures of a run.
func failedRows(results []*Result) int {
	n := 0
	for _, r := range results {
		n += len(r.Failed)
	}
	return n
}
