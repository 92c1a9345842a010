package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
)

// SelectionOption is one declared choice of a selection field.
type SelectionOption struct {
	Value string
	Label string
}

// rowSource reads legacy tables.
type rowSource interface {
	probeColumns(ctx context.Context, table string) ([]string, error)
	fetchRows(ctx context.Context, table string, columns []string) ([]sourceRow, error)
	accountTypeName(ctx context.Context, typeID any) (string, bool, error)
}

// modelRegistry answers field metadata of target models.
type modelRegistry interface {
	FieldNames(ctx context.Context, model string) ([]string, error)
	Selection(ctx context.Context, model, field string) ([]SelectionOption, error)
}

// recordCreator creates records through the business-object API.
type recordCreator interface {
	Create(ctx context.Context, model string, vals recordValues) (int64, error)
}

// ledgerStore is the mapping ledger as seen by the migrator.
type ledgerStore interface {
	LookupAll(ctx context.Context, model string) (Mapping, error)
	PendingIDs(ctx context.Context, model string) (map[int64]bool, error)
	Reserve(ctx context.Context, model string, sourceID int64) error
	Commit(ctx context.Context, model string, sourceID, targetID int64) error
	Release(ctx context.Context, model string, sourceID int64) error
}

// targetStore writes into the destination database.
type targetStore interface {
	TableColumns(ctx context.Context, table string) ([]string, error)
	DropConstraints(ctx context.Context, table string, names []string) error
	InsertMapped(ctx context.Context, table string, vals recordValues, model string, sourceID int64) (int64, error)
	InsertRelation(ctx context.Context, table string, vals recordValues) error
}

// SetupError aborts a table migration before or outside the per-row loop.
type SetupError struct {
	Table string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("error during migration of %s: %v", e.Table, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Migrator copies legacy tables into the target one row at a time.
type Migrator struct {
	source   rowSource
	target   targetStore
	ledger   ledgerStore
	registry modelRegistry
	creator  recordCreator // nil when no API is configured
	strict   bool
	specs    map[string]tableSpec
}

func (m *Migrator) spec(table string) (tableSpec, error) {
	s, ok := m.specs[table]
	if !ok {
		return tableSpec{}, fmt.Errorf("no migration strategy registered for %s", table)
	}
	return s, nil
}

// Migrate copies every not-yet-migrated row of a legacy table. A row error is
// logged and recorded in the result without stopping the loop. Rows already in
// the ledger are skipped, so the call can be repeated after a partial failure.
func (m *Migrator) Migrate(ctx context.Context, table string) (*Result, error) {
	spec, err := m.spec(table)
	if err != nil {
		return nil, &SetupError{Table: table, Err: err}
	}
	if spec.insert == insertRelation {
		return m.MigrateRelation(ctx, table)
	}
	if spec.insert == insertAPI && m.creator == nil {
		return nil, &SetupError{Table: table, Err: errors.New("table is created through the business-object API but [target.api] is not configured")}
	}

	model := modelName(table)
	log.Printf("migrating %s (model %s, via %s)...", table, model, spec.insert)
	res := &Result{Table: table, Model: model}

	sourceCols, err := m.source.probeColumns(ctx, table)
	if err != nil {
		return nil, &SetupError{Table: table, Err: err}
	}
	fields, err := m.registry.FieldNames(ctx, model)
	if err != nil {
		return nil, &SetupError{Table: table, Err: err}
	}
	shared := sharedFields(sourceCols, fields)
	log.Printf("  %d shared fields", len(shared))

	tc := newTransformContext(m.source, m.registry, m.ledger, m.strict)
	done, err := tc.mapping(ctx, model)
	if err != nil {
		return nil, &SetupError{Table: table, Err: err}
	}
	pending, err := m.ledger.PendingIDs(ctx, model)
	if err != nil {
		return nil, &SetupError{Table: table, Err: err}
	}
	if len(pending) > 0 {
		log.Printf("  WARNING: %d %s entries are pending from an interrupted create; they are skipped until reviewed", len(pending), model)
	}

	// A failed drop was already rolled back and logged; the inserts may still succeed.
	_ = m.target.DropConstraints(ctx, table, spec.dropConstraints)

	rows, err := m.source.fetchRows(ctx, table, sourceCols)
	if err != nil {
		return nil, &SetupError{Table: table, Err: err}
	}
	res.Fetched = len(rows)
	log.Printf("  %d rows fetched", len(rows))

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sourceID, err := row.ID()
		if err != nil {
			log.Printf("  row error: %v", err)
			res.Failed = append(res.Failed, RowFailure{Err: err})
			continue
		}
		if _, ok := done[sourceID]; ok || pending[sourceID] {
			log.Printf("  row %d already migrated, skipping", sourceID)
			res.Skipped++
			continue
		}

		newID, err := m.migrateRow(ctx, tc, spec, model, shared, row, sourceID)
		if err != nil {
			log.Printf("  row %d: %v", sourceID, err)
			res.Failed = append(res.Failed, RowFailure{SourceID: sourceID, Err: err})
			continue
		}
		tc.remember(model, sourceID, newID)
		res.Migrated++
	}
	res.Defaulted = tc.defaulted

	log.Printf("  %s", res)
	return res, nil
}

func (m *Migrator) migrateRow(ctx context.Context, tc *transformContext, spec tableSpec, model string, shared []string, row sourceRow, sourceID int64) (int64, error) {
	vals, err := buildValues(ctx, tc, spec, shared, row)
	if err != nil {
		return 0, err
	}
	if spec.insert == insertAPI {
		return m.createViaAPI(ctx, model, sourceID, vals)
	}
	return m.target.InsertMapped(ctx, spec.table, vals, model, sourceID)
}

// createViaAPI reserves the ledger entry, creates the record and commits the
// entry. A create whose outcome is unknown leaves the reservation pending so a
// rerun never creates the record twice.
func (m *Migrator) createViaAPI(ctx context.Context, model string, sourceID int64, vals recordValues) (int64, error) {
	if err := m.ledger.Reserve(ctx, model, sourceID); err != nil {
		return 0, err
	}
	newID, err := m.creator.Create(ctx, model, vals)
	if err != nil {
		if createOutcomeUnknown(err) {
			return 0, fmt.Errorf("create %s: %w (outcome unknown, ledger entry left pending)", model, err)
		}
		if relErr := m.ledger.Release(ctx, model, sourceID); relErr != nil {
			return 0, errors.Join(fmt.Errorf("create %s: %w", model, err), relErr)
		}
		return 0, fmt.Errorf("create %s: %w", model, err)
	}
	if err := m.ledger.Commit(ctx, model, sourceID, newID); err != nil {
		return 0, fmt.Errorf("created %s %d but its ledger entry stays pending: %w", model, newID, err)
	}
	return newID, nil
}

// MigrateRelation copies a many-to-many junction table. The shared columns come
// from the target table itself. Junction rows are not tracked in the ledger and
// the first failing row aborts the call.
func (m *Migrator) MigrateRelation(ctx context.Context, table string) (*Result, error) {
	spec, err := m.spec(table)
	if err != nil {
		return nil, &SetupError{Table: table, Err: err}
	}
	if spec.insert != insertRelation {
		return nil, &SetupError{Table: table, Err: errors.New("not a many-to-many junction table")}
	}

	log.Printf("migrating relation %s...", table)
	res := &Result{Table: table}

	sourceCols, err := m.source.probeColumns(ctx, table)
	if err != nil {
		return nil, &SetupError{Table: table, Err: err}
	}
	targetCols, err := m.target.TableColumns(ctx, table)
	if err != nil {
		return nil, &SetupError{Table: table, Err: err}
	}
	shared := sharedFields(sourceCols, targetCols)

	rows, err := m.source.fetchRows(ctx, table, sourceCols)
	if err != nil {
		return nil, &SetupError{Table: table, Err: err}
	}
	res.Fetched = len(rows)
	log.Printf("  %d rows fetched", len(rows))

	tc := newTransformContext(m.source, m.registry, m.ledger, m.strict)
	for i, row := range rows {
		vals, err := buildValues(ctx, tc, spec, shared, row)
		if err == nil {
			err = m.target.InsertRelation(ctx, table, vals)
		}
		if err != nil {
			return res, &SetupError{Table: table, Err: fmt.Errorf("row %d: %w", i+1, err)}
		}
		res.Migrated++
	}
	res.Defaulted = tc.defaulted

	log.Printf("  %s", res)
	return res, nil
}

// buildValues copies the shared fields of a row, remaps its foreign keys and
// runs the table transform.
func buildValues(ctx context.Context, tc *transformContext, spec tableSpec, shared []string, row sourceRow) (recordValues, error) {
	vals := make(recordValues, len(shared))
	for _, f := range shared {
		v, _ := row.Value(f)
		vals[f] = v
	}
	if err := tc.applyRemaps(ctx, spec.remaps, row, vals); err != nil {
		return nil, err
	}
	if spec.transform != nil {
		if err := spec.transform(ctx, tc, row, vals); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

// sharedFields returns the target fields that also exist as source columns,
// in target order. The id column is never copied.
func sharedFields(sourceCols, targetFields []string) []string {
	var shared []string
	for _, f := range targetFields {
		if f != "id" && slices.Contains(sourceCols, f) {
			shared = append(shared, f)
		}
	}
	return shared
}
