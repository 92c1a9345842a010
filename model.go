package main

import (
	"fmt"
	"sort"
	"strings"
)

// Mapping maps legacy ids of one model to the ids they received in the target.
type Mapping map[int64]int64

// sourceRow is one fetched legacy row. Rows of a single fetch share the index.
type sourceRow struct {
	index  map[string]int
	values []any
}

// Value returns the value of a column and whether the column exists.
func (r sourceRow) Value(col string) (any, bool) {
	i, ok := r.index[col]
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// ID returns the row's primary key.
func (r sourceRow) ID() (int64, error) {
	v, ok := r.Value("id")
	if !ok {
		return 0, fmt.Errorf("source row has no id column")
	}
	id, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("source id %v (%T) is not an integer", v, v)
	}
	return id, nil
}

// recordValues are the column/field values sent to the target for one record.
type recordValues map[string]any

// columns returns the keys in a stable order so generated SQL is deterministic.
func (v recordValues) columns() []string {
	cols := make([]string, 0, len(v))
	for c := range v {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// RowFailure records a row that could not be migrated.
type RowFailure struct {
	SourceID int64
	Err      error
}

// Result summarizes one table migration.
type Result struct {
	Table    string
	Model    string
	Fetched  int
	Migrated int
	Skipped  int
	Failed   []RowFailure

	// Defaulted counts foreign keys written as 0 because their target was never migrated.
	Defaulted int
}

func (r *Result) String() string {
	s := fmt.Sprintf("%s: %d fetched, %d migrated, %d skipped, %d failed",
		r.Table, r.Fetched, r.Migrated, r.Skipped, len(r.Failed))
	if r.Defaulted > 0 {
		s += fmt.Sprintf(", %d unmapped references set to 0", r.Defaulted)
	}
	return s
}

// SchemaDiff is the column comparison persisted for manual review.
type SchemaDiff struct {
	Model      string   `yaml:"model"`
	Table      string   `yaml:"table"`
	Shared     []string `yaml:"shared"`
	TargetOnly []string `yaml:"target_only"`
	Info       string   `yaml:"info"`
}

// modelName derives the dotted model name from a table name.
func modelName(table string) string {
	return strings.ReplaceAll(table, "_", ".")
}
