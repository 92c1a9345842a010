package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrDiffExists is returned when a model already has a recorded schema diff.
var ErrDiffExists = errors.New("schema diff already recorded")

type diffStore interface {
	HasDiff(ctx context.Context, model string) (bool, error)
	SaveDiff(ctx context.Context, d *SchemaDiff) error
}

// DiffReporter compares a legacy table with the target model and records the
// result once per model for manual review.
type DiffReporter struct {
	source   rowSource
	registry modelRegistry
	store    diffStore
}

// Diff computes and persists the schema diff of one table.
func (r *DiffReporter) Diff(ctx context.Context, table string) (*SchemaDiff, error) {
	model := modelName(table)
	exists, err := r.store.HasDiff(ctx, model)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", model, ErrDiffExists)
	}

	sourceCols, err := r.source.probeColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	fields, err := r.registry.FieldNames(ctx, model)
	if err != nil {
		return nil, err
	}

	d := computeSchemaDiff(model, table, sourceCols, fields)
	if err := r.store.SaveDiff(ctx, d); err != nil {
		return nil, err
	}
	log.Printf("schema diff of %s recorded: %d shared, %d target-only", model, len(d.Shared), len(d.TargetOnly))
	return d, nil
}

// computeSchemaDiff splits the target fields into those the source also has
// and those only the target has. Both lists are sorted; id counts as neither.
func computeSchemaDiff(model, table string, sourceCols, targetFields []string) *SchemaDiff {
	d := &SchemaDiff{Model: model, Table: table, Shared: []string{}, TargetOnly: []string{}}
	for _, f := range targetFields {
		if f == "id" {
			continue
		}
		if slices.Contains(sourceCols, f) {
			d.Shared = append(d.Shared, f)
		} else {
			d.TargetOnly = append(d.TargetOnly, f)
		}
	}
	slices.Sort(d.Shared)
	slices.Sort(d.TargetOnly)
	d.Info = fmt.Sprintf("%d of %d source columns carried over", len(d.Shared), len(sourceCols))
	return d
}

// writeDiff renders a diff as text or YAML.
func writeDiff(w io.Writer, d *SchemaDiff, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("encode diff: %w", err)
		}
		return enc.Close()
	case "text", "":
		_, err := fmt.Fprintf(w, "model:       %s\ntable:       %s\nshared:      %s\ntarget only: %s\ninfo:        %s\n",
			d.Model, d.Table, strings.Join(d.Shared, ", "), strings.Join(d.TargetOnly, ", "), d.Info)
		return err
	}
	return fmt.Errorf("unknown output format %q (must be text or yaml)", format)
}
