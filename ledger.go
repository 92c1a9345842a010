package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// dbExecutor is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type dbExecutor interface {
	sqlExecer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger is the persistent (model, source id) -> target id table that makes
// migrations resumable. It is the only writer of odooferry_model_mapping.
//
// Entries written through Record are committed immediately. Records created
// through the business-object API go through Reserve/Commit: a pending entry
// marks a create whose outcome is not yet known and blocks re-creation.
type Ledger struct {
	exec  dbExecutor
	runID uuid.UUID
}

func newLedger(exec dbExecutor, runID uuid.UUID) *Ledger {
	return &Ledger{exec: exec, runID: runID}
}

// With returns a ledger that writes through exec, typically an open transaction.
func (l *Ledger) With(exec dbExecutor) *Ledger {
	return &Ledger{exec: exec, runID: l.runID}
}

// LookupAll returns every committed mapping of a model.
func (l *Ledger) LookupAll(ctx context.Context, model string) (Mapping, error) {
	rows, err := l.exec.Query(ctx,
		`SELECT source_id, target_id FROM odooferry_model_mapping
		 WHERE model_id = $1 AND state = 'committed'`, model)
	if err != nil {
		return nil, fmt.Errorf("lookup %s mappings: %w", model, err)
	}
	defer rows.Close()

	m := make(Mapping)
	for rows.Next() {
		var src, tgt int64
		if err := rows.Scan(&src, &tgt); err != nil {
			return nil, fmt.Errorf("lookup %s mappings: %w", model, err)
		}
		m[src] = tgt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup %s mappings: %w", model, err)
	}
	return m, nil
}

// PendingIDs returns the source ids of a model whose create was reserved but never committed.
func (l *Ledger) PendingIDs(ctx context.Context, model string) (map[int64]bool, error) {
	rows, err := l.exec.Query(ctx,
		`SELECT source_id FROM odooferry_model_mapping
		 WHERE model_id = $1 AND state = 'pending'`, model)
	if err != nil {
		return nil, fmt.Errorf("lookup %s pending entries: %w", model, err)
	}
	defer rows.Close()

	pending := make(map[int64]bool)
	for rows.Next() {
		var src int64
		if err := rows.Scan(&src); err != nil {
			return nil, fmt.Errorf("lookup %s pending entries: %w", model, err)
		}
		pending[src] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup %s pending entries: %w", model, err)
	}
	return pending, nil
}

// Record appends one committed mapping entry. Callers run the skip-check first;
// a duplicate is rejected by the (model_id, source_id) unique index.
func (l *Ledger) Record(ctx context.Context, model string, sourceID, targetID int64) error {
	_, err := l.exec.Exec(ctx,
		`INSERT INTO odooferry_model_mapping (model_id, source_id, target_id, state, run_id)
		 VALUES ($1, $2, $3, 'committed', $4)`,
		model, sourceID, targetID, l.runID)
	if err != nil {
		return fmt.Errorf("record %s %d -> %d: %w", model, sourceID, targetID, err)
	}
	return nil
}

// Reserve writes a pending entry ahead of a create through the business-object API.
func (l *Ledger) Reserve(ctx context.Context, model string, sourceID int64) error {
	_, err := l.exec.Exec(ctx,
		`INSERT INTO odooferry_model_mapping (model_id, source_id, state, run_id)
		 VALUES ($1, $2, 'pending', $3)`,
		model, sourceID, l.runID)
	if err != nil {
		return fmt.Errorf("reserve %s %d: %w", model, sourceID, err)
	}
	return nil
}

// Commit turns a pending entry into a committed mapping.
func (l *Ledger) Commit(ctx context.Context, model string, sourceID, targetID int64) error {
	tag, err := l.exec.Exec(ctx,
		`UPDATE odooferry_model_mapping SET target_id = $3, state = 'committed'
		 WHERE model_id = $1 AND source_id = $2 AND state = 'pending'`,
		model, sourceID, targetID)
	if err != nil {
		return fmt.Errorf("commit %s %d -> %d: %w", model, sourceID, targetID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("commit %s %d -> %d: no pending entry", model, sourceID, targetID)
	}
	return nil
}

// Release drops a pending entry after the create was rejected.
func (l *Ledger) Release(ctx context.Context, model string, sourceID int64) error {
	_, err := l.exec.Exec(ctx,
		`DELETE FROM odooferry_model_mapping
		 WHERE model_id = $1 AND source_id = $2 AND state = 'pending'`,
		model, sourceID)
	if err != nil {
		return fmt.Errorf("release %s %d: %w", model, sourceID, err)
	}
	return nil
}
