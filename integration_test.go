//go:build integration

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const integrationSchema = "odooferry_it"

// newIntegrationTarget prepares a scratch schema holding a minimal Odoo
// catalog and the destination tables, with search_path pointed at it.
func newIntegrationTarget(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pgDSN := os.Getenv("POSTGRES_DSN")
	if pgDSN == "" {
		t.Skip("POSTGRES_DSN env var required")
	}
	ctx := context.Background()

	admin, err := pgxpool.New(ctx, pgDSN)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	_, _ = admin.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pgIdent(integrationSchema)))
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", pgIdent(integrationSchema))); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pgIdent(integrationSchema)))
		admin.Close()
	})

	poolCfg, err := pgxpool.ParseConfig(pgDSN)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	poolCfg.ConnConfig.RuntimeParams["search_path"] = integrationSchema
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	t.Cleanup(pool.Close)

	stmts := []string{
		`CREATE TABLE ir_model_fields (id SERIAL PRIMARY KEY, model TEXT, name TEXT, ttype TEXT, store BOOLEAN)`,
		`CREATE TABLE ir_model_fields_selection (id SERIAL PRIMARY KEY, field_id INT REFERENCES ir_model_fields(id), value TEXT, name JSONB, sequence INT)`,
		`CREATE TABLE mail_alias (id SERIAL PRIMARY KEY)`,
		`CREATE TABLE account_account (id SERIAL PRIMARY KEY, name TEXT, code TEXT, account_type TEXT)`,
		`CREATE TABLE account_journal (
			id SERIAL PRIMARY KEY, name TEXT, code TEXT, company_id INT,
			alias_id INT CONSTRAINT account_journal_alias_id_fkey REFERENCES mail_alias(id),
			profit_account_id INT, loss_account_id INT, default_account_id INT,
			CONSTRAINT account_journal_code_company_uniq UNIQUE (code, company_id))`,
		`INSERT INTO ir_model_fields (model, name, ttype, store) VALUES
			('account.account', 'id', 'integer', true),
			('account.account', 'name', 'char', true),
			('account.account', 'code', 'char', true),
			('account.account', 'account_type', 'selection', true),
			('account.account', 'tag_ids', 'many2many', true),
			('account.journal', 'id', 'integer', true),
			('account.journal', 'name', 'char', true),
			('account.journal', 'code', 'char', true),
			('account.journal', 'company_id', 'many2one', true),
			('account.journal', 'alias_id', 'many2one', true),
			('account.journal', 'profit_account_id', 'many2one', true),
			('account.journal', 'loss_account_id', 'many2one', true),
			('account.journal', 'default_account_id', 'many2one', true),
			('account.journal', 'display_name', 'char', false)`,
		`INSERT INTO ir_model_fields_selection (field_id, value, name, sequence)
			SELECT id, v.value, v.name::jsonb, v.seq FROM ir_model_fields,
			(VALUES ('asset_receivable', '{"en_US": "Receivable"}', 1),
			        ('income', '{"en_US": "Income"}', 2),
			        ('income_other', '{"en_US": "Other Income"}', 3)) AS v(value, name, seq)
			WHERE model = 'account.account' AND name = 'account_type'`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			t.Fatalf("prepare target: %v\nSQL: %s", err, s)
		}
	}
	if err := applyBookkeeping(ctx, pool); err != nil {
		t.Fatalf("bookkeeping: %v", err)
	}
	return pool
}

func newIntegrationMigrator(src *sourceStore, pool *pgxpool.Pool, runID uuid.UUID) (*Migrator, *pgTarget) {
	ledger := newLedger(pool, runID)
	target := newPGTarget(pool, integrationSchema, ledger)
	return &Migrator{
		source:   src,
		target:   target,
		ledger:   ledger,
		registry: target,
		specs:    tableSpecs,
	}, target
}

func TestIntegration_SQLiteAccounts(t *testing.T) {
	pool := newIntegrationTarget(t)
	ctx := context.Background()

	src := newSQLiteSource(t,
		`CREATE TABLE account_account_type (id INTEGER PRIMARY KEY, name TEXT)`,
		`INSERT INTO account_account_type VALUES (1, 'Receivable'), (2, 'Other Income'), (3, 'Retired')`,
		`CREATE TABLE account_account (id INTEGER PRIMARY KEY, name TEXT, code TEXT, user_type_id INTEGER, internal_type TEXT)`,
		`INSERT INTO account_account VALUES (10, 'Debtors', '1100', 1, 'receivable')`,
		`INSERT INTO account_account VALUES (11, 'Sales', '8000', 2, 'other')`,
		`INSERT INTO account_account VALUES (12, 'Old', '9999', 3, 'other')`,
		`CREATE TABLE account_journal (id INTEGER PRIMARY KEY, name TEXT, code TEXT, company_id INTEGER, alias_id INTEGER,
			profit_account_id INTEGER, loss_account_id INTEGER, default_debit_account_id INTEGER)`,
		`INSERT INTO account_journal VALUES (1, 'Bank', 'BNK1', 1, 7, 11, NULL, 10)`,
		`INSERT INTO account_journal VALUES (2, 'Bank copy', 'BNK1', 1, 8, 404, NULL, NULL)`,
	)

	m, target := newIntegrationMigrator(src, pool, uuid.New())

	accounts, err := m.Migrate(ctx, tableAccountAccount)
	if err != nil {
		t.Fatalf("migrate accounts: %v", err)
	}
	if accounts.Migrated != 3 || len(accounts.Failed) != 0 {
		t.Fatalf("accounts: %s", accounts)
	}
	var debtorsType, oldType sql.NullString
	if err := pool.QueryRow(ctx, `SELECT account_type FROM account_account WHERE code = '1100'`).Scan(&debtorsType); err != nil {
		t.Fatal(err)
	}
	if debtorsType.String != "asset_receivable" {
		t.Errorf("1100 account_type = %v, want asset_receivable", debtorsType)
	}
	if err := pool.QueryRow(ctx, `SELECT account_type FROM account_account WHERE code = '9999'`).Scan(&oldType); err != nil {
		t.Fatal(err)
	}
	if oldType.Valid {
		t.Errorf("unmatched account type should be NULL, got %q", oldType.String)
	}

	// Both journals share (code, company_id); that only works once the
	// unique constraint is dropped.
	journals, err := m.Migrate(ctx, tableAccountJournal)
	if err != nil {
		t.Fatalf("migrate journals: %v", err)
	}
	if journals.Migrated != 2 || journals.Defaulted != 1 {
		t.Fatalf("journals: %s", journals)
	}

	mapping, err := m.ledger.LookupAll(ctx, "account.account")
	if err != nil {
		t.Fatal(err)
	}
	var profit, defaultAcct, orphan int64
	var alias sql.NullInt64
	if err := pool.QueryRow(ctx,
		`SELECT profit_account_id, default_account_id, alias_id FROM account_journal WHERE name = 'Bank'`).
		Scan(&profit, &defaultAcct, &alias); err != nil {
		t.Fatal(err)
	}
	if profit != mapping[11] || defaultAcct != mapping[10] {
		t.Errorf("journal references = %d/%d, want %d/%d", profit, defaultAcct, mapping[11], mapping[10])
	}
	if alias.Valid {
		t.Errorf("alias_id = %d, want NULL", alias.Int64)
	}
	if err := pool.QueryRow(ctx,
		`SELECT profit_account_id FROM account_journal WHERE name = 'Bank copy'`).Scan(&orphan); err != nil {
		t.Fatal(err)
	}
	if orphan != 0 {
		t.Errorf("unmapped profit_account_id = %d, want 0", orphan)
	}

	// A second run is a no-op.
	again, err := m.Migrate(ctx, tableAccountJournal)
	if err != nil {
		t.Fatalf("rerun journals: %v", err)
	}
	if again.Migrated != 0 || again.Skipped != 2 {
		t.Errorf("rerun: %s", again)
	}
	var rows int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM account_journal`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Errorf("account_journal has %d rows after rerun, want 2", rows)
	}

	counts, err := reportOrphans(ctx, target, []string{tableAccountJournal}, tableSpecs)
	if err != nil {
		t.Fatalf("report orphans: %v", err)
	}
	if len(counts) != 3 {
		t.Fatalf("orphan counts = %+v, want 3 columns", counts)
	}
	for _, c := range counts {
		// NULL references stay NULL; only Bank copy's profit account was unmapped.
		want := int64(0)
		if c.Column == "profit_account_id" {
			want = 1
		}
		if c.Rows != want {
			t.Errorf("orphans %s.%s = %d, want %d", c.Table, c.Column, c.Rows, want)
		}
	}

	r := &DiffReporter{source: src, registry: target, store: target}
	d, err := r.Diff(ctx, tableAccountJournal)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(d.TargetOnly) == 0 {
		t.Errorf("expected target-only fields, got %+v", d)
	}
	if _, err := r.Diff(ctx, tableAccountJournal); !errors.Is(err, ErrDiffExists) {
		t.Errorf("second diff error = %v, want ErrDiffExists", err)
	}
}

func TestIntegration_LedgerPending(t *testing.T) {
	pool := newIntegrationTarget(t)
	ctx := context.Background()
	l := newLedger(pool, uuid.New())

	if err := l.Reserve(ctx, "account.move", 5); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve(ctx, "account.move", 5); err == nil {
		t.Error("second reservation of the same source id must be rejected")
	}
	if err := l.Reserve(ctx, "account.move", 6); err != nil {
		t.Fatal(err)
	}
	if err := l.Commit(ctx, "account.move", 5, 900); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, "account.move", 5); err != nil {
		t.Fatal(err)
	}

	mapping, err := l.LookupAll(ctx, "account.move")
	if err != nil {
		t.Fatal(err)
	}
	if len(mapping) != 1 || mapping[5] != 900 {
		t.Errorf("committed = %v, want {5: 900}", mapping)
	}
	pending, err := l.PendingIDs(ctx, "account.move")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || !pending[6] {
		t.Errorf("pending = %v, want {6}", pending)
	}
}

func TestIntegration_MySQLJournals(t *testing.T) {
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		t.Skip("MYSQL_DSN env var required")
	}
	pool := newIntegrationTarget(t)
	ctx := context.Background()

	seed, err := sql.Open("mysql", mysqlDSN+"?multiStatements=true")
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	defer seed.Close()
	if _, err := seed.ExecContext(ctx, `
		DROP TABLE IF EXISTS account_journal;
		CREATE TABLE account_journal (id INT PRIMARY KEY, name VARCHAR(64), code VARCHAR(8), company_id INT);
		INSERT INTO account_journal VALUES (1, 'Sales', 'INV', 1), (2, 'Purchases', 'BILL', 1);`); err != nil {
		t.Fatalf("seed mysql: %v", err)
	}

	parsed, err := mysql.ParseDSN(mysqlDSN)
	if err != nil {
		t.Fatalf("parse mysql dsn: %v", err)
	}
	host, portStr, err := net.SplitHostPort(parsed.Addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	cfg := &MigrationConfig{
		Source: SourceConfig{Type: "mysql", Endpoint: Endpoint{
			Host: host, Port: port, User: parsed.User, Password: parsed.Passwd, DBName: parsed.DBName,
		}},
		ConnectTimeoutSeconds: 5,
	}
	src, err := connectSource(ctx, cfg)
	if err != nil {
		t.Fatalf("connect source: %v", err)
	}
	defer src.Close()

	m, _ := newIntegrationMigrator(src, pool, uuid.New())
	start := time.Now()
	res, err := m.Migrate(ctx, tableAccountJournal)
	if err != nil {
		t.Fatalf("migrate journals: %v", err)
	}
	if res.Migrated != 2 || len(res.Failed) != 0 {
		t.Errorf("journals: %s (%s)", res, time.Since(start))
	}
}
