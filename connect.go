package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnErrorKind classifies why an endpoint could not be reached.
type ConnErrorKind string

const (
	ConnUnreachable     ConnErrorKind = "unreachable"
	ConnAuthFailed      ConnErrorKind = "auth_failed"
	ConnTimeout         ConnErrorKind = "timeout"
	ConnUnknownDatabase ConnErrorKind = "unknown_database"
	ConnOther           ConnErrorKind = "other"
)

// ConnectionError reports a failed connection to the source, the target or the API.
type ConnectionError struct {
	Role string // "source", "target" or "api"
	Kind ConnErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s (%s): %v", e.Role, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func newConnectionError(role string, err error) *ConnectionError {
	return &ConnectionError{Role: role, Kind: classifyConnError(err), Err: err}
}

// classifyConnError inspects driver and network errors. Server-side
// rejections are checked before transport failures because drivers wrap both.
func classifyConnError(err error) ConnErrorKind {
	if err == nil {
		return ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28P01", "28000":
			return ConnAuthFailed
		case "3D000":
			return ConnUnknownDatabase
		}
		return ConnOther
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1045:
			return ConnAuthFailed
		case 1049:
			return ConnUnknownDatabase
		}
		return ConnOther
	}

	if errors.Is(err, errLoginRejected) {
		return ConnAuthFailed
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return ConnTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ConnTimeout
	}
	if errors.Is(err, fs.ErrNotExist) {
		return ConnUnknownDatabase
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return ConnUnreachable
	}
	return ConnOther
}

// connectSource opens and pings the legacy database.
func connectSource(ctx context.Context, cfg *MigrationConfig) (*sourceStore, error) {
	engine, err := newSourceDB(cfg.Source.Type)
	if err != nil {
		return nil, err
	}
	db, err := engine.OpenDB(cfg.Source.Endpoint, cfg.connectTimeout())
	if err != nil {
		return nil, newConnectionError("source", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, newConnectionError("source", err)
	}
	return newSourceStore(db, engine), nil
}

// targetPoolConfig builds the pool settings for the destination. search_path
// is pinned to target.schema: the bookkeeping tables and the ir_model_* catalog
// are addressed unqualified and must resolve there.
func targetPoolConfig(cfg *MigrationConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(postgresURL(cfg.Target.Endpoint, cfg.connectTimeout()))
	if err != nil {
		return nil, fmt.Errorf("parse target config: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.ConnConfig.RuntimeParams["search_path"] = pgIdent(cfg.Target.Schema)
	return poolCfg, nil
}

// connectTarget opens and pings the destination PostgreSQL database.
func connectTarget(ctx context.Context, cfg *MigrationConfig) (*pgxpool.Pool, error) {
	poolCfg, err := targetPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, newConnectionError("target", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, newConnectionError("target", err)
	}
	return pool, nil
}

// connectAPI logs into the destination's business-object API. It returns nil
// when no API is configured.
func connectAPI(ctx context.Context, cfg *MigrationConfig) (*odooClient, error) {
	if !cfg.Target.API.Enabled() {
		return nil, nil
	}
	client := newOdooClient(cfg.Target.API, cfg.connectTimeout())
	loginCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
	defer cancel()
	if err := client.Login(loginCtx); err != nil {
		return nil, newConnectionError("api", err)
	}
	return client, nil
}

// ConnectionStatus is the outcome of probing one endpoint.
type ConnectionStatus struct {
	Role   string
	Detail string
	Err    error
}

// checkConnections probes every configured endpoint independently and never
// stops at the first failure.
func checkConnections(ctx context.Context, cfg *MigrationConfig) []ConnectionStatus {
	var out []ConnectionStatus

	srcDetail := cfg.Source.Type + " " + endpointLabel(cfg.Source.Endpoint)
	if src, err := connectSource(ctx, cfg); err != nil {
		out = append(out, ConnectionStatus{Role: "source", Detail: srcDetail, Err: err})
	} else {
		src.Close()
		out = append(out, ConnectionStatus{Role: "source", Detail: srcDetail})
	}

	tgtDetail := "postgres " + endpointLabel(cfg.Target.Endpoint)
	if pool, err := connectTarget(ctx, cfg); err != nil {
		out = append(out, ConnectionStatus{Role: "target", Detail: tgtDetail, Err: err})
	} else {
		pool.Close()
		out = append(out, ConnectionStatus{Role: "target", Detail: tgtDetail})
	}

	if cfg.Target.API.Enabled() {
		apiDetail := cfg.Target.API.URL + " db=" + cfg.Target.API.DB
		_, err := connectAPI(ctx, cfg)
		out = append(out, ConnectionStatus{Role: "api", Detail: apiDetail, Err: err})
	}
	return out
}

func endpointLabel(ep Endpoint) string {
	if ep.Host == "" {
		return ep.DBName
	}
	return fmt.Sprintf("%s:%d/%s", ep.Host, ep.Port, ep.DBName)
}

// migrationRun bundles the open endpoints of one operator action.
type migrationRun struct {
	id     uuid.UUID
	cfg    *MigrationConfig
	source *sourceStore
	pool   *pgxpool.Pool
	target *pgTarget
	ledger *Ledger
	api    *odooClient
}

// openRun connects every configured endpoint and makes sure the bookkeeping
// tables exist. Endpoints opened before a failure are closed again.
func openRun(ctx context.Context, cfg *MigrationConfig) (*migrationRun, error) {
	run := &migrationRun{id: uuid.New(), cfg: cfg}

	var err error
	if run.source, err = connectSource(ctx, cfg); err != nil {
		return nil, err
	}
	if run.pool, err = connectTarget(ctx, cfg); err != nil {
		return nil, errors.Join(err, run.Close())
	}
	if err = applyBookkeeping(ctx, run.pool); err != nil {
		return nil, errors.Join(err, run.Close())
	}
	if run.api, err = connectAPI(ctx, cfg); err != nil {
		return nil, errors.Join(err, run.Close())
	}

	run.ledger = newLedger(run.pool, run.id)
	run.target = newPGTarget(run.pool, cfg.Target.Schema, run.ledger)
	return run, nil
}

// registry returns the field metadata source: the API when configured,
// otherwise the target's model catalog.
func (r *migrationRun) registry() modelRegistry {
	if r.api != nil {
		return r.api
	}
	return r.target
}

// migrator returns a table migrator wired to this run's endpoints.
func (r *migrationRun) migrator() *Migrator {
	m := &Migrator{
		source:   r.source,
		target:   r.target,
		ledger:   r.ledger,
		registry: r.registry(),
		strict:   r.cfg.StrictForeignKeys,
		specs:    tableSpecs,
	}
	if r.api != nil {
		m.creator = r.api
	}
	return m
}

func (r *migrationRun) Close() error {
	var errs []error
	if r.pool != nil {
		r.pool.Close()
	}
	if r.source != nil {
		if err := r.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
	}
	return errors.Join(errs...)
}
