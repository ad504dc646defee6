package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/md-rashed-zaman/carereminder/libs/config"
)

// Pool embeds pgxpool so repositories can use Query/Exec directly and InTx for writes that
// must land together (state change, audit row, outbox event).
type Pool struct {
	*pgxpool.Pool
}

type Options struct {
	ApplicationName string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// StatementTimeout is sent as the session statement_timeout; zero leaves the server default.
	StatementTimeout time.Duration
}

// OptionsFromEnv reads DB_MAX_CONNS, DB_MIN_CONNS, DB_MAX_CONN_LIFETIME, DB_MAX_CONN_IDLE and
// DB_STATEMENT_TIMEOUT.
func OptionsFromEnv(applicationName string) Options {
	return Options{
		ApplicationName:  applicationName,
		MaxConns:         int32(config.Int("DB_MAX_CONNS", 10)),
		MinConns:         int32(config.Int("DB_MIN_CONNS", 1)),
		MaxConnLifetime:  config.Duration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
		MaxConnIdleTime:  config.Duration("DB_MAX_CONN_IDLE", 5*time.Minute),
		StatementTimeout: config.Duration("DB_STATEMENT_TIMEOUT", 15*time.Second),
	}
}

func (o Options) apply(cfg *pgxpool.Config) {
	if o.MaxConns > 0 {
		cfg.MaxConns = o.MaxConns
	}
	if o.MinConns > 0 && o.MinConns <= cfg.MaxConns {
		cfg.MinConns = o.MinConns
	}
	if o.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = o.MaxConnLifetime
	}
	if o.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = o.MaxConnIdleTime
	}
	rt := cfg.ConnConfig.RuntimeParams
	if o.ApplicationName != "" && rt["application_name"] == "" {
		rt["application_name"] = o.ApplicationName
	}
	if o.StatementTimeout > 0 {
		rt["statement_timeout"] = fmt.Sprint(o.StatementTimeout.Milliseconds())
	}
}

// Open parses databaseURL, applies opts on top of it and pings once so a bad DSN fails at
// startup instead of on the first request.
func Open(ctx context.Context, databaseURL string, opts Options) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: parse url: %w", err)
	}
	opts.apply(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

func (p *Pool) Close() {
	if p != nil && p.Pool != nil {
		p.Pool.Close()
	}
}

// InTx commits when fn returns nil and rolls back otherwise. fn is run exactly once.
func (p *Pool) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return p.InTxWith(ctx, pgx.TxOptions{}, fn)
}

func (p *Pool) InTxWith(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	tx, err := p.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("db: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		// Rollback must run even when ctx is what failed fn.
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}

func pgCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// IsUniqueViolation reports a 23505. When constraints are given, only those count.
func IsUniqueViolation(err error, constraints ...string) bool {
	code, name := pgCode(err)
	if code != "23505" {
		return false
	}
	if len(constraints) == 0 {
		return true
	}
	for _, c := range constraints {
		if c == name {
			return true
		}
	}
	return false
}

func IsForeignKeyViolation(err error) bool {
	code, _ := pgCode(err)
	return code == "23503"
}

func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func ReadyCheck(pool *Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil || pool.Pool == nil {
			return errors.New("db not configured")
		}
		var one int
		return pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	}
}
