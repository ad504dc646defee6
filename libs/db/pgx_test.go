package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestErrorHelpers(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "reminders_active_channel_uniq"})
	if !IsUniqueViolation(unique) {
		t.Fatal("expected wrapped 23505 to be a unique violation")
	}
	if !IsUniqueViolation(unique, "reminders_external_id_key", "reminders_active_channel_uniq") {
		t.Fatal("expected match on named constraint")
	}
	if IsUniqueViolation(unique, "reminders_external_id_key") {
		t.Fatal("matched the wrong constraint")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("foreign key violation reported as unique")
	}
	if !IsForeignKeyViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("expected foreign key violation")
	}
	if !IsNoRows(fmt.Errorf("get: %w", pgx.ErrNoRows)) {
		t.Fatal("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(errors.New("other")) {
		t.Fatal("unexpected match")
	}
}

func TestOptionsApply(t *testing.T) {
	cfg, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/reminders?application_name=psql")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	Options{
		ApplicationName:  "reminder-service",
		MaxConns:         4,
		MinConns:         8,
		MaxConnLifetime:  time.Minute,
		StatementTimeout: 2500 * time.Millisecond,
	}.apply(cfg)

	if cfg.MaxConns != 4 {
		t.Fatalf("MaxConns = %d", cfg.MaxConns)
	}
	if cfg.MinConns > cfg.MaxConns {
		t.Fatalf("MinConns %d exceeds MaxConns", cfg.MinConns)
	}
	if cfg.MaxConnLifetime != time.Minute {
		t.Fatalf("MaxConnLifetime = %s", cfg.MaxConnLifetime)
	}
	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != "psql" {
		t.Fatalf("application_name from the url should win, got %q", got)
	}
	if got := cfg.ConnConfig.RuntimeParams["statement_timeout"]; got != "2500" {
		t.Fatalf("statement_timeout = %q", got)
	}
}

func TestReadyCheckWithoutPool(t *testing.T) {
	if err := ReadyCheck(nil)(context.Background()); err == nil {
		t.Fatal("expected error for nil pool")
	}
}
