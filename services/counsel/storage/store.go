// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage is the relational data layer for the counsel service.
//
// SQLite (modernc.org/sqlite, no cgo) is the self-hosted default;
// Postgres (pgx) serves multi-instance deployments. SQLite schema is
// created inline on open; Postgres runs goose migrations from the
// migrations directory.
//
// The quota-and-write invariant lives here: AppendUserMessage performs
// quota reservation, message insert, conversation recency update, and
// retention eviction in ONE transaction, so a stored user message and
// its quota charge can never diverge.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced to the pipeline for status mapping.
var (
	// ErrNotFound means the conversation (or message) does not exist or
	// is not owned by the requesting user. Ownership misses are not
	// distinguished, to avoid leaking existence.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded means the monthly entitlement is exhausted; the
	// transaction was rolled back and nothing was persisted.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Store wraps the SQL database with a placeholder-aware query builder.
type Store struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
	now    func() time.Time
}

// Option customizes Store construction.
type Option func(*Store)

// WithClock injects the time source. Tests use this to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects, migrates, and returns the Store.
//
// driver accepts "sqlite"/"sqlite3" and "postgres"/"pgx". For sqlite
// the schema is applied inline; for postgres goose migrations run from
// migrationsDir ("migrations" when empty).
func Open(ctx context.Context, driver, dsn, migrationsDir string, opts ...Option) (*Store, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	driverName := driver
	if driver == "postgres" {
		driverName = "pgx"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if driver == "sqlite" {
		// modernc sqlite serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	switch driver {
	case "sqlite":
		if err := initSQLiteSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	case "postgres":
		if migrationsDir == "" {
			migrationsDir = "migrations"
		}
		if err := goose.SetDialect("postgres"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set goose dialect: %w", err)
		}
		if err := goose.Up(db, migrationsDir); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	default:
		_ = db.Close()
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	placeholder := sq.PlaceholderFormat(sq.Question)
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	s := &Store{
		db:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(placeholder),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenMemory opens a private in-memory SQLite store. For tests. The
// unique name keeps parallel test stores isolated while the shared
// cache keeps the database alive across pool connections.
func OpenMemory(ctx context.Context, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:mem_%s?mode=memory&cache=shared", uuid.NewString())
	return Open(ctx, "sqlite", dsn, "", opts...)
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return driver
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the raw handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
