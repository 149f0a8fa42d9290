// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package sqlite implements directory persistence with a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fido-device-onboard/go-devid"
)

// DB implements devid.Store. Each acquired connection is a dedicated
// connection from the database/sql pool, so the pool size bounds the number
// of concurrent directory operations.
type DB struct {
	// Log all SQL queries to this optional writer.
	DebugLog io.Writer

	db *sql.DB
}

// New creates a DB. The expected tables must be created and FOREIGN_KEYS must
// be enabled before the database is used as a directory store.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Init ensures all tables are created and pragma are set. It does not
// recognize if tables have been created with invalid schemas.
//
// In most cases, Open should be used, which implicitly calls Init. However,
// Init can be useful for alternative SQLite connections that do not use a
// local file.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users
			( organization_id TEXT NOT NULL
			, user_id TEXT NOT NULL
			, user_id_folded TEXT NOT NULL
			, certificate BLOB
			, created_on INTEGER NOT NULL
			, certifier TEXT
			, PRIMARY KEY(organization_id, user_id)
			, FOREIGN KEY(organization_id, certifier) REFERENCES devices(organization_id, device_id)
			)`,
		`CREATE TABLE IF NOT EXISTS devices
			( organization_id TEXT NOT NULL
			, device_id TEXT NOT NULL
			, user_id TEXT NOT NULL
			, certificate BLOB
			, created_on INTEGER NOT NULL
			, certifier TEXT
			, encrypted_answer BLOB
			, revoked_on INTEGER
			, revoked_certificate BLOB
			, revoked_certifier TEXT
			, PRIMARY KEY(organization_id, device_id)
			, FOREIGN KEY(organization_id, user_id) REFERENCES users(organization_id, user_id)
			, FOREIGN KEY(organization_id, certifier) REFERENCES devices(organization_id, device_id)
			, FOREIGN KEY(organization_id, revoked_certifier) REFERENCES devices(organization_id, device_id)
			)`,
		`CREATE INDEX IF NOT EXISTS devices_user
			ON devices(organization_id, user_id)`,
		`CREATE TABLE IF NOT EXISTS user_invitations
			( organization_id TEXT NOT NULL
			, user_id TEXT NOT NULL
			, creator_device_id TEXT NOT NULL
			, created_on INTEGER NOT NULL
			, claimed_on INTEGER
			, state INTEGER NOT NULL
			, encrypted_claim BLOB
			, PRIMARY KEY(organization_id, user_id)
			)`,
		`CREATE TABLE IF NOT EXISTS device_invitations
			( organization_id TEXT NOT NULL
			, device_id TEXT NOT NULL
			, creator_device_id TEXT NOT NULL
			, created_on INTEGER NOT NULL
			, claimed_on INTEGER
			, state INTEGER NOT NULL
			, encrypted_claim BLOB
			, PRIMARY KEY(organization_id, device_id)
			)`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, sql := range stmts {
		if _, err := db.Exec(sql); err != nil {
			_ = db.Close()
			if strings.Contains(err.Error(), "file is not a database") {
				return fmt.Errorf("file is not a database: likely due to incorrect or missing database password")
			}
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
//
// If the database connection is associated with unfinalized prepared
// statements, open blob handles, and/or unfinished backup objects, Close will
// leave the database connection open and return [sqlite3.BUSY].
func (db *DB) Close() error { return db.db.Close() }

// DB returns the underlying database/sql DB.
func (db *DB) DB() *sql.DB { return db.db }

type debugLogKey struct{}

func (db *DB) debugCtx(parent context.Context) context.Context {
	if db.DebugLog == nil {
		return parent
	}
	return context.WithValue(parent, debugLogKey{}, db.DebugLog)
}

func debug(ctx context.Context, format string, a ...any) {
	w, ok := ctx.Value(debugLogKey{}).(io.Writer)
	if !ok {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, a...))
	_, _ = fmt.Fprintln(w, msg)
}

var _ devid.Store = (*DB)(nil)

// Acquire implements devid.Store.
func (db *DB) Acquire(ctx context.Context) (devid.Conn, error) {
	c, err := db.db.Conn(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: acquiring connection: %w", devid.ErrIO, err)
	}
	return &conn{db: db, conn: c}, nil
}

type conn struct {
	db   *DB
	conn *sql.Conn
	once sync.Once
}

func (c *conn) Release() { c.once.Do(func() { _ = c.conn.Close() }) }

// Runs fn in an immediate transaction, so that existence checks and writes
// are not interleaved with other writers.
func (c *conn) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err)
	}
	return nil
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", devid.ErrIO, err)
}

// Allows using *sql.Conn or *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Allows using *sql.Conn or *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// A nil value matches NULL.
func whereClause(where map[string]any) (string, []any) {
	keys := slices.Sorted(maps.Keys(where))
	clauses := make([]string, 0, len(keys))
	vals := make([]any, 0, len(keys))
	for _, key := range keys {
		if where[key] == nil {
			clauses = append(clauses, "`"+key+"` IS NULL")
			continue
		}
		clauses = append(clauses, "`"+key+"` = ?")
		vals = append(vals, where[key])
	}
	return strings.Join(clauses, " AND "), vals
}

// If replace is set, a row with the same primary key is replaced.
func insert(ctx context.Context, db execer, table string, kvs map[string]any, replace bool) error {
	var orReplace string
	if replace {
		orReplace = "OR REPLACE "
	}

	columns := slices.Sorted(maps.Keys(kvs))
	args := make([]any, len(columns))
	for i, name := range columns {
		args[i] = kvs[name]
	}
	markers := slices.Repeat([]string{"?"}, len(columns))

	query := fmt.Sprintf(
		"INSERT %sINTO %s (%s) VALUES (%s)",
		orReplace,
		table,
		"`"+strings.Join(columns, "`, `")+"`",
		strings.Join(markers, ", "),
	)
	debug(ctx, "sqlite: %s\n%+v", query, args)
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return storageErr(err)
	}
	return nil
}

// Returns the number of rows affected.
func update(ctx context.Context, db execer, table string, kvs, where map[string]any) (int64, error) {
	setKeys := slices.Sorted(maps.Keys(kvs))
	setCmds := make([]string, len(setKeys))
	setVals := make([]any, len(setKeys))
	for i, key := range setKeys {
		setCmds[i] = "`" + key + "` = ?"
		setVals[i] = kvs[key]
	}
	clauses, whereVals := whereClause(where)

	query := fmt.Sprintf(
		`UPDATE %s SET %s WHERE %s`,
		table,
		strings.Join(setCmds, ", "),
		clauses,
	)
	debug(ctx, "sqlite: %s\n%+v %+v", query, setVals, whereVals)

	result, err := db.ExecContext(ctx, query, append(setVals, whereVals...)...)
	if err != nil {
		return 0, storageErr(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

// Returns devid.ErrNotFound when no row matches.
func query(ctx context.Context, db querier, table string, columns []string, where map[string]any, into ...any) error {
	if len(columns) != len(into) {
		panic("programming error - query must have the same number of columns and values")
	}
	clauses, whereVals := whereClause(where)

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s`,
		"`"+strings.Join(columns, "`, `")+"`",
		table,
		clauses,
	)
	debug(ctx, "sqlite: %s\n%+v", query, whereVals)

	row := db.QueryRowContext(ctx, query, whereVals...)
	if err := row.Scan(into...); errors.Is(err, sql.ErrNoRows) {
		return devid.ErrNotFound
	} else if err != nil {
		return storageErr(err)
	}
	return nil
}

func exists(ctx context.Context, db querier, table string, where map[string]any) (bool, error) {
	clauses, whereVals := whereClause(where)
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s)`, table, clauses)
	debug(ctx, "sqlite: %s\n%+v", query, whereVals)

	var found bool
	if err := db.QueryRowContext(ctx, query, whereVals...).Scan(&found); err != nil {
		return false, storageErr(err)
	}
	return found, nil
}

// Zero values are stored as NULL so that they read back as zero values.
func nullable[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

func blob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func micros(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMicro()
}

func fromMicros(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMicro(v.Int64).UTC()
}
