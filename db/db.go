package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNoRows      = errors.New("no rows found")
	ErrNameTaken   = errors.New("name taken")
	ErrBadPassword = errors.New("password mismatch")
	ErrAlreadyRead = errors.New("message already read")
	ErrDuplicate   = errors.New("duplicate row")
)

const (
	maxRetries = 5
	retryBase  = 10 * time.Millisecond
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the durable store behind the identity, conversation, message and
// blob collaborators. SQLite is the default backend; Postgres (pgx) is
// selected with driver "postgres".
type DB struct {
	conn    *sql.DB
	dialect *dialect
	clock   clock
	log     *slog.Logger
}

func New(driver, dsn string) (*DB, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(d.driver, d.dsn(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if d.singleWriter {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	}

	db := &DB{conn: conn, dialect: d, log: slog.Default().With("component", "db")}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.seedClock(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Now reads the store clock. Every later message is stamped after it.
func (db *DB) Now() time.Time {
	return db.clock.now()
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the store is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) init() error {
	for _, query := range db.dialect.schema {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	// Auto-migration for new columns
	if err := db.migrate(); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	return nil
}

// migrate adds columns that databases created by earlier releases lack.
func (db *DB) migrate() error {
	columns := []struct{ table, column, ddl string }{
		{"accounts", "last_disconnect", db.dialect.timeType},
		{"accounts", "avatar", "TEXT"},
		{"messages", "edited_at", db.dialect.timeType},
	}

	for _, c := range columns {
		if db.columnExists(c.table, c.column) {
			continue
		}
		alter := "ALTER TABLE " + c.table + " ADD COLUMN " + c.column + " " + c.ddl
		if _, err := db.conn.Exec(alter); err != nil {
			return err
		}
		db.log.Info("migrated column", "table", c.table, "column", c.column)
	}

	return nil
}

func (db *DB) columnExists(table, column string) bool {
	var count int
	err := db.conn.QueryRow(db.dialect.rebind(db.dialect.columnExistsQuery), table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// seedClock keeps timestamps monotonic across restarts even when the wall
// clock moved backwards.
func (db *DB) seedClock() error {
	var latest sql.NullInt64
	err := db.conn.QueryRow(`SELECT MAX(created_at) FROM messages`).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to seed clock: %w", err)
	}
	if latest.Valid {
		db.clock.advance(latest.Int64)
	}
	return nil
}

// retry runs op again with exponential backoff while the driver reports a
// transient condition.
func (db *DB) retry(ctx context.Context, op func() error) error {
	delay := retryBase
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || attempt >= maxRetries || !db.dialect.transient(err) {
			return err
		}
		db.log.Warn("transient store error, retrying", "attempt", attempt+1, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (db *DB) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, db.dialect.rebind(query), args...)
}

// execRetry runs a single statement outside a transaction.
func (db *DB) execRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := db.retry(ctx, func() error {
		var err error
		res, err = db.exec(ctx, db.conn, query, args...)
		return err
	})
	return res, err
}

// scan reads one row into dest, mapping sql.ErrNoRows to ErrNoRows.
func (db *DB) scan(ctx context.Context, query string, args []any, dest ...any) error {
	err := db.retry(ctx, func() error {
		return db.conn.QueryRowContext(ctx, db.dialect.rebind(query), args...).Scan(dest...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

// collect runs query and scans every row with fn. The result is rebuilt on
// each retry attempt.
func collect[T any](ctx context.Context, db *DB, query string, args []any, fn func(*sql.Rows) (T, error)) ([]T, error) {
	var out []T
	err := db.retry(ctx, func() error {
		out = out[:0]
		rows, err := db.conn.QueryContext(ctx, db.dialect.rebind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			v, err := fn(rows)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// tx runs fn in a transaction, retrying the whole unit on transient errors.
// fn must be safe to run more than once.
func (db *DB) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.retry(ctx, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// requireRows maps a statement that touched nothing to ErrNoRows.
func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
