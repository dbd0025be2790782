package db

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

type dialect struct {
	driver            string
	timeType          string
	schema            []string
	columnExistsQuery string
	numbered          bool // $1, $2 placeholders
	singleWriter      bool
	dsn               func(string) string
	transient         func(error) bool
	uniqueViolation   func(error) bool
}

func dialectFor(name string) (*dialect, error) {
	switch name {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "pgx":
		return postgresDialect, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", name)
}

// rebind rewrites ? placeholders for drivers that number them.
func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func schemaFor(timeType, blobType string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			nickname TEXT NOT NULL,
			password TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'online',
			last_disconnect ` + timeType + `,
			avatar TEXT,
			created_at ` + timeType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			hash TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			created_at ` + timeType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS peers (
			owner TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			peer TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			created_at ` + timeType + ` NOT NULL,
			PRIMARY KEY (owner, peer),
			CHECK (owner <> peer)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			author TEXT NOT NULL,
			receiver TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at ` + timeType + ` NOT NULL,
			edited_at ` + timeType + `,
			is_read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			hash TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			data ` + blobType + ` NOT NULL,
			created_at ` + timeType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_account ON tokens(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_peers_peer ON peers(peer)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(author, receiver, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_key ON messages(author, receiver) WHERE type = 'key'`,
	}
}

var sqliteDialect = &dialect{
	driver:            "sqlite3",
	timeType:          "INTEGER",
	schema:            schemaFor("INTEGER", "BLOB"),
	columnExistsQuery: "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?",
	singleWriter:      true,
	dsn: func(path string) string {
		if strings.Contains(path, "?") {
			return path
		}
		return path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
	},
	transient: func(err error) bool {
		var se sqlite3.Error
		if errors.As(err, &se) {
			return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
		}
		return false
	},
	uniqueViolation: func(err error) bool {
		var se sqlite3.Error
		if errors.As(err, &se) {
			return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
				se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
		}
		return false
	},
}

var postgresDialect = &dialect{
	driver:   "pgx",
	timeType: "BIGINT",
	schema:   schemaFor("BIGINT", "BYTEA"),
	columnExistsQuery: `SELECT COUNT(*) FROM information_schema.columns
		WHERE table_name = ? AND column_name = ?`,
	numbered: true,
	dsn:      func(dsn string) string { return dsn },
	transient: func(err error) bool {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// serialization_failure, deadlock_detected
			return pgErr.Code == "40001" || pgErr.Code == "40P01"
		}
		return false
	},
	uniqueViolation: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == "23505"
	},
}
