package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"cipherline/models"
)

const messageColumns = "id, type, author, receiver, content, created_at, edited_at, is_read"

// pairClause matches rows exchanged between the two accounts in either direction.
const pairClause = "((author = ? AND receiver = ?) OR (author = ? AND receiver = ?))"

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		m         models.Message
		typ       string
		createdAt int64
		editedAt  sql.NullInt64
		read      int
	)
	if err := row.Scan(&m.ID, &typ, &m.Author, &m.Receiver, &m.Content, &createdAt, &editedAt, &read); err != nil {
		return nil, err
	}
	m.Type = models.MessageType(typ)
	m.CreatedAt = fromNanos(createdAt)
	m.EditedAt = nullTime(editedAt)
	m.Read = read != 0
	return &m, nil
}

func (db *DB) message(ctx context.Context, query string, args ...any) (*models.Message, error) {
	var m *models.Message
	err := db.retry(ctx, func() error {
		var err error
		m, err = scanMessage(db.conn.QueryRowContext(ctx, db.dialect.rebind(query), args...))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	return m, err
}

func (db *DB) messages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	return collect(ctx, db, query, args, func(rows *sql.Rows) (*models.Message, error) {
		return scanMessage(rows)
	})
}

// AppendMessage stores a content message stamped with the store clock.
func (db *DB) AppendMessage(ctx context.Context, id, author, receiver, content string) (*models.Message, error) {
	m := &models.Message{
		ID:        id,
		Type:      models.TypeMessage,
		Author:    author,
		Receiver:  receiver,
		Content:   content,
		CreatedAt: db.clock.now(),
	}
	_, err := db.execRetry(ctx,
		"INSERT INTO messages (id, type, author, receiver, content, created_at, is_read) VALUES (?, ?, ?, ?, ?, ?, 0)",
		m.ID, string(m.Type), m.Author, m.Receiver, m.Content, nanos(m.CreatedAt),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// PutKey stores the key record author -> receiver. A second record for the
// same ordered pair yields ErrDuplicate.
func (db *DB) PutKey(ctx context.Context, id, author, receiver, key string) error {
	_, err := db.execRetry(ctx,
		"INSERT INTO messages (id, type, author, receiver, content, created_at, is_read) VALUES (?, ?, ?, ?, ?, ?, 0)",
		id, string(models.TypeKey), author, receiver, key, nanos(db.clock.now()),
	)
	if err != nil && db.dialect.uniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (db *DB) GetKey(ctx context.Context, author, receiver string) (*models.Message, error) {
	return db.message(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE type = 'key' AND author = ? AND receiver = ?",
		author, receiver,
	)
}

func (db *DB) HasKey(ctx context.Context, author, receiver string) (bool, error) {
	var count int
	err := db.scan(ctx,
		"SELECT COUNT(*) FROM messages WHERE type = 'key' AND author = ? AND receiver = ?",
		[]any{author, receiver}, &count,
	)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteKey drops the key record author -> receiver if present.
func (db *DB) DeleteKey(ctx context.Context, author, receiver string) error {
	_, err := db.execRetry(ctx, "DELETE FROM messages WHERE type = 'key' AND author = ? AND receiver = ?", author, receiver)
	return err
}

// GetMessage returns a content message. Key records are not addressable here.
func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return db.message(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ? AND type = 'message'", id)
}

// EditMessage replaces the content and returns the edit stamp.
func (db *DB) EditMessage(ctx context.Context, id, content string) (time.Time, error) {
	editedAt := time.Now().UTC()
	res, err := db.execRetry(ctx,
		"UPDATE messages SET content = ?, edited_at = ? WHERE id = ? AND type = 'message'",
		content, nanos(editedAt), id,
	)
	if err != nil {
		return time.Time{}, err
	}
	if err := requireRows(res); err != nil {
		return time.Time{}, err
	}
	return editedAt, nil
}

// MarkRead flips the read flag once. The conditional update makes the
// transition single-use under concurrency.
func (db *DB) MarkRead(ctx context.Context, id string) error {
	res, err := db.execRetry(ctx,
		"UPDATE messages SET is_read = 1 WHERE id = ? AND type = 'message' AND is_read = 0", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := db.GetMessage(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyRead
}

func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	res, err := db.execRetry(ctx, "DELETE FROM messages WHERE id = ? AND type = 'message'", id)
	if err != nil {
		return err
	}
	return requireRows(res)
}

// DeleteMessages removes the given content messages authored by author and
// addressed to receiver. Either every id is deleted or none is.
func (db *DB) DeleteMessages(ctx context.Context, author, receiver string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := "DELETE FROM messages WHERE type = 'message' AND author = ? AND receiver = ? AND id IN (" + placeholders + ")"
	args := make([]any, 0, len(ids)+2)
	args = append(args, author, receiver)
	for _, id := range ids {
		args = append(args, id)
	}

	return db.tx(ctx, func(tx *sql.Tx) error {
		res, err := db.exec(ctx, tx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != int64(len(ids)) {
			return ErrNoRows
		}
		return nil
	})
}

// DeleteBetween purges every record of the pair, keys included, in both
// directions. Deleting an already empty pair is not an error.
func (db *DB) DeleteBetween(ctx context.Context, a, b string) error {
	_, err := db.execRetry(ctx, "DELETE FROM messages WHERE "+pairClause, a, b, b, a)
	return err
}

// ListBetween returns up to limit content messages of the pair, newest
// first. A non-empty after restricts the page to messages created strictly
// after that message; an unknown cursor yields ErrNoRows.
func (db *DB) ListBetween(ctx context.Context, a, b string, limit int, after string) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	query := "SELECT " + messageColumns + " FROM messages WHERE type = 'message' AND " + pairClause
	args := []any{a, b, b, a}

	if after != "" {
		var since int64
		err := db.scan(ctx,
			"SELECT created_at FROM messages WHERE id = ? AND type = 'message' AND "+pairClause,
			[]any{after, a, b, b, a}, &since,
		)
		if err != nil {
			return nil, err
		}
		query += " AND created_at > ?"
		args = append(args, since)
	}

	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)
	return db.messages(ctx, query, args...)
}

// LastMessage returns the newest content message the account sent or
// received, or nil when there is none.
func (db *DB) LastMessage(ctx context.Context, account string) (*models.Message, error) {
	return db.optional(db.message(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE type = 'message' AND (author = ? OR receiver = ?) ORDER BY created_at DESC LIMIT 1",
		account, account,
	))
}

// LastMessageBetween returns the newest content message of the pair, or nil.
func (db *DB) LastMessageBetween(ctx context.Context, a, b string) (*models.Message, error) {
	return db.optional(db.message(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE type = 'message' AND "+pairClause+" ORDER BY created_at DESC LIMIT 1",
		a, b, b, a,
	))
}

// MessagesSince returns content messages received by account after since,
// oldest first. A nil since returns every received message.
func (db *DB) MessagesSince(ctx context.Context, account string, since *time.Time) ([]*models.Message, error) {
	var after int64
	if since != nil {
		after = nanos(*since)
	}
	return db.messages(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE type = 'message' AND receiver = ? AND created_at > ? ORDER BY created_at ASC",
		account, after,
	)
}

func (db *DB) optional(m *models.Message, err error) (*models.Message, error) {
	if errors.Is(err, ErrNoRows) {
		return nil, nil
	}
	return m, err
}
