package db

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"cipherline/models"
)

const accountColumns = "id, name, nickname, password, status, last_disconnect, avatar, created_at"

func scanAccount(row interface{ Scan(...any) error }) (*models.Account, error) {
	var (
		a              models.Account
		status         string
		lastDisconnect sql.NullInt64
		avatar         sql.NullString
		createdAt      int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Nickname, &a.PasswordHash, &status, &lastDisconnect, &avatar, &createdAt); err != nil {
		return nil, err
	}
	a.Status = models.Status(status)
	a.LastDisconnect = nullTime(lastDisconnect)
	a.Avatar = nullString(avatar)
	a.CreatedAt = fromNanos(createdAt)
	return &a, nil
}

// CreateAccount stores a new account and issues its first token.
func (db *DB) CreateAccount(ctx context.Context, nickname, name, password string) (*models.Account, string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	account := &models.Account{
		ID:           uuid.NewString(),
		Name:         name,
		Nickname:     nickname,
		PasswordHash: string(hashed),
		Status:       models.StatusOnline,
		CreatedAt:    time.Now().UTC(),
	}

	token, tokenHash, err := generateToken()
	if err != nil {
		return nil, "", err
	}

	err = db.tx(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx,
			"INSERT INTO accounts (id, name, nickname, password, status, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			account.ID, account.Name, account.Nickname, account.PasswordHash, string(account.Status), nanos(account.CreatedAt),
		)
		if err != nil {
			return err
		}
		_, err = db.exec(ctx, tx,
			"INSERT INTO tokens (hash, account_id, created_at) VALUES (?, ?, ?)",
			tokenHash, account.ID, nanos(account.CreatedAt),
		)
		return err
	})
	if err != nil {
		if db.dialect.uniqueViolation(err) {
			return nil, "", ErrNameTaken
		}
		return nil, "", err
	}

	return account, token, nil
}

// VerifyCredential checks name and password. Unknown names yield ErrNoRows,
// wrong passwords ErrBadPassword.
func (db *DB) VerifyCredential(ctx context.Context, name, password string) (*models.Account, error) {
	account, err := db.ResolveByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrBadPassword
	}
	return account, nil
}

// CheckPassword verifies password against the stored hash of id.
func (db *DB) CheckPassword(ctx context.Context, id, password string) error {
	account, err := db.ResolveByID(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return ErrBadPassword
	}
	return nil
}

// IssueToken creates an additional bearer token for id (one per login).
func (db *DB) IssueToken(ctx context.Context, id string) (string, error) {
	token, tokenHash, err := generateToken()
	if err != nil {
		return "", err
	}
	_, err = db.execRetry(ctx,
		"INSERT INTO tokens (hash, account_id, created_at) VALUES (?, ?, ?)",
		tokenHash, id, nanos(time.Now()),
	)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (db *DB) ResolveByToken(ctx context.Context, token string) (*models.Account, error) {
	return db.resolve(ctx,
		"SELECT "+prefixed("a.", accountColumns)+" FROM accounts a JOIN tokens t ON t.account_id = a.id WHERE t.hash = ?",
		hashToken(token),
	)
}

func (db *DB) ResolveByID(ctx context.Context, id string) (*models.Account, error) {
	return db.resolve(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
}

func (db *DB) ResolveByName(ctx context.Context, name string) (*models.Account, error) {
	return db.resolve(ctx, "SELECT "+accountColumns+" FROM accounts WHERE name = ?", name)
}

func (db *DB) resolve(ctx context.Context, query string, args ...any) (*models.Account, error) {
	var account *models.Account
	err := db.retry(ctx, func() error {
		var err error
		account, err = scanAccount(db.conn.QueryRowContext(ctx, db.dialect.rebind(query), args...))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	return account, err
}

func (db *DB) AccountExists(ctx context.Context, id string) (bool, error) {
	var count int
	if err := db.scan(ctx, "SELECT COUNT(*) FROM accounts WHERE id = ?", []any{id}, &count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	return db.updateAccount(ctx, "UPDATE accounts SET status = ? WHERE id = ?", string(status), id)
}

func (db *DB) UpdateNickname(ctx context.Context, id, nickname string) error {
	return db.updateAccount(ctx, "UPDATE accounts SET nickname = ? WHERE id = ?", nickname, id)
}

// ChangePassword replaces the hash, revokes every token of the account and
// returns a fresh one.
func (db *DB) ChangePassword(ctx context.Context, id, password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	token, tokenHash, err := generateToken()
	if err != nil {
		return "", err
	}

	err = db.tx(ctx, func(tx *sql.Tx) error {
		res, err := db.exec(ctx, tx, "UPDATE accounts SET password = ? WHERE id = ?", string(hashed), id)
		if err != nil {
			return err
		}
		if err := requireRows(res); err != nil {
			return err
		}
		if _, err := db.exec(ctx, tx, "DELETE FROM tokens WHERE account_id = ?", id); err != nil {
			return err
		}
		_, err = db.exec(ctx, tx,
			"INSERT INTO tokens (hash, account_id, created_at) VALUES (?, ?, ?)",
			tokenHash, id, nanos(time.Now()),
		)
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// SetAvatar stores the new avatar hash (nil clears it) and returns the
// previous one.
func (db *DB) SetAvatar(ctx context.Context, id string, hash *string) (*string, error) {
	var previous *string
	err := db.tx(ctx, func(tx *sql.Tx) error {
		var old sql.NullString
		err := tx.QueryRowContext(ctx, db.dialect.rebind("SELECT avatar FROM accounts WHERE id = ?"), id).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoRows
		}
		if err != nil {
			return err
		}
		previous = nullString(old)

		var value any
		if hash != nil {
			value = *hash
		}
		_, err = db.exec(ctx, tx, "UPDATE accounts SET avatar = ? WHERE id = ?", value, id)
		return err
	})
	return previous, err
}

// AvatarReferenced reports whether any account still uses hash.
func (db *DB) AvatarReferenced(ctx context.Context, hash string) (bool, error) {
	var count int
	if err := db.scan(ctx, "SELECT COUNT(*) FROM accounts WHERE avatar = ?", []any{hash}, &count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// StampDisconnect records at as the account's last-disconnect time. Catch-up
// on the next connect replays every received message created after it.
func (db *DB) StampDisconnect(ctx context.Context, id string, at time.Time) error {
	return db.updateAccount(ctx, "UPDATE accounts SET last_disconnect = ? WHERE id = ?", nanos(at), id)
}

// DeleteAccount removes the account, its tokens, its peer links in both
// directions and every message it authored or received.
func (db *DB) DeleteAccount(ctx context.Context, id string) error {
	return db.tx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			"DELETE FROM messages WHERE author = ? OR receiver = ?",
			"DELETE FROM peers WHERE owner = ? OR peer = ?",
		}
		for _, stmt := range statements {
			if _, err := db.exec(ctx, tx, stmt, id, id); err != nil {
				return err
			}
		}
		if _, err := db.exec(ctx, tx, "DELETE FROM tokens WHERE account_id = ?", id); err != nil {
			return err
		}
		res, err := db.exec(ctx, tx, "DELETE FROM accounts WHERE id = ?", id)
		if err != nil {
			return err
		}
		return requireRows(res)
	})
}

func (db *DB) updateAccount(ctx context.Context, query string, args ...any) error {
	res, err := db.execRetry(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRows(res)
}

// generateToken returns a random bearer token and the hash that is stored.
func generateToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func prefixed(prefix, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
