package db

import (
	"context"
	"database/sql"
	"time"
)

// Peer-set methods. A row (owner, peer) means owner has an established or
// pending conversation with peer.

func (db *DB) HasPeer(ctx context.Context, owner, peer string) (bool, error) {
	var count int
	err := db.scan(ctx, "SELECT COUNT(*) FROM peers WHERE owner = ? AND peer = ?", []any{owner, peer}, &count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) AddPeer(ctx context.Context, owner, peer string) error {
	_, err := db.execRetry(ctx,
		"INSERT INTO peers (owner, peer, created_at) VALUES (?, ?, ?)",
		owner, peer, nanos(time.Now()),
	)
	if err != nil && db.dialect.uniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// RemovePeer deletes the link and reports whether it existed.
func (db *DB) RemovePeer(ctx context.Context, owner, peer string) (bool, error) {
	res, err := db.execRetry(ctx, "DELETE FROM peers WHERE owner = ? AND peer = ?", owner, peer)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Peers lists the owner's peer-set, oldest first.
func (db *DB) Peers(ctx context.Context, owner string) ([]string, error) {
	return db.ids(ctx, "SELECT peer FROM peers WHERE owner = ? ORDER BY created_at ASC", owner)
}

// EstablishedPeers lists peers linked in both directions.
func (db *DB) EstablishedPeers(ctx context.Context, account string) ([]string, error) {
	return db.ids(ctx, `
		SELECT p.peer FROM peers p
		JOIN peers r ON r.owner = p.peer AND r.peer = p.owner
		WHERE p.owner = ?
		ORDER BY p.created_at ASC`,
		account,
	)
}

// WaitingPeers lists accounts that initiated a conversation with account
// which account has not reciprocated yet.
func (db *DB) WaitingPeers(ctx context.Context, account string) ([]string, error) {
	return db.ids(ctx, `
		SELECT p.owner FROM peers p
		WHERE p.peer = ?
		AND NOT EXISTS (SELECT 1 FROM peers r WHERE r.owner = p.peer AND r.peer = p.owner)
		ORDER BY p.created_at ASC`,
		account,
	)
}

// LinkedPeers lists every account related to account in either direction.
func (db *DB) LinkedPeers(ctx context.Context, account string) ([]string, error) {
	return db.ids(ctx, `
		SELECT peer FROM peers WHERE owner = ?
		UNION
		SELECT owner FROM peers WHERE peer = ?`,
		account, account,
	)
}

func (db *DB) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	return collect(ctx, db, query, args, func(rows *sql.Rows) (string, error) {
		var id string
		err := rows.Scan(&id)
		return id, err
	})
}
