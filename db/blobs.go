package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"cipherline/models"
)

// PutBlob stores data under its sha256 hex digest. Storing identical bytes
// twice keeps the first row.
func (db *DB) PutBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	_, err := db.execRetry(ctx,
		"INSERT INTO blobs (hash, content_type, data, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (hash) DO NOTHING",
		hash, contentType, data, nanos(time.Now()),
	)
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (db *DB) GetBlob(ctx context.Context, hash string) (*models.Blob, error) {
	b := &models.Blob{Hash: hash}
	err := db.scan(ctx, "SELECT content_type, data FROM blobs WHERE hash = ?", []any{hash}, &b.ContentType, &b.Data)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// DeleteBlob removes the blob. Missing blobs are ignored.
func (db *DB) DeleteBlob(ctx context.Context, hash string) error {
	_, err := db.execRetry(ctx, "DELETE FROM blobs WHERE hash = ?", hash)
	return err
}
