package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobs(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	data := []byte("\x89PNG\r\n\x1a\nfake")

	hash, err := database.PutBlob(ctx, data, "image/png")
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	again, err := database.PutBlob(ctx, data, "image/png")
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	blob, err := database.GetBlob(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, blob.Data)
	assert.Equal(t, "image/png", blob.ContentType)

	require.NoError(t, database.DeleteBlob(ctx, hash))
	_, err = database.GetBlob(ctx, hash)
	assert.ErrorIs(t, err, ErrNoRows)
}
