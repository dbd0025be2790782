package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerLinks(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	alice := createAccount(t, database, "alice")
	bob := createAccount(t, database, "bobby")
	carol := createAccount(t, database, "carol")

	require.NoError(t, database.AddPeer(ctx, alice.ID, bob.ID))
	assert.ErrorIs(t, database.AddPeer(ctx, alice.ID, bob.ID), ErrDuplicate)
	require.NoError(t, database.AddPeer(ctx, carol.ID, alice.ID))

	has, err := database.HasPeer(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = database.HasPeer(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.False(t, has)

	waiting, err := database.WaitingPeers(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{carol.ID}, waiting)

	established, err := database.EstablishedPeers(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, established)

	require.NoError(t, database.AddPeer(ctx, bob.ID, alice.ID))
	established, err = database.EstablishedPeers(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.ID}, established)

	linked, err := database.LinkedPeers(ctx, alice.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{bob.ID, carol.ID}, linked)

	removed, err := database.RemovePeer(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = database.RemovePeer(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSelfPeerRejected(t *testing.T) {
	database := newTestDB(t)
	alice := createAccount(t, database, "alice")
	assert.Error(t, database.AddPeer(context.Background(), alice.ID, alice.ID))
}
