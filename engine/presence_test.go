package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherline/apperr"
	"cipherline/db"
	"cipherline/models"
	"cipherline/protocol"
	"cipherline/registry"
)

func TestConnectBootstrapOrder(t *testing.T) {
	e := newEnv(t)
	alice, bob, carol := e.register("alice"), e.register("bobby"), e.register("carol")
	e.establish(alice, bob)
	_, err := e.engine.InitiateConversation(e.ctx, carol.ID, "alice", publicKey(t))
	require.NoError(t, err)
	e.connect(bob)

	ha := e.connect(alice)
	assert.Equal(t, []string{
		protocol.EventWaitingUsers,
		protocol.EventNewMessages,
		protocol.EventStatus, // bob
		protocol.EventStatus, // self
		protocol.EventReady,
	}, ha.names())

	waiting := ha.named(protocol.EventWaitingUsers)[0].Data.([]string)
	assert.Equal(t, []string{carol.ID}, waiting)
	assert.Equal(t, []models.Status{models.StatusOnline}, ha.statuses(bob.ID))
	assert.Equal(t, []models.Status{models.StatusOnline}, ha.statuses(alice.ID))
}

func TestConnectBroadcastsOnlyOnFirstHandle(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register("alice"), e.register("bobby")
	e.establish(alice, bob)
	hb := e.connect(bob)
	hb.reset()

	e.connect(alice)
	e.connect(alice)
	assert.Equal(t, []models.Status{models.StatusOnline}, hb.statuses(alice.ID))
}

func TestMultipleConnectionsPresence(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register("alice"), e.register("bobby")
	e.establish(alice, bob)
	hb := e.connect(bob)
	first, second := e.connect(alice), e.connect(alice)
	hb.reset()

	e.engine.Disconnect(e.ctx, first)
	assert.True(t, e.engine.Registry().Online(alice.ID))
	assert.Empty(t, hb.statuses(alice.ID))
	profile, err := e.engine.Profile(e.ctx, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, profile.LastDisconnect)

	e.engine.Disconnect(e.ctx, second)
	assert.False(t, e.engine.Registry().Online(alice.ID))
	assert.Equal(t, []models.Status{models.StatusOffline}, hb.statuses(alice.ID))
	profile, err = e.engine.Profile(e.ctx, alice.ID)
	require.NoError(t, err)
	assert.NotNil(t, profile.LastDisconnect)

	// unknown handles are ignored
	e.engine.Disconnect(e.ctx, &fakeHandle{})
}

func TestOfflineMessageCaughtUpOnReconnect(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register("alice"), e.register("bobby")
	e.establish(alice, bob)

	old := e.connect(bob)
	_, err := e.engine.SendMessage(e.ctx, alice.ID, bob.ID, "seen live")
	require.NoError(t, err)
	e.engine.Disconnect(e.ctx, old)

	m, err := e.engine.SendMessage(e.ctx, alice.ID, bob.ID, "while away")
	require.NoError(t, err)
	assert.Len(t, old.named(protocol.EventNewMessage), 1, "offline receiver gets no live push")

	fresh := e.connect(bob)
	assert.Empty(t, fresh.named(protocol.EventNewMessage))
	batches := fresh.named(protocol.EventNewMessages)
	require.Len(t, batches, 1)
	batch := batches[0].Data.([]protocol.MessagePayload)
	require.Len(t, batch, 1)
	assert.Equal(t, m.ID, batch[0].ID)
	assert.Equal(t, "while away", batch[0].Content)
}

// gapStore runs a hook once, inside the next account lookup after it is
// armed. Disconnect looks the account up after the handle has left the
// registry and before the disconnect stamp is written.
type gapStore struct {
	*db.DB
	mu   sync.Mutex
	hook func()
}

func (s *gapStore) arm(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

func (s *gapStore) ResolveByID(ctx context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	fn := s.hook
	s.hook = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return s.DB.ResolveByID(ctx, id)
}

func TestSendDuringDisconnectIsCaughtUp(t *testing.T) {
	e := newEnv(t)
	store := &gapStore{DB: e.store}
	e.engine = New(store, registry.New(), Config{}, nil)

	alice, bob := e.register("alice"), e.register("bobby")
	e.establish(alice, bob)
	old := e.connect(bob)

	sent := make(chan *models.Message, 1)
	store.arm(func() {
		go func() {
			m, err := e.engine.SendMessage(e.ctx, alice.ID, bob.ID, "in the gap")
			assert.NoError(t, err)
			sent <- m
		}()
		// let the send reach the receiver's presence lock
		time.Sleep(50 * time.Millisecond)
	})
	e.engine.Disconnect(e.ctx, old)

	var m *models.Message
	select {
	case m = <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not complete")
	}
	require.NotNil(t, m)
	assert.Empty(t, old.named(protocol.EventNewMessage))

	fresh := e.connect(bob)
	batches := fresh.named(protocol.EventNewMessages)
	require.Len(t, batches, 1)
	batch := batches[0].Data.([]protocol.MessagePayload)
	require.Len(t, batch, 1)
	assert.Equal(t, m.ID, batch[0].ID)
}

func TestSendToDeadHandleIsCaughtUp(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register("alice"), e.register("bobby")
	e.establish(alice, bob)
	ha := e.connect(alice)
	dead := e.connect(bob)
	dead.Close()
	ha.reset()

	m, err := e.engine.SendMessage(e.ctx, alice.ID, bob.ID, "nobody listening")
	require.NoError(t, err)
	assert.False(t, e.engine.Registry().Online(bob.ID))
	assert.Equal(t, []models.Status{models.StatusOffline}, ha.statuses(bob.ID))

	// the transport reports the close later
	e.engine.Disconnect(e.ctx, dead)
	assert.Equal(t, []models.Status{models.StatusOffline}, ha.statuses(bob.ID))

	fresh := e.connect(bob)
	batch := fresh.named(protocol.EventNewMessages)[0].Data.([]protocol.MessagePayload)
	require.Len(t, batch, 1)
	assert.Equal(t, m.ID, batch[0].ID)
}

func TestHiddenIsObservedAsOffline(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register("alice"), e.register("bobby")
	e.establish(alice, bob)
	hb := e.connect(bob)
	ha := e.connect(alice)

	requireCode(t, e.engine.ChangeStatus(e.ctx, alice.ID, "busy"), apperr.InvalidStatusValue)
	requireCode(t, e.engine.ChangeStatus(e.ctx, alice.ID, models.StatusOffline), apperr.InvalidStatusValue)

	require.NoError(t, e.engine.ChangeStatus(e.ctx, alice.ID, models.StatusDoNotDisturb))
	require.NoError(t, e.engine.ChangeStatus(e.ctx, alice.ID, models.StatusHidden))
	e.engine.Disconnect(e.ctx, ha)

	// reconnecting while hidden does not announce the account
	e.connect(alice)

	assert.Equal(t, []models.Status{
		models.StatusOnline,
		models.StatusDoNotDisturb,
		models.StatusOffline,
	}, hb.statuses(alice.ID))
	for _, st := range hb.statuses(alice.ID) {
		assert.NotEqual(t, models.StatusHidden, st)
	}

	summary, err := e.engine.Conversation(e.ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, summary.Status)
}

func TestChangeStatusSyncsOwnDevices(t *testing.T) {
	e := newEnv(t)
	alice := e.register("alice")
	phone, laptop := e.connect(alice), e.connect(alice)
	phone.reset()
	laptop.reset()

	require.NoError(t, e.engine.ChangeStatus(e.ctx, alice.ID, models.StatusDoNotDisturb))
	require.NoError(t, e.engine.ChangeStatus(e.ctx, alice.ID, models.StatusDoNotDisturb))

	for _, h := range []*fakeHandle{phone, laptop} {
		assert.Equal(t, []models.Status{models.StatusDoNotDisturb}, h.statuses(alice.ID))
	}

	profile, err := e.engine.Profile(e.ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDoNotDisturb, profile.Status)
}

func TestStatusPersistsAcrossSessions(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register("alice"), e.register("bobby")
	e.establish(alice, bob)

	h := e.connect(alice)
	require.NoError(t, e.engine.ChangeStatus(e.ctx, alice.ID, models.StatusDoNotDisturb))
	e.engine.Disconnect(e.ctx, h)

	hb := e.connect(bob)
	hb.reset()
	e.connect(alice)
	assert.Equal(t, []models.Status{models.StatusDoNotDisturb}, hb.statuses(alice.ID))
}

func TestTyping(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register("alice"), e.register("bobby")

	requireCode(t, e.engine.Typing(e.ctx, alice.ID, "missing"), apperr.UnknownAccount)
	requireCode(t, e.engine.Typing(e.ctx, alice.ID, bob.ID), apperr.NoConversation)

	e.establish(alice, bob)
	hb := e.connect(bob)
	require.NoError(t, e.engine.Typing(e.ctx, alice.ID, bob.ID))

	evs := hb.named(protocol.EventUserTyping)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.UserPayload{User: alice.ID}, evs[0].Data)
}

func TestShutdown(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register("alice"), e.register("bobby")
	handles := []*fakeHandle{e.connect(alice), e.connect(alice), e.connect(bob)}

	until := time.Now().Add(time.Minute).UTC()
	e.engine.Shutdown(e.ctx, "maintenance", &until)

	for _, h := range handles {
		evs := h.named(protocol.EventBye)
		require.Len(t, evs, 1)
		p := evs[0].Data.(protocol.ByePayload)
		assert.Equal(t, "maintenance", p.Reason)
		assert.True(t, until.Equal(*p.Until))
		assert.True(t, h.isClosed())
	}
	assert.Equal(t, 0, e.engine.Registry().Stats().Connections)

	stamps := map[string]time.Time{}
	for _, id := range []string{alice.ID, bob.ID} {
		profile, err := e.engine.Profile(e.ctx, id)
		require.NoError(t, err)
		require.NotNil(t, profile.LastDisconnect)
		stamps[id] = *profile.LastDisconnect
	}

	// transports closing afterwards leave the stamps alone
	for _, h := range handles {
		e.engine.Disconnect(e.ctx, h)
	}
	for id, stamp := range stamps {
		profile, err := e.engine.Profile(e.ctx, id)
		require.NoError(t, err)
		assert.True(t, stamp.Equal(*profile.LastDisconnect))
	}
}
