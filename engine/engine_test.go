package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherline/apperr"
	"cipherline/db"
	"cipherline/models"
	"cipherline/protocol"
	"cipherline/registry"
)

var errClosed = errors.New("handle closed")

// fakeHandle records every pushed event.
type fakeHandle struct {
	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

func (h *fakeHandle) Push(ev protocol.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errClosed
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Name)
	}
	return out
}

func (h *fakeHandle) named(name string) []protocol.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.Event
	for _, ev := range h.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (h *fakeHandle) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
}

// statuses returns the status payloads about user, in push order.
func (h *fakeHandle) statuses(user string) []models.Status {
	var out []models.Status
	for _, ev := range h.named(protocol.EventStatus) {
		if p := ev.Data.(protocol.StatusPayload); p.User == user {
			out = append(out, p.Status)
		}
	}
	return out
}

var (
	keyOnce sync.Once
	testKey string
)

func publicKey(t *testing.T) string {
	t.Helper()
	keyOnce.Do(func() {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		require.NoError(t, err)
		testKey = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	})
	return testKey
}

type env struct {
	t      *testing.T
	ctx    context.Context
	store  *db.DB
	engine *Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := db.New("sqlite", filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &env{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		engine: New(store, registry.New(), Config{}, nil),
	}
}

func (e *env) register(name string) *models.Account {
	e.t.Helper()
	account, _, err := e.engine.Register(e.ctx, name+"-nick", name, "pw123456")
	require.NoError(e.t, err)
	return account
}

func (e *env) establish(a, b *models.Account) {
	e.t.Helper()
	_, err := e.engine.InitiateConversation(e.ctx, a.ID, b.Name, publicKey(e.t))
	require.NoError(e.t, err)
	require.NoError(e.t, e.engine.SendKey(e.ctx, b.ID, a.Name, publicKey(e.t)))
}

func (e *env) connect(a *models.Account) *fakeHandle {
	e.t.Helper()
	h := &fakeHandle{}
	require.NoError(e.t, e.engine.Connect(e.ctx, a.ID, h))
	return h
}

func requireCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	require.Error(t, err)
	e, ok := apperr.From(err)
	require.True(t, ok, "not a client error: %v", err)
	assert.Equal(t, code, e.Code, "got %q", e.Message)
}
