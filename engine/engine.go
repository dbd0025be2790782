// Package engine is the presence and delivery core. Every state-changing
// operation commits to the store first, then resolves the live handles of
// the affected accounts through the registry and pushes events to them.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cipherline/apperr"
	"cipherline/db"
	"cipherline/keylock"
	"cipherline/ledger"
	"cipherline/models"
	"cipherline/protocol"
	"cipherline/registry"
)

const (
	DefaultMaxMessageLength = 900
	DefaultMaxAvatarBytes   = 10 << 20
)

// Store is everything the engine reads and writes durably.
type Store interface {
	ledger.Store

	CreateAccount(ctx context.Context, nickname, name, password string) (*models.Account, string, error)
	VerifyCredential(ctx context.Context, name, password string) (*models.Account, error)
	CheckPassword(ctx context.Context, id, password string) error
	IssueToken(ctx context.Context, id string) (string, error)
	ResolveByToken(ctx context.Context, token string) (*models.Account, error)
	ResolveByID(ctx context.Context, id string) (*models.Account, error)
	ResolveByName(ctx context.Context, name string) (*models.Account, error)
	UpdateStatus(ctx context.Context, id string, status models.Status) error
	UpdateNickname(ctx context.Context, id, nickname string) error
	ChangePassword(ctx context.Context, id, password string) (string, error)
	SetAvatar(ctx context.Context, id string, hash *string) (*string, error)
	AvatarReferenced(ctx context.Context, hash string) (bool, error)
	StampDisconnect(ctx context.Context, id string, at time.Time) error
	Now() time.Time
	DeleteAccount(ctx context.Context, id string) error
	LinkedPeers(ctx context.Context, account string) ([]string, error)

	AppendMessage(ctx context.Context, id, author, receiver, content string) (*models.Message, error)
	GetKey(ctx context.Context, author, receiver string) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	EditMessage(ctx context.Context, id, content string) (time.Time, error)
	MarkRead(ctx context.Context, id string) error
	DeleteMessage(ctx context.Context, id string) error
	DeleteMessages(ctx context.Context, author, receiver string, ids []string) error
	ListBetween(ctx context.Context, a, b string, limit int, after string) ([]*models.Message, error)
	LastMessageBetween(ctx context.Context, a, b string) (*models.Message, error)
	MessagesSince(ctx context.Context, account string, since *time.Time) ([]*models.Message, error)

	PutBlob(ctx context.Context, data []byte, contentType string) (string, error)
	GetBlob(ctx context.Context, hash string) (*models.Blob, error)
	DeleteBlob(ctx context.Context, hash string) error
}

type Config struct {
	MaxMessageLength int
	MaxAvatarBytes   int
}

func (c Config) withDefaults() Config {
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.MaxAvatarBytes <= 0 {
		c.MaxAvatarBytes = DefaultMaxAvatarBytes
	}
	return c
}

type Engine struct {
	store    Store
	ledger   *ledger.Ledger
	registry *registry.Registry
	presence *keylock.Map
	config   Config
	log      *slog.Logger
}

func New(store Store, reg *registry.Registry, config Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    store,
		ledger:   ledger.New(store),
		registry: reg,
		presence: keylock.New(),
		config:   config.withDefaults(),
		log:      log.With("component", "engine"),
	}
}

func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

func (e *Engine) lockPresence(accountID string) func() {
	return e.presence.Lock("presence:" + accountID)
}

// push delivers ev to every live handle of accountID. A handle that refuses
// the event closes itself; delivery to the others continues.
func (e *Engine) push(accountID string, ev protocol.Event) {
	for _, h := range e.registry.HandlesFor(accountID) {
		e.pushHandle(h, ev)
	}
}

func (e *Engine) pushHandle(h registry.Handle, ev protocol.Event) {
	if err := h.Push(ev); err != nil {
		e.log.Debug("push dropped", "event", ev.Name, "err", err)
	}
}

// notify sends ev to the established peers of accountID and to the
// account's own handles.
func (e *Engine) notify(ctx context.Context, accountID string, ev protocol.Event) error {
	if err := e.pushPeers(ctx, accountID, ev); err != nil {
		return err
	}
	e.push(accountID, ev)
	return nil
}

func (e *Engine) pushPeers(ctx context.Context, accountID string, ev protocol.Event) error {
	peers, err := e.ledger.Established(ctx, accountID)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		e.push(peer, ev)
	}
	return nil
}

// requireAccount maps a missing account to UnknownAccount.
func (e *Engine) requireAccount(ctx context.Context, id string) (*models.Account, error) {
	account, err := e.store.ResolveByID(ctx, id)
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.New(apperr.UnknownAccount)
	}
	return account, err
}
