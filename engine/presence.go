package engine

import (
	"context"
	"errors"
	"time"

	"cipherline/apperr"
	"cipherline/db"
	"cipherline/models"
	"cipherline/protocol"
	"cipherline/registry"
)

// Connect registers h for the account and runs the bootstrap sequence on
// it: waiting users, missed messages since the last disconnect, the status
// of online peers, the account's own status, and finally ready. The
// account's status is broadcast to its peers when h is its first handle.
func (e *Engine) Connect(ctx context.Context, accountID string, h registry.Handle) error {
	unlock := e.lockPresence(accountID)
	defer unlock()

	account, err := e.requireAccount(ctx, accountID)
	if err != nil {
		return err
	}
	status := account.Status
	if !status.Valid() {
		status = models.StatusOnline
	}

	first := e.registry.Register(accountID, h, status)
	if err := e.bootstrap(ctx, account, status, h); err != nil {
		e.registry.Unregister(h)
		return err
	}

	if first && status.Effective() != models.StatusOffline {
		ev := protocol.NewEvent(protocol.EventStatus, protocol.StatusPayload{User: accountID, Status: status.Effective()})
		if err := e.pushPeers(ctx, accountID, ev); err != nil {
			e.log.Error("status broadcast failed", "account", accountID, "err", err)
		}
	}

	e.pushHandle(h, protocol.NewEvent(protocol.EventReady, nil))
	e.log.Debug("connected", "account", accountID, "first", first)
	return nil
}

func (e *Engine) bootstrap(ctx context.Context, account *models.Account, status models.Status, h registry.Handle) error {
	waiting, err := e.ledger.Waiting(ctx, account.ID)
	if err != nil {
		return err
	}
	if waiting == nil {
		waiting = []string{}
	}
	e.pushHandle(h, protocol.NewEvent(protocol.EventWaitingUsers, waiting))

	missed, err := e.store.MessagesSince(ctx, account.ID, account.LastDisconnect)
	if err != nil {
		return err
	}
	batch := make([]protocol.MessagePayload, 0, len(missed))
	for _, m := range missed {
		batch = append(batch, protocol.MessagePayload{ID: m.ID, User: m.Author, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	e.pushHandle(h, protocol.NewEvent(protocol.EventNewMessages, batch))

	peers, err := e.ledger.Established(ctx, account.ID)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		st := e.registry.EffectiveStatus(peer)
		if st == models.StatusOffline {
			continue
		}
		e.pushHandle(h, protocol.NewEvent(protocol.EventStatus, protocol.StatusPayload{User: peer, Status: st}))
	}

	e.pushHandle(h, protocol.NewEvent(protocol.EventStatus, protocol.StatusPayload{
		User:   account.ID,
		Status: status.Effective(),
	}))
	return nil
}

// Disconnect unregisters h. When it was the account's last handle the
// last-disconnect time is stamped and peers see the account go offline.
//
// Sends to the account hold its presence lock, so a message either reached
// h before it left or was created after the stamp and is replayed by the
// next connect.
func (e *Engine) Disconnect(ctx context.Context, h registry.Handle) {
	accountID, ok := e.registry.Owner(h)
	if !ok {
		return
	}

	unlock := e.lockPresence(accountID)
	defer unlock()

	at := e.store.Now()
	if _, last, ok := e.registry.Unregister(h); !ok || !last {
		return
	}
	e.wentOffline(ctx, accountID, at)
	e.log.Debug("disconnected", "account", accountID)
}

// wentOffline stamps at as the last disconnect of an account whose last
// handle is gone and tells its peers. Callers hold the presence lock.
func (e *Engine) wentOffline(ctx context.Context, accountID string, at time.Time) {
	account, err := e.store.ResolveByID(ctx, accountID)
	if errors.Is(err, db.ErrNoRows) {
		return
	}
	if err != nil {
		e.log.Error("disconnect lookup failed", "account", accountID, "err", err)
		return
	}
	if err := e.store.StampDisconnect(ctx, accountID, at); err != nil {
		e.log.Error("stamp disconnect failed", "account", accountID, "err", err)
	}

	// Observers already see a hidden account as offline.
	if account.Status == models.StatusHidden {
		return
	}
	if err := e.broadcastStatus(ctx, accountID, models.StatusOffline); err != nil {
		e.log.Error("status broadcast failed", "account", accountID, "err", err)
	}
}

// ChangeStatus persists a new status and broadcasts its effective value.
// Choosing the current status again is a no-op.
func (e *Engine) ChangeStatus(ctx context.Context, accountID string, status models.Status) error {
	if !status.Valid() {
		return apperr.New(apperr.InvalidStatusValue)
	}

	unlock := e.lockPresence(accountID)
	defer unlock()

	account, err := e.requireAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.Status == status {
		return nil
	}
	if err := e.store.UpdateStatus(ctx, accountID, status); err != nil {
		return err
	}
	if !e.registry.SetStatus(accountID, status) {
		return nil
	}
	return e.broadcastStatus(ctx, accountID, status)
}

// Typing forwards a typing indicator to an established peer. Nothing is
// stored.
func (e *Engine) Typing(ctx context.Context, accountID, peerID string) error {
	if _, err := e.requireAccount(ctx, peerID); err != nil {
		return err
	}
	rel, err := e.ledger.Status(ctx, accountID, peerID)
	if err != nil {
		return err
	}
	if rel != models.Established {
		return apperr.New(apperr.NoConversation)
	}
	e.push(peerID, protocol.NewEvent(protocol.EventUserTyping, protocol.UserPayload{User: accountID}))
	return nil
}

// Shutdown says bye to every live handle, unregisters it, stamps the
// last-disconnect time of every online account and closes the handles.
// A Disconnect arriving for a closed handle afterwards is a no-op.
func (e *Engine) Shutdown(ctx context.Context, reason string, until *time.Time) {
	bye := protocol.NewEvent(protocol.EventBye, protocol.ByePayload{Reason: reason, Until: until})
	for accountID := range e.registry.All() {
		e.closeAccount(ctx, accountID, bye)
	}
	e.log.Info("shutdown notified", "reason", reason)
}

func (e *Engine) closeAccount(ctx context.Context, accountID string, bye protocol.Event) {
	unlock := e.lockPresence(accountID)
	defer unlock()

	at := e.store.Now()
	handles := e.registry.HandlesFor(accountID)
	for _, h := range handles {
		e.pushHandle(h, bye)
		e.registry.Unregister(h)
	}
	if len(handles) > 0 {
		if err := e.store.StampDisconnect(ctx, accountID, at); err != nil && !errors.Is(err, db.ErrNoRows) {
			e.log.Error("stamp disconnect failed", "account", accountID, "err", err)
		}
	}
	for _, h := range handles {
		h.Close()
	}
}

// broadcastStatus sends the effective form of status to established peers
// and to the account's own handles.
func (e *Engine) broadcastStatus(ctx context.Context, accountID string, status models.Status) error {
	return e.notify(ctx, accountID, protocol.NewEvent(protocol.EventStatus, protocol.StatusPayload{
		User:   accountID,
		Status: status.Effective(),
	}))
}
