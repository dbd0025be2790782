package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"cipherline/apperr"
	"cipherline/db"
	"cipherline/models"
	"cipherline/protocol"
)

const (
	minPurge = 2
	maxPurge = 100
)

// SendMessage appends content for receiver and pushes it to every live
// handle of the receiver. Append and push happen under the receiver's
// presence lock and the pair lock: live delivery follows append order,
// terminate cannot interleave, and a disconnect cannot fall between the
// append and the push.
func (e *Engine) SendMessage(ctx context.Context, author, receiver, content string) (*models.Message, error) {
	if err := e.validContent(content); err != nil {
		return nil, err
	}
	if _, err := e.requireAccount(ctx, receiver); err != nil {
		return nil, err
	}

	unlock := e.lockPresence(receiver)
	defer unlock()

	var m *models.Message
	err := e.ledger.WithEstablished(ctx, author, receiver, func() error {
		var err error
		m, err = e.store.AppendMessage(ctx, uuid.NewString(), author, receiver, content)
		if err != nil {
			return err
		}
		e.deliver(ctx, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// deliver pushes m to the receiver's handles. A handle that refuses it is
// dropped; when it was the last one the account goes offline with a stamp
// just before m, so the next connect replays it.
func (e *Engine) deliver(ctx context.Context, m *models.Message) {
	ev := protocol.NewEvent(protocol.EventNewMessage, protocol.MessagePayload{
		ID:        m.ID,
		User:      m.Author,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	})
	for _, h := range e.registry.HandlesFor(m.Receiver) {
		if err := h.Push(ev); err == nil {
			continue
		}
		e.log.Debug("dropping dead handle", "account", m.Receiver)
		_, last, ok := e.registry.Unregister(h)
		h.Close()
		if ok && last {
			e.wentOffline(ctx, m.Receiver, m.CreatedAt.Add(-time.Nanosecond))
		}
	}
}

func (e *Engine) EditMessage(ctx context.Context, id, messageID, content string) (*models.Message, error) {
	if err := e.validContent(content); err != nil {
		return nil, err
	}
	m, err := e.ownMessage(ctx, id, messageID)
	if err != nil {
		return nil, err
	}

	editedAt, err := e.store.EditMessage(ctx, messageID, content)
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.New(apperr.UnknownMessage)
	}
	if err != nil {
		return nil, err
	}
	m.Content = content
	m.EditedAt = &editedAt

	e.push(m.Receiver, protocol.NewEvent(protocol.EventMessageEdit, protocol.MessageEditPayload{
		ID:       m.ID,
		User:     id,
		Content:  content,
		EditedAt: editedAt,
	}))
	return m, nil
}

func (e *Engine) DeleteMessage(ctx context.Context, id, messageID string) error {
	m, err := e.ownMessage(ctx, id, messageID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return apperr.New(apperr.UnknownMessage)
		}
		return err
	}
	e.push(m.Receiver, protocol.NewEvent(protocol.EventDeleteMessage, protocol.MessageRefPayload{ID: m.ID, User: id}))
	return nil
}

// PurgeMessages deletes several of the account's messages to peerID at
// once. Either every message is deleted or none is.
func (e *Engine) PurgeMessages(ctx context.Context, id, peerID string, ids []string) error {
	ids = dedupe(ids)
	if len(ids) < minPurge || len(ids) > maxPurge {
		return apperr.New(apperr.InvalidMessagesNumber)
	}
	if _, err := e.requireAccount(ctx, peerID); err != nil {
		return err
	}

	for _, messageID := range ids {
		m, err := e.ownMessage(ctx, id, messageID)
		if err != nil {
			return err
		}
		if m.Receiver != peerID {
			return apperr.Newf(apperr.UnknownMessage, "Message %s doesn't exist", messageID)
		}
	}

	if err := e.store.DeleteMessages(ctx, id, peerID, ids); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return apperr.New(apperr.UnknownMessage)
		}
		return err
	}
	e.push(peerID, protocol.NewEvent(protocol.EventDeleteMessages, protocol.MessagesRefPayload{User: id, Messages: ids}))
	return nil
}

// MarkRead flags a received message as read and tells its author.
func (e *Engine) MarkRead(ctx context.Context, id, messageID string) error {
	m, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, db.ErrNoRows) {
		return apperr.New(apperr.UnknownMessage)
	}
	if err != nil {
		return err
	}
	if m.Receiver != id {
		return apperr.New(apperr.NotReceiverOfMessage)
	}

	switch err := e.store.MarkRead(ctx, messageID); {
	case errors.Is(err, db.ErrAlreadyRead):
		return apperr.New(apperr.AlreadyRead)
	case errors.Is(err, db.ErrNoRows):
		return apperr.New(apperr.UnknownMessage)
	case err != nil:
		return err
	}

	e.push(m.Author, protocol.NewEvent(protocol.EventReadMessage, protocol.MessageRefPayload{ID: m.ID, User: id}))
	return nil
}

// ListMessages pages through the conversation with peerID, newest first.
func (e *Engine) ListMessages(ctx context.Context, id, peerID string, limit int, after string) ([]*models.Message, error) {
	if limit < 1 || limit > db.MaxLimit {
		return nil, apperr.New(apperr.InvalidLimit)
	}
	if _, err := e.requireAccount(ctx, peerID); err != nil {
		return nil, err
	}
	rel, err := e.ledger.Status(ctx, id, peerID)
	if err != nil {
		return nil, err
	}
	if rel == models.NoRelation {
		return nil, apperr.New(apperr.NoConversation)
	}

	list, err := e.store.ListBetween(ctx, id, peerID, limit, after)
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.New(apperr.UnknownMessage)
	}
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.Message{}
	}
	return list, nil
}

// GetMessage returns a message the account sent or received.
func (e *Engine) GetMessage(ctx context.Context, id, messageID string) (*models.Message, error) {
	m, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.New(apperr.UnknownMessage)
	}
	if err != nil {
		return nil, err
	}
	if m.Author != id && m.Receiver != id {
		return nil, apperr.New(apperr.UnknownMessage)
	}
	return m, nil
}

// ownMessage loads a message and checks id wrote it.
func (e *Engine) ownMessage(ctx context.Context, id, messageID string) (*models.Message, error) {
	m, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.Newf(apperr.UnknownMessage, "Message %s doesn't exist", messageID)
	}
	if err != nil {
		return nil, err
	}
	if m.Author != id {
		return nil, apperr.New(apperr.NotAuthorOfMessage)
	}
	return m, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
