package engine

import (
	"context"
	"errors"

	"golang.org/x/text/unicode/norm"

	"cipherline/apperr"
	"cipherline/db"
	"cipherline/models"
	"cipherline/protocol"
)

// InitiateConversation opens a conversation with the account named
// peerName and stores the initiator's public key. If the peer already
// initiated toward us the conversation is established at once.
func (e *Engine) InitiateConversation(ctx context.Context, id, peerName, key string) (models.Relation, error) {
	if err := validKey(key); err != nil {
		return models.NoRelation, err
	}
	peer, err := e.resolveName(ctx, peerName)
	if err != nil {
		return models.NoRelation, err
	}

	rel, err := e.ledger.Initiate(ctx, id, peer.ID, key)
	if err != nil {
		return rel, err
	}

	if rel == models.Established {
		e.push(peer.ID, protocol.NewEvent(protocol.EventConversationKey, protocol.KeyPayload{User: id, Key: key}))
		e.exchangeStatus(id, peer.ID)
	} else {
		e.push(peer.ID, protocol.NewEvent(protocol.EventNewConversation, protocol.UserPayload{User: id}))
	}
	e.push(id, protocol.NewEvent(protocol.EventStatus, protocol.StatusPayload{
		User:   id,
		Status: e.registry.EffectiveStatus(id),
	}))
	return rel, nil
}

// SendKey answers a conversation peerName initiated.
func (e *Engine) SendKey(ctx context.Context, id, peerName, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	peer, err := e.resolveName(ctx, peerName)
	if err != nil {
		return err
	}

	if err := e.ledger.Reciprocate(ctx, id, peer.ID, key); err != nil {
		return err
	}

	e.push(peer.ID, protocol.NewEvent(protocol.EventConversationKey, protocol.KeyPayload{User: id, Key: key}))
	e.exchangeStatus(id, peer.ID)
	return nil
}

// DeleteConversation terminates the relation in both directions and purges
// its messages. Both sides' live handles are told, each naming the other.
func (e *Engine) DeleteConversation(ctx context.Context, id, peerID string) error {
	if _, err := e.requireAccount(ctx, peerID); err != nil {
		return err
	}
	if err := e.ledger.Terminate(ctx, id, peerID); err != nil {
		return err
	}
	e.push(peerID, protocol.NewEvent(protocol.EventConversationDelete, protocol.UserPayload{User: id}))
	// the account's other devices drop the conversation too
	e.push(id, protocol.NewEvent(protocol.EventConversationDelete, protocol.UserPayload{User: peerID}))
	return nil
}

// Conversations summarizes every relation of the account, pending ones
// included.
func (e *Engine) Conversations(ctx context.Context, id string) ([]models.ConversationSummary, error) {
	peers, err := e.store.LinkedPeers(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make([]models.ConversationSummary, 0, len(peers))
	for _, peerID := range peers {
		peer, err := e.store.ResolveByID(ctx, peerID)
		if errors.Is(err, db.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		summary, err := e.summarize(ctx, id, peer)
		if err != nil {
			return nil, err
		}
		out = append(out, *summary)
	}
	return out, nil
}

func (e *Engine) Conversation(ctx context.Context, id, peerID string) (*models.ConversationSummary, error) {
	peer, err := e.requireAccount(ctx, peerID)
	if err != nil {
		return nil, err
	}
	summary, err := e.summarize(ctx, id, peer)
	if err != nil {
		return nil, err
	}
	if summary.Relation == models.NoRelation {
		return nil, apperr.New(apperr.NoConversation)
	}
	return summary, nil
}

// PeerKey returns the public key peerID sent to the account.
func (e *Engine) PeerKey(ctx context.Context, id, peerID string) (string, error) {
	if _, err := e.requireAccount(ctx, peerID); err != nil {
		return "", err
	}
	rel, err := e.ledger.Status(ctx, id, peerID)
	if err != nil {
		return "", err
	}
	if rel != models.Established && rel != models.AwaitingSelf {
		return "", apperr.New(apperr.NoConversation)
	}

	key, err := e.store.GetKey(ctx, peerID, id)
	if errors.Is(err, db.ErrNoRows) {
		return "", apperr.New(apperr.NoConversation)
	}
	if err != nil {
		return "", err
	}
	return key.Content, nil
}

func (e *Engine) summarize(ctx context.Context, id string, peer *models.Account) (*models.ConversationSummary, error) {
	rel, err := e.ledger.Status(ctx, id, peer.ID)
	if err != nil {
		return nil, err
	}
	summary := &models.ConversationSummary{Peer: peer.Public(), Relation: rel}
	if rel == models.Established {
		summary.Status = e.registry.EffectiveStatus(peer.ID)
		summary.LastMessage, err = e.store.LastMessageBetween(ctx, id, peer.ID)
		if err != nil {
			return nil, err
		}
	}
	return summary, nil
}

// exchangeStatus tells two freshly established peers about each other.
func (e *Engine) exchangeStatus(a, b string) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		observer, subject := pair[0], pair[1]
		status := e.registry.EffectiveStatus(subject)
		if status == models.StatusOffline {
			continue
		}
		e.push(observer, protocol.NewEvent(protocol.EventStatus, protocol.StatusPayload{User: subject, Status: status}))
	}
}

func (e *Engine) resolveName(ctx context.Context, name string) (*models.Account, error) {
	account, err := e.store.ResolveByName(ctx, norm.NFC.String(name))
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.New(apperr.UnknownAccount)
	}
	return account, err
}
