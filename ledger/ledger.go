// Package ledger enforces the two-phase conversation handshake.
//
// A relation between a and b is derived from the peer-set rows a->b and
// b->a: one row means pending, both mean established. Every mutation holds
// the pair lock, so two concurrent initiate/reciprocate calls on one pair
// are serialized and always converge.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"cipherline/apperr"
	"cipherline/db"
	"cipherline/keylock"
	"cipherline/models"
)

// Store is the slice of the durable store the ledger needs.
type Store interface {
	AccountExists(ctx context.Context, id string) (bool, error)
	HasPeer(ctx context.Context, owner, peer string) (bool, error)
	AddPeer(ctx context.Context, owner, peer string) error
	RemovePeer(ctx context.Context, owner, peer string) (bool, error)
	Peers(ctx context.Context, owner string) ([]string, error)
	EstablishedPeers(ctx context.Context, account string) ([]string, error)
	WaitingPeers(ctx context.Context, account string) ([]string, error)
	PutKey(ctx context.Context, id, author, receiver, key string) error
	DeleteKey(ctx context.Context, author, receiver string) error
	DeleteBetween(ctx context.Context, a, b string) error
}

type Ledger struct {
	store Store
	locks *keylock.Map
}

func New(store Store) *Ledger {
	return &Ledger{store: store, locks: keylock.New()}
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "pair:" + a + ":" + b
}

func (l *Ledger) lockPair(a, b string) func() {
	return l.locks.Lock(pairKey(a, b))
}

// Initiate links initiator to target and stores the initiator's key.
// When target already initiated toward initiator the call completes the
// relation and Established is returned.
func (l *Ledger) Initiate(ctx context.Context, initiator, target, key string) (models.Relation, error) {
	if initiator == target {
		return models.NoRelation, apperr.New(apperr.SelfConversation)
	}
	if err := l.requireAccount(ctx, target); err != nil {
		return models.NoRelation, err
	}

	unlock := l.lockPair(initiator, target)
	defer unlock()

	rel, err := l.status(ctx, initiator, target)
	if err != nil {
		return models.NoRelation, err
	}
	switch rel {
	case models.AwaitingPeer, models.Established:
		return rel, apperr.New(apperr.AlreadyHasConversation)
	case models.NoRelation:
		// Leftovers of a terminate that failed after unlinking.
		if err := l.store.DeleteBetween(ctx, initiator, target); err != nil {
			return models.NoRelation, err
		}
	}

	if err := l.link(ctx, initiator, target, key); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return rel, apperr.New(apperr.AlreadyHasConversation)
		}
		return models.NoRelation, err
	}

	if rel == models.AwaitingSelf {
		return models.Established, nil
	}
	return models.AwaitingPeer, nil
}

// Reciprocate completes a relation the initiator opened toward acceptor.
func (l *Ledger) Reciprocate(ctx context.Context, acceptor, initiator, key string) error {
	if acceptor == initiator {
		return apperr.New(apperr.SelfConversation)
	}
	if err := l.requireAccount(ctx, initiator); err != nil {
		return err
	}

	unlock := l.lockPair(acceptor, initiator)
	defer unlock()

	rel, err := l.status(ctx, acceptor, initiator)
	if err != nil {
		return err
	}
	switch rel {
	case models.NoRelation, models.AwaitingPeer:
		return apperr.New(apperr.DidNotCreateConversation)
	case models.Established:
		return apperr.New(apperr.AlreadySentKey)
	}

	// A terminate that failed after unlinking acceptor can leave its old key.
	if err := l.store.DeleteKey(ctx, acceptor, initiator); err != nil {
		return err
	}
	if err := l.link(ctx, acceptor, initiator, key); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return apperr.New(apperr.AlreadySentKey)
		}
		return err
	}
	return nil
}

// link inserts owner->peer and the owner's key record. A failed key write
// undoes the link so the call can be retried.
func (l *Ledger) link(ctx context.Context, owner, peer, key string) error {
	if err := l.store.AddPeer(ctx, owner, peer); err != nil {
		return err
	}
	if err := l.store.PutKey(ctx, uuid.NewString(), owner, peer, key); err != nil {
		if _, rerr := l.store.RemovePeer(ctx, owner, peer); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

// Terminate unlinks both directions, then purges the pair's messages and
// keys. Partial failure leaves a state a retry (or a later Initiate) cleans up.
func (l *Ledger) Terminate(ctx context.Context, a, b string) error {
	unlock := l.lockPair(a, b)
	defer unlock()

	rel, err := l.status(ctx, a, b)
	if err != nil {
		return err
	}
	if rel == models.NoRelation {
		return apperr.New(apperr.NoConversation)
	}

	if _, err := l.store.RemovePeer(ctx, a, b); err != nil {
		return err
	}
	if _, err := l.store.RemovePeer(ctx, b, a); err != nil {
		return err
	}
	return l.store.DeleteBetween(ctx, a, b)
}

// Status reports the relation between a and b as seen from a.
func (l *Ledger) Status(ctx context.Context, a, b string) (models.Relation, error) {
	if a == b {
		return models.NoRelation, nil
	}
	return l.status(ctx, a, b)
}

func (l *Ledger) status(ctx context.Context, a, b string) (models.Relation, error) {
	forward, err := l.store.HasPeer(ctx, a, b)
	if err != nil {
		return models.NoRelation, err
	}
	backward, err := l.store.HasPeer(ctx, b, a)
	if err != nil {
		return models.NoRelation, err
	}

	switch {
	case forward && backward:
		return models.Established, nil
	case forward:
		return models.AwaitingPeer, nil
	case backward:
		return models.AwaitingSelf, nil
	}
	return models.NoRelation, nil
}

// WithEstablished runs fn under the pair lock while a and b are
// established. Terminate cannot interleave, so nothing fn writes for the
// pair outlives the relation.
func (l *Ledger) WithEstablished(ctx context.Context, a, b string, fn func() error) error {
	unlock := l.lockPair(a, b)
	defer unlock()

	rel, err := l.status(ctx, a, b)
	if err != nil {
		return err
	}
	if rel != models.Established {
		return apperr.New(apperr.NoConversation)
	}
	return fn()
}

// WithPairs runs fn holding the pair locks of account with every peer.
func (l *Ledger) WithPairs(account string, peers []string, fn func() error) error {
	keys := make([]string, 0, len(peers))
	for _, peer := range peers {
		keys = append(keys, pairKey(account, peer))
	}
	unlock := l.locks.Lock(keys...)
	defer unlock()
	return fn()
}

// Peers is the account's peer-set: established and pending outgoing.
func (l *Ledger) Peers(ctx context.Context, account string) ([]string, error) {
	return l.store.Peers(ctx, account)
}

func (l *Ledger) Established(ctx context.Context, account string) ([]string, error) {
	return l.store.EstablishedPeers(ctx, account)
}

// Waiting lists the accounts that initiated toward account and still wait
// for its key.
func (l *Ledger) Waiting(ctx context.Context, account string) ([]string, error) {
	return l.store.WaitingPeers(ctx, account)
}

func (l *Ledger) requireAccount(ctx context.Context, id string) error {
	ok, err := l.store.AccountExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.UnknownAccount)
	}
	return nil
}
