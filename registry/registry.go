// Package registry tracks the live real-time connections of every account.
//
// Membership is sharded by account id; each shard has its own lock, so
// connect and disconnect storms on different accounts never contend on one
// mutex. A lookup taken after Unregister returns never sees the removed
// handle, and a lookup taken after Register returns always sees the new one.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"

	"cipherline/models"
	"cipherline/protocol"
)

const shardCount = 64

// Handle is one live connection the engine can push events to.
// Push must not block on network I/O.
type Handle interface {
	Push(ev protocol.Event) error
	Close()
}

type account struct {
	handles map[Handle]struct{}
	status  models.Status
}

type shard struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

type Registry struct {
	shards [shardCount]shard
	owners sync.Map // Handle -> account id
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].accounts = make(map[string]*account)
	}
	return r
}

func (r *Registry) shardFor(accountID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register adds h under accountID with the account's current status
// snapshot. It reports whether this is the account's first live handle.
// Registering the same handle twice is a no-op.
func (r *Registry) Register(accountID string, h Handle, status models.Status) (first bool) {
	s := r.shardFor(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		acc = &account{handles: make(map[Handle]struct{})}
		s.accounts[accountID] = acc
	}
	if _, dup := acc.handles[h]; dup {
		return false
	}
	first = len(acc.handles) == 0
	acc.handles[h] = struct{}{}
	acc.status = status
	r.owners.Store(h, accountID)
	return first
}

// Unregister removes h. last is true when the account has no handles left,
// which is the signal for the offline transition.
func (r *Registry) Unregister(h Handle) (accountID string, last bool, ok bool) {
	v, ok := r.owners.LoadAndDelete(h)
	if !ok {
		return "", false, false
	}
	accountID = v.(string)

	s := r.shardFor(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, found := s.accounts[accountID]
	if !found {
		return accountID, false, true
	}
	delete(acc.handles, h)
	if len(acc.handles) == 0 {
		delete(s.accounts, accountID)
		return accountID, true, true
	}
	return accountID, false, true
}

// Owner returns the account h is registered under.
func (r *Registry) Owner(h Handle) (string, bool) {
	v, ok := r.owners.Load(h)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// HandlesFor returns a snapshot of the account's live handles.
func (r *Registry) HandlesFor(accountID string) []Handle {
	s := r.shardFor(accountID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(acc.handles))
	for h := range acc.handles {
		out = append(out, h)
	}
	return out
}

func (r *Registry) Online(accountID string) bool {
	s := r.shardFor(accountID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.accounts[accountID]
	return ok
}

// Status returns the cached status of an online account.
func (r *Registry) Status(accountID string) (models.Status, bool) {
	s := r.shardFor(accountID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return "", false
	}
	return acc.status, true
}

// EffectiveStatus is what observers see: offline without live handles,
// offline when hidden, the chosen status otherwise.
func (r *Registry) EffectiveStatus(accountID string) models.Status {
	status, ok := r.Status(accountID)
	if !ok {
		return models.StatusOffline
	}
	return status.Effective()
}

// SetStatus refreshes the cached status. It reports false when the account
// has no live handles.
func (r *Registry) SetStatus(accountID string, status models.Status) bool {
	s := r.shardFor(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return false
	}
	acc.status = status
	return true
}

// All returns every live handle grouped by account.
func (r *Registry) All() map[string][]Handle {
	out := make(map[string][]Handle)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id, acc := range s.accounts {
			for h := range acc.handles {
				out[id] = append(out[id], h)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

type Stats struct {
	Connections int
	Accounts    []string
}

func (r *Registry) Stats() Stats {
	var st Stats
	for id, handles := range r.All() {
		st.Connections += len(handles)
		st.Accounts = append(st.Accounts, id)
	}
	sort.Strings(st.Accounts)
	return st
}
