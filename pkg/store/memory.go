// Package store provides an in-memory account store with the same
// behaviour as the SQLite datastore. It backs tests and ephemeral relays.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/hosorelay/pkg/datastore"
	"github.com/NicolasHaas/hosorelay/pkg/model"
)

// MemoryStore provides an in-memory DataProviderFactory.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
	now   func() time.Time
}

type memoryState struct {
	users map[string]model.UserAccount
	hubs  map[int64]model.HubAccount
	// key hash -> owner name
	keys map[string]string
}

func newMemoryState() *memoryState {
	return &memoryState{
		users: make(map[string]model.UserAccount),
		hubs:  make(map[int64]model.HubAccount),
		keys:  make(map[string]string),
	}
}

func (st *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.hubs {
		c.hubs[k] = v
	}
	for k, v := range st.keys {
		c.keys[k] = v
	}
	return c
}

var _ datastore.DataProviderFactory = (*MemoryStore)(nil)

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		state: newMemoryState(),
		now:   now,
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) NonTx() datastore.DataStore {
	return &memoryProvider{parent: s}
}

// Tx works on a private copy of the state. Commit replaces the shared state
// with that copy, so concurrent writers outside the transaction are lost.
func (s *MemoryStore) Tx(_ context.Context) (datastore.DataStoreTx, error) {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	local := &MemoryStore{state: snapshot, now: s.now}
	return &memoryTx{
		memoryProvider: memoryProvider{parent: local},
		target:         s,
	}, nil
}

type memoryTx struct {
	memoryProvider
	target *MemoryStore
	done   bool
}

func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("store: transaction already finished")
	}
	t.done = true
	t.parent.mu.RLock()
	committed := t.parent.state.clone()
	t.parent.mu.RUnlock()

	t.target.mu.Lock()
	t.target.state = committed
	t.target.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return fmt.Errorf("store: transaction already finished")
	}
	t.done = true
	return nil
}

type memoryProvider struct {
	parent *MemoryStore
}

// ---- Users ----

func (p *memoryProvider) CreateUser(user *model.UserAccount) error {
	if err := model.ValidateName(user.Name); err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	if err := model.ValidateHubID(user.HubID); err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	if user.PasswordHash == "" {
		return fmt.Errorf("store: create user: %w", model.ErrPasswordEmpty)
	}

	s := p.parent
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.users[user.Name]; exists {
		return fmt.Errorf("store: create user %q: %w", user.Name, datastore.ErrUserExists)
	}
	user.CreatedAt = s.now().UTC().Truncate(time.Second)
	s.state.users[user.Name] = *user
	return nil
}

func (p *memoryProvider) UpdateUser(user *model.UserAccount) error {
	if err := model.ValidateHubID(user.HubID); err != nil {
		return fmt.Errorf("store: update user: %w", err)
	}

	s := p.parent
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.state.users[user.Name]
	if !ok {
		return fmt.Errorf("store: update user %q: %w", user.Name, datastore.ErrNotFound)
	}
	existing.PasswordHash = user.PasswordHash
	existing.HubID = user.HubID
	existing.Admin = user.Admin
	s.state.users[user.Name] = existing
	return nil
}

func (p *memoryProvider) DeleteUser(name string) error {
	s := p.parent
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.users, name)
	for hash, owner := range s.state.keys {
		if owner == name {
			delete(s.state.keys, hash)
		}
	}
	return nil
}

func (p *memoryProvider) GetUser(name string) (*model.UserAccount, error) {
	s := p.parent
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.state.users[name]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (p *memoryProvider) ListUsers() ([]model.UserAccount, error) {
	s := p.parent
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.UserAccount, 0, len(s.state.users))
	for _, u := range s.state.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Name < users[j].Name
	})
	return users, nil
}

// ---- Hubs ----

func (p *memoryProvider) CreateHub(hub *model.HubAccount) error {
	if err := model.ValidateHubID(hub.HubID); err != nil {
		return fmt.Errorf("store: create hub: %w", err)
	}
	if err := model.ValidateAlias(hub.Alias); err != nil {
		return fmt.Errorf("store: create hub: %w", err)
	}
	if hub.PasswordHash == "" {
		return fmt.Errorf("store: create hub: %w", model.ErrPasswordEmpty)
	}

	s := p.parent
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.hubs[hub.HubID]; exists {
		return fmt.Errorf("store: create hub %d: %w", hub.HubID, datastore.ErrHubExists)
	}
	hub.CreatedAt = s.now().UTC().Truncate(time.Second)
	s.state.hubs[hub.HubID] = *hub
	return nil
}

func (p *memoryProvider) UpdateHub(hub *model.HubAccount) error {
	if err := model.ValidateAlias(hub.Alias); err != nil {
		return fmt.Errorf("store: update hub: %w", err)
	}

	s := p.parent
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.state.hubs[hub.HubID]
	if !ok {
		return fmt.Errorf("store: update hub %d: %w", hub.HubID, datastore.ErrNotFound)
	}
	existing.PasswordHash = hub.PasswordHash
	existing.Alias = hub.Alias
	s.state.hubs[hub.HubID] = existing
	return nil
}

func (p *memoryProvider) GetHub(hubID int64) (*model.HubAccount, error) {
	s := p.parent
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.state.hubs[hubID]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (p *memoryProvider) ListHubs() ([]model.HubAccount, error) {
	s := p.parent
	s.mu.RLock()
	defer s.mu.RUnlock()
	hubs := make([]model.HubAccount, 0, len(s.state.hubs))
	for _, h := range s.state.hubs {
		hubs = append(hubs, h)
	}
	sort.Slice(hubs, func(i, j int) bool {
		return hubs[i].HubID < hubs[j].HubID
	})
	return hubs, nil
}

// ---- Session keys ----

func (p *memoryProvider) CreateSessionKey(name, keyHash string) error {
	s := p.parent
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.users[name]; !ok {
		return fmt.Errorf("store: create session key: constraint failed: FOREIGN KEY constraint failed")
	}
	if _, exists := s.state.keys[keyHash]; exists {
		return fmt.Errorf("store: create session key: constraint failed: UNIQUE constraint failed: session_keys.key_hash")
	}
	s.state.keys[keyHash] = name
	return nil
}

func (p *memoryProvider) HasSessionKey(name, keyHash string) (bool, error) {
	s := p.parent
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.state.keys[keyHash]
	return ok && owner == name, nil
}

func (p *memoryProvider) DeleteSessionKey(keyHash string) error {
	s := p.parent
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.keys, keyHash)
	return nil
}

func (p *memoryProvider) DeleteSessionKeys(name string) (int64, error) {
	s := p.parent
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, owner := range s.state.keys {
		if owner == name {
			delete(s.state.keys, hash)
			n++
		}
	}
	return n, nil
}
