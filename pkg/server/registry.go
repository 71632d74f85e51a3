package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/NicolasHaas/hosorelay/pkg/model"
)

var (
	ErrLimitReached     = errors.New("server: connection limit reached")
	ErrNotConnected     = errors.New("server: hub not connected")
	ErrDuplicateHub     = errors.New("server: hub already connected")
	ErrUnknownSession   = errors.New("server: unknown session")
	ErrNotAuthenticated = errors.New("server: session not authenticated")
)

// DuplicateHubPolicy decides what happens when a hub logs in while another
// session already holds its hub id.
type DuplicateHubPolicy string

const (
	// DuplicateHubReject refuses the new login.
	DuplicateHubReject DuplicateHubPolicy = "reject"
	// DuplicateHubReplace evicts the older session.
	DuplicateHubReplace DuplicateHubPolicy = "replace"
)

type registryEntry struct {
	session  *Session
	identity model.Identity
}

// Addressing selects the targets of a routed line, relative to an origin
// session.
//
//   - OnlyIndividual with ToHub: the hub the origin user belongs to.
//   - OnlyIndividual without ToHub: the origin itself, which must be a user.
//   - Otherwise: every user sharing the origin's hub id.
//
// OnlyAdmin removes non-admin users from the result.
type Addressing struct {
	ToHub          bool
	OnlyIndividual bool
	OnlyAdmin      bool
}

// Registry maps live sessions to their identities. All methods are safe
// for concurrent use and mutually atomic. No method sends on a session
// queue while holding the lock.
type Registry struct {
	mu        sync.Mutex
	limit     int
	dupPolicy DuplicateHubPolicy
	entries   map[uint64]*registryEntry
	hubs      map[int64]uint64 // hub id -> session id
}

// NewRegistry creates a registry that admits at most limit sessions.
// A limit <= 0 means unlimited.
func NewRegistry(limit int, dupPolicy DuplicateHubPolicy) *Registry {
	if dupPolicy == "" {
		dupPolicy = DuplicateHubReject
	}
	return &Registry{
		limit:     limit,
		dupPolicy: dupPolicy,
		entries:   make(map[uint64]*registryEntry),
		hubs:      make(map[int64]uint64),
	}
}

// Register adds sess as unauthenticated.
func (r *Registry) Register(sess *Session) (model.Unauthenticated, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && len(r.entries) >= r.limit {
		return model.Unauthenticated{}, ErrLimitReached
	}
	if _, exists := r.entries[sess.ID]; exists {
		return model.Unauthenticated{}, fmt.Errorf("server: register session %d: already registered", sess.ID)
	}
	id := model.Unauthenticated{SessionID: sess.ID}
	r.entries[sess.ID] = &registryEntry{session: sess, identity: id}
	return id, nil
}

// Promote replaces the identity of a registered session with a User or Hub.
// Under DuplicateHubReplace the session previously holding the hub id is
// removed and returned so the caller can close it.
func (r *Registry) Promote(id model.Identity) (evicted *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id.Session()]
	if !ok {
		return nil, ErrUnknownSession
	}
	if e.identity.Kind() != model.KindUnauthenticated {
		return nil, fmt.Errorf("server: promote session %d: already %s", id.Session(), e.identity.Kind())
	}

	switch v := id.(type) {
	case model.User:
	case model.Hub:
		if holder, taken := r.hubs[v.HubID]; taken {
			if r.dupPolicy != DuplicateHubReplace {
				return nil, ErrDuplicateHub
			}
			evicted = r.entries[holder].session
			delete(r.entries, holder)
		}
		r.hubs[v.HubID] = v.SessionID
	default:
		return nil, fmt.Errorf("server: promote session %d: cannot promote to %s", id.Session(), id.Kind())
	}

	e.identity = id
	return evicted, nil
}

// Remove deletes the session's entry. It reports false if the session was
// not registered, so teardown side effects run once.
func (r *Registry) Remove(sessionID uint64) (model.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.entries, sessionID)
	if h, isHub := e.identity.(model.Hub); isHub && r.hubs[h.HubID] == sessionID {
		delete(r.hubs, h.HubID)
	}
	return e.identity, true
}

// Lookup returns the current identity and session for sessionID.
func (r *Registry) Lookup(sessionID uint64) (model.Identity, *Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return nil, nil, false
	}
	return e.identity, e.session, true
}

// HubSessionForUser returns the session of the hub the user belongs to.
func (r *Registry) HubSessionForUser(userSession uint64) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userSession]
	if !ok {
		return nil, ErrUnknownSession
	}
	u, ok := e.identity.(model.User)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return r.hubSessionLocked(u.HubID)
}

func (r *Registry) hubSessionLocked(hubID int64) (*Session, error) {
	sid, ok := r.hubs[hubID]
	if !ok {
		return nil, ErrNotConnected
	}
	return r.entries[sid].session, nil
}

// HubByID returns the connected hub holding hubID.
func (r *Registry) HubByID(hubID int64) (model.Hub, *Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sid, ok := r.hubs[hubID]
	if !ok {
		return model.Hub{}, nil, false
	}
	e := r.entries[sid]
	return e.identity.(model.Hub), e.session, true
}

// Resolve returns the sessions a line from origin is addressed to. An empty
// result with a nil error means nobody matched the filters.
func (r *Registry) Resolve(origin uint64, a Addressing) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[origin]
	if !ok {
		return nil, ErrUnknownSession
	}

	if a.OnlyIndividual {
		u, isUser := e.identity.(model.User)
		if !isUser {
			return nil, ErrNotAuthenticated
		}
		if a.ToHub {
			hub, err := r.hubSessionLocked(u.HubID)
			if err != nil {
				return nil, err
			}
			return []*Session{hub}, nil
		}
		if a.OnlyAdmin && !u.Admin {
			return nil, nil
		}
		return []*Session{e.session}, nil
	}

	var hubID int64
	switch v := e.identity.(type) {
	case model.User:
		hubID = v.HubID
	case model.Hub:
		hubID = v.HubID
	default:
		return nil, ErrNotAuthenticated
	}

	var targets []*Session
	for _, other := range r.entries {
		u, isUser := other.identity.(model.User)
		if !isUser || u.HubID != hubID {
			continue
		}
		if a.OnlyAdmin && !u.Admin {
			continue
		}
		targets = append(targets, other.session)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets, nil
}

// UserSessionsByName returns every session logged in as the named user.
func (r *Registry) UserSessionsByName(name string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for _, e := range r.entries {
		if u, ok := e.identity.(model.User); ok && u.Name == name {
			out = append(out, e.session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns a snapshot of all registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.session)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// KindCounts returns the number of registered sessions per identity kind.
func (r *Registry) KindCounts() map[model.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[model.Kind]int{
		model.KindUnauthenticated: 0,
		model.KindUser:            0,
		model.KindHub:             0,
	}
	for _, e := range r.entries {
		counts[e.identity.Kind()]++
	}
	return counts
}
