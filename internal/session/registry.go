// Package session tracks live connection handles per caller identity.
//
// The Registry keeps the identity -> handles map as the single source of
// truth; the reverse handle -> identity map is derived and updated under the
// same lock, so the two can never disagree.
package session

import (
	"sort"
	"sync"
	"time"
)

// Handle identifies one live connection (a websocket session id, an RPC
// stream id, or similar). Handles are opaque to the registry.
type Handle string

// Entry is a snapshot of one identity's live connections.
type Entry struct {
	Identity  string    `json:"identity"`
	Handles   []Handle  `json:"handles"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Registry maintains the in-memory identity/connection mapping.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]*identityState
	byHandle   map[Handle]string
}

type identityState struct {
	handles   map[Handle]struct{}
	firstSeen time.Time
	lastSeen  time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byIdentity: make(map[string]*identityState),
		byHandle:   make(map[Handle]string),
	}
}

// Register binds a handle to an identity. Re-registering a handle under a
// different identity moves it; both maps are updated atomically.
func (r *Registry) Register(identity string, h Handle) {
	if identity == "" || h == "" {
		return
	}

	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byHandle[h]; ok && prev != identity {
		r.removeLocked(prev, h)
	}

	state, ok := r.byIdentity[identity]
	if !ok {
		state = &identityState{
			handles:   make(map[Handle]struct{}),
			firstSeen: now,
		}
		r.byIdentity[identity] = state
	}
	state.handles[h] = struct{}{}
	state.lastSeen = now
	r.byHandle[h] = identity
}

// Unregister removes a handle. The identity entry is dropped once its last
// handle goes away.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byHandle[h]
	if !ok {
		return
	}
	r.removeLocked(identity, h)
}

func (r *Registry) removeLocked(identity string, h Handle) {
	delete(r.byHandle, h)
	if state, ok := r.byIdentity[identity]; ok {
		delete(state.handles, h)
		if len(state.handles) == 0 {
			delete(r.byIdentity, identity)
		}
	}
}

// Connections returns the handles currently registered for identity,
// sorted for stable output.
func (r *Registry) Connections(identity string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.byIdentity[identity]
	if !ok {
		return nil
	}
	handles := make([]Handle, 0, len(state.handles))
	for h := range state.handles {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

// Identity returns the identity that owns handle h, or "" if unknown.
func (r *Registry) Identity(h Handle) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byHandle[h]
}

// Count returns the number of identities with at least one live handle.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

// Snapshot returns all entries, sorted by most recently active first.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.byIdentity))
	for identity, state := range r.byIdentity {
		handles := make([]Handle, 0, len(state.handles))
		for h := range state.handles {
			handles = append(handles, h)
		}
		sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
		entries = append(entries, Entry{
			Identity:  identity,
			Handles:   handles,
			FirstSeen: state.firstSeen,
			LastSeen:  state.lastSeen,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})
	return entries
}
