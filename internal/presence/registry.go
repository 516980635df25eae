// Package presence tracks which users currently hold live connections.
//
// The registry is purely in-memory and rebuilt from a clean slate on restart;
// any conversation's online map is a best-effort cache of this registry, never
// authoritative.
package presence

import (
	"log/slog"
	"sync"
	"time"
)

// Transition describes a user crossing the online/offline boundary.
// Adding a second connection or dropping one of several does not transition.
type Transition struct {
	UserID string
	Online bool
	At     time.Time
}

// Watcher receives transitions. Watchers are invoked asynchronously; they must
// tolerate delivery after further transitions have already happened.
type Watcher func(Transition)

// Registry maps user id -> set of live connection ids.
type Registry struct {
	log *slog.Logger

	mu         sync.RWMutex
	conns      map[string]map[string]struct{}
	lastOnline map[string]time.Time

	watchMu  sync.RWMutex
	watchers []Watcher

	events chan Transition
}

// NewRegistry constructs an empty Registry and starts its dispatch loop.
func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		log:        log,
		conns:      make(map[string]map[string]struct{}),
		lastOnline: make(map[string]time.Time),
		events:     make(chan Transition, 256),
	}
	go r.dispatch()
	return r
}

// Watch registers a transition watcher. Registration happens at wire time,
// before connections arrive; there is no unregister.
func (r *Registry) Watch(w Watcher) {
	if w == nil {
		return
	}
	r.watchMu.Lock()
	r.watchers = append(r.watchers, w)
	r.watchMu.Unlock()
}

// Connect records a live connection and reports whether the user just came
// online (first connection).
func (r *Registry) Connect(userID, connID string) bool {
	if userID == "" || connID == "" {
		return false
	}

	now := time.Now().UTC()

	r.mu.Lock()
	set := r.conns[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	before := len(set)
	set[connID] = struct{}{}
	r.mu.Unlock()

	if before != 0 {
		return false
	}

	r.log.Info("presence.online", "user_id", userID, "conn_id", connID)
	r.notify(Transition{UserID: userID, Online: true, At: now})
	return true
}

// Disconnect removes a connection and reports whether the user just went
// offline (last connection).
func (r *Registry) Disconnect(userID, connID string) bool {
	if userID == "" || connID == "" {
		return false
	}

	now := time.Now().UTC()

	r.mu.Lock()
	set := r.conns[userID]
	if set == nil {
		r.mu.Unlock()
		return false
	}
	if _, ok := set[connID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(set, connID)
	remaining := len(set)
	if remaining == 0 {
		delete(r.conns, userID)
		r.lastOnline[userID] = now
	}
	r.mu.Unlock()

	if remaining != 0 {
		return false
	}

	r.log.Info("presence.offline", "user_id", userID, "conn_id", connID)
	r.notify(Transition{UserID: userID, Online: false, At: now})
	return true
}

// IsOnline reports whether the user holds at least one live connection. O(1).
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// LastOnline returns when the user last went offline, if known.
func (r *Registry) LastOnline(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastOnline[userID]
	return t, ok
}

// Connections returns the number of live connections for the user.
func (r *Registry) Connections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

// notify hands a transition to the dispatch loop. Non-blocking: if the queue
// is full the transition is dropped and consumers converge on the next one.
func (r *Registry) notify(t Transition) {
	select {
	case r.events <- t:
	default:
		r.log.Warn("presence.events.drop", "user_id", t.UserID, "online", t.Online)
	}
}

// dispatch delivers transitions to watchers in order, off the connection path.
// Write-through consumers (conversation presence maps, user_status events)
// update opportunistically, not synchronously.
func (r *Registry) dispatch() {
	for t := range r.events {
		r.watchMu.RLock()
		ws := make([]Watcher, len(r.watchers))
		copy(ws, r.watchers)
		r.watchMu.RUnlock()

		for _, w := range ws {
			w(t)
		}
	}
}
