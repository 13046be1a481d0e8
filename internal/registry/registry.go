// Package registry keeps the in-memory map of live chat connections: which
// principal each handle belongs to, which rooms it joined, and a per-user
// index for direct delivery. It is process-local; nothing here is persisted.
package registry

import (
	"errors"
	"sync"

	"github.com/teamchat/chat-app/internal/auth"
)

// ErrNotRegistered is returned when a handle is used before Register or after
// Unregister.
var ErrNotRegistered = errors.New("registry: handle not registered")

// Handle is a live transport endpoint.
type Handle interface {
	ID() string
	Send(data []byte) error
}

type entry struct {
	handle    Handle
	principal auth.Principal
	seq       uint64
	rooms     map[string]struct{}
}

// Registry maps principals and rooms to live handles. All methods are safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	seq     uint64
	handles map[string]*entry              // handle id -> entry
	byUser  map[string]map[string]*entry   // user id -> handle id -> entry
	rooms   map[string]map[string]struct{} // chat id -> handle ids
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		handles: make(map[string]*entry),
		byUser:  make(map[string]map[string]*entry),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// Register records h as a session of p. Registering the same handle again
// replaces its principal and keeps its rooms.
func (r *Registry) Register(p auth.Principal, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if e, ok := r.handles[h.ID()]; ok {
		r.dropUserIndex(e)
		e.principal = p
		e.seq = r.seq
		r.addUserIndex(e)
		return
	}

	e := &entry{handle: h, principal: p, seq: r.seq, rooms: make(map[string]struct{})}
	r.handles[h.ID()] = e
	r.addUserIndex(e)
}

// Unregister removes h from every room and from the user index. Unknown
// handles are ignored.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.handles[h.ID()]
	if !ok {
		return
	}
	for chatID := range e.rooms {
		r.leave(h.ID(), chatID)
	}
	r.dropUserIndex(e)
	delete(r.handles, h.ID())
}

// JoinRoom subscribes h to chatID's broadcasts. Joining twice is a no-op.
func (r *Registry) JoinRoom(h Handle, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.handles[h.ID()]
	if !ok {
		return ErrNotRegistered
	}
	e.rooms[chatID] = struct{}{}
	members := r.rooms[chatID]
	if members == nil {
		members = make(map[string]struct{})
		r.rooms[chatID] = members
	}
	members[h.ID()] = struct{}{}
	return nil
}

// LeaveRoom unsubscribes h from chatID. Leaving a room h never joined is a
// no-op.
func (r *Registry) LeaveRoom(h Handle, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.handles[h.ID()]
	if !ok {
		return
	}
	delete(e.rooms, chatID)
	r.leave(h.ID(), chatID)
}

// InRoom reports whether h has joined chatID.
func (r *Registry) InRoom(h Handle, chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[chatID][h.ID()]
	return ok
}

// CloseRoom removes every handle from chatID and returns how many were
// subscribed.
func (r *Registry) CloseRoom(chatID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[chatID]
	for id := range members {
		if e, ok := r.handles[id]; ok {
			delete(e.rooms, chatID)
		}
	}
	delete(r.rooms, chatID)
	return len(members)
}

// Broadcast sends data to every handle in chatID and returns the number of
// successful sends. Sends happen outside the lock so a slow handle cannot
// stall registration.
func (r *Registry) Broadcast(chatID string, data []byte) int {
	r.mu.RLock()
	targets := make([]Handle, 0, len(r.rooms[chatID]))
	for id := range r.rooms[chatID] {
		if e, ok := r.handles[id]; ok {
			targets = append(targets, e.handle)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, h := range targets {
		if err := h.Send(data); err == nil {
			delivered++
		}
	}
	return delivered
}

// FindByUser returns the most recently registered handle of userID. A user
// with several live sessions is reachable here through only one of them.
func (r *Registry) FindByUser(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *entry
	for _, e := range r.byUser[userID] {
		if latest == nil || e.seq > latest.seq {
			latest = e
		}
	}
	if latest == nil {
		return nil, false
	}
	return latest.handle, true
}

// Count returns the number of registered handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *Registry) addUserIndex(e *entry) {
	m := r.byUser[e.principal.ID]
	if m == nil {
		m = make(map[string]*entry)
		r.byUser[e.principal.ID] = m
	}
	m[e.handle.ID()] = e
}

func (r *Registry) dropUserIndex(e *entry) {
	if m := r.byUser[e.principal.ID]; m != nil {
		delete(m, e.handle.ID())
		if len(m) == 0 {
			delete(r.byUser, e.principal.ID)
		}
	}
}

func (r *Registry) leave(handleID, chatID string) {
	if members := r.rooms[chatID]; members != nil {
		delete(members, handleID)
		if len(members) == 0 {
			delete(r.rooms, chatID)
		}
	}
}
