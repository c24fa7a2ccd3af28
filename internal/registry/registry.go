// Package registry tracks live connections and their send capability.
package registry

import (
	"errors"
	"sync"
)

var (
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrNotFound            = errors.New("connection not found")
)

// Sender delivers one outbound event to a connection. TrySend must never
// block; it reports false when the event was dropped (queue full or
// connection gone).
type Sender interface {
	TrySend(event string, payload any) bool
}

// Connection is a snapshot of one registered connection. UserID and Room are
// empty until the client announces itself.
type Connection struct {
	ID     string
	UserID string
	Room   string
	Sender Sender
}

// Registry owns all Connection records. It performs no I/O; callers are
// responsible for room membership cleanup when removing a connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func New() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register creates a new anonymous, roomless record. Reusing an id while a
// session is still open is an error.
func (r *Registry) Register(id string, sender Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return ErrDuplicateConnection
	}
	r.conns[id] = &Connection{ID: id, Sender: sender}
	return nil
}

// SetIdentity attaches or overwrites the application identity. Idempotent.
func (r *Registry) SetIdentity(id, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}
	conn.UserID = userID
	return nil
}

// SetRoom records which room the connection currently belongs to ("" for
// none). Membership itself lives in the room table.
func (r *Registry) SetRoom(id, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}
	conn.Room = room
	return nil
}

func (r *Registry) Lookup(id string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return *conn, nil
}

// Remove deletes the record and returns its final state.
func (r *Registry) Remove(id string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	delete(r.conns, id)
	return *conn, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
