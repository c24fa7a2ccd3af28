// Package room maintains named rooms and their insertion-ordered member sets.
//
// Locking is per room: joins and leaves for different rooms never serialize
// on each other, while mutations to one room's membership are strictly
// ordered so concurrent joins cannot double-elect an initiator.
package room

import (
	"errors"
	"sync"
)

var (
	ErrAlreadyMember = errors.New("connection already a member of this room")
	ErrRoomFull      = errors.New("room is full")
)

// JoinResult reports the outcome of a join against a consistent snapshot of
// the room taken while the membership lock was held.
type JoinResult struct {
	// IsInitiator is true iff the joiner was the sole member immediately
	// after joining, i.e. it created the room.
	IsInitiator bool

	// Initiator is the connection id elected when the room was created. It
	// is never reassigned, and may name a departed connection.
	Initiator string

	// Members is the full member list in join order, including the joiner.
	Members []string
}

type state struct {
	mu        sync.Mutex
	initiator string
	members   []string
	deleted   bool
}

func (s *state) indexOf(connID string) int {
	for i, m := range s.members {
		if m == connID {
			return i
		}
	}
	return -1
}

// Table maps room names to member sets. The table mutex only guards the map
// of rooms; membership mutation happens under each room's own lock.
type Table struct {
	mu    sync.Mutex
	rooms map[string]*state

	// maxMembers caps room size; <= 0 means unlimited.
	maxMembers int
}

func NewTable(maxMembers int) *Table {
	return &Table{
		rooms:      make(map[string]*state),
		maxMembers: maxMembers,
	}
}

// acquire returns the named room locked, creating it when absent. A room
// observed mid-deletion is retried so the caller always gets a live room.
func (t *Table) acquire(name string, create bool) *state {
	for {
		t.mu.Lock()
		st, ok := t.rooms[name]
		if !ok {
			if !create {
				t.mu.Unlock()
				return nil
			}
			st = &state{}
			t.rooms[name] = st
		}
		t.mu.Unlock()

		st.mu.Lock()
		if !st.deleted {
			return st
		}
		st.mu.Unlock()
	}
}

// Join adds the connection to the named room, creating the room if absent.
// The first joiner of a fresh room is elected initiator; the election is
// never revisited for the room's lifetime.
func (t *Table) Join(name, connID string) (JoinResult, error) {
	st := t.acquire(name, true)
	defer st.mu.Unlock()

	if st.indexOf(connID) >= 0 {
		return JoinResult{}, ErrAlreadyMember
	}
	if t.maxMembers > 0 && len(st.members) >= t.maxMembers {
		return JoinResult{}, ErrRoomFull
	}

	created := len(st.members) == 0
	if created {
		st.initiator = connID
	}
	st.members = append(st.members, connID)

	return JoinResult{
		IsInitiator: created,
		Initiator:   st.initiator,
		Members:     append([]string(nil), st.members...),
	}, nil
}

// Leave removes the connection from the room. It returns the remaining
// members and the sticky initiator; ok is false when the room or membership
// did not exist. An emptied room is deleted immediately.
func (t *Table) Leave(name, connID string) (members []string, initiator string, ok bool) {
	st := t.acquire(name, false)
	if st == nil {
		return nil, "", false
	}

	i := st.indexOf(connID)
	if i < 0 {
		st.mu.Unlock()
		return nil, "", false
	}
	st.members = append(st.members[:i], st.members[i+1:]...)

	if len(st.members) == 0 {
		st.deleted = true
		st.mu.Unlock()

		t.mu.Lock()
		// Another goroutine may have raced a fresh room in under this name;
		// only delete the state we emptied.
		if cur, exists := t.rooms[name]; exists && cur == st {
			delete(t.rooms, name)
		}
		t.mu.Unlock()
		return nil, st.initiator, true
	}

	members = append([]string(nil), st.members...)
	initiator = st.initiator
	st.mu.Unlock()
	return members, initiator, true
}

// MembersOf returns the room's members in join order, or nil for an unknown
// room.
func (t *Table) MembersOf(name string) []string {
	members, _, _ := t.Snapshot(name)
	return members
}

// Snapshot returns a consistent view of the room's members and initiator.
func (t *Table) Snapshot(name string) (members []string, initiator string, ok bool) {
	st := t.acquire(name, false)
	if st == nil {
		return nil, "", false
	}
	members = append([]string(nil), st.members...)
	initiator = st.initiator
	st.mu.Unlock()
	return members, initiator, true
}

// Len reports the number of live rooms.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}
