// Package coordinator implements the signaling protocol state machine.
//
// Handlers are driven by the transport with one call per inbound event and
// return an explicit list of outbound effects, so the machine is
// synchronously testable without a live transport. The coordinator never
// inspects relayed payloads.
package coordinator

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/peermesh/peermesh/internal/metrics"
	"github.com/peermesh/peermesh/internal/registry"
	"github.com/peermesh/peermesh/internal/room"
)

// Outbound event names, matching the wire vocabulary.
const (
	EventConnect = "connect"
	EventUsers   = "users"
	EventSignal  = "signal"
)

var (
	// ErrNotJoined is returned for a signal sent before any ready.
	ErrNotJoined = errors.New("not joined to any room")

	// ErrUnknownRecipient is returned when no member of the sender's room has
	// the addressed userId. "Never joined" and "already left" are not
	// distinguished.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrRoomFull mirrors room.ErrRoomFull at the protocol level.
	ErrRoomFull = room.ErrRoomFull
)

// Outbound is one effect of handling an inbound event: deliver Payload as
// Event to the connection To.
type Outbound struct {
	To      string
	Event   string
	Payload any
}

// User is one roster entry of a users broadcast.
type User struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId,omitempty"`
}

// UsersPayload is the full-state roster broadcast. It is not a delta: every
// member receives the complete current view so late joins stay consistent.
type UsersPayload struct {
	Initiator string `json:"initiator"`
	Users     []User `json:"users"`
}

// ConnectPayload acknowledges a new connection and tells it its server-
// assigned id.
type ConnectPayload struct {
	SocketID string `json:"socketId"`
}

// SignalPayload is a relayed signal. Signal is opaque: it is forwarded
// byte-for-byte and never interpreted.
type SignalPayload struct {
	UserID string          `json:"userId"`
	Signal json.RawMessage `json:"signal"`
}

// Coordinator tracks which connections belong to which room and relays
// opaque signaling payloads between members. All state is in-memory; clients
// re-announce with ready after any reconnect.
type Coordinator struct {
	reg   *registry.Registry
	rooms *room.Table
	m     *metrics.Metrics
	log   *slog.Logger
}

func New(reg *registry.Registry, rooms *room.Table, m *metrics.Metrics, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{reg: reg, rooms: rooms, m: m, log: log}
}

// Connect registers a new connection and acknowledges it.
func (c *Coordinator) Connect(connID string, sender registry.Sender) ([]Outbound, error) {
	if err := c.reg.Register(connID, sender); err != nil {
		return nil, err
	}
	c.m.Inc(metrics.ConnectionsOpened)
	return []Outbound{{To: connID, Event: EventConnect, Payload: ConnectPayload{SocketID: connID}}}, nil
}

// Ready joins the connection to a room under the given identity and
// broadcasts the updated roster to every member, joiner included.
//
// A ready for the room the connection is already in is idempotent and simply
// re-broadcasts the current roster. A ready for a different room is treated
// as leave-then-join; the old room's remaining members get a roster update
// too.
func (c *Coordinator) Ready(connID, roomName, userID string) ([]Outbound, error) {
	if err := c.reg.SetIdentity(connID, userID); err != nil {
		return nil, err
	}
	conn, err := c.reg.Lookup(connID)
	if err != nil {
		return nil, err
	}

	var out []Outbound

	if conn.Room == roomName {
		res, err := c.rooms.Join(roomName, connID)
		if errors.Is(err, room.ErrAlreadyMember) {
			members, initiator, ok := c.rooms.Snapshot(roomName)
			if ok {
				out = c.appendRoster(out, members, initiator)
			}
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		// The registry said joined but the room disagreed: a dangling
		// reference healed by the join that just happened.
		c.log.Warn("room membership out of sync with registry", "conn", connID, "room", roomName)
		if res.IsInitiator {
			c.m.Inc(metrics.RoomsCreated)
		}
		return c.appendRoster(out, res.Members, res.Initiator), nil
	}

	if conn.Room != "" {
		out = c.leaveAndNotify(out, conn.Room, connID)
	}

	res, err := c.rooms.Join(roomName, connID)
	if err != nil {
		// Rolled back to roomless; the old room was already left above.
		_ = c.reg.SetRoom(connID, "")
		return out, err
	}
	if err := c.reg.SetRoom(connID, roomName); err != nil {
		// Connection vanished between join and bookkeeping; undo the join.
		c.rooms.Leave(roomName, connID)
		return out, err
	}
	if res.IsInitiator {
		c.m.Inc(metrics.RoomsCreated)
	}

	return c.appendRoster(out, res.Members, res.Initiator), nil
}

// Signal relays an opaque payload to the member of the sender's room that
// currently has the addressed userId. Exactly one delivery attempt is made;
// retry is an end-to-end concern.
func (c *Coordinator) Signal(connID, toUserID string, signal json.RawMessage) ([]Outbound, error) {
	conn, err := c.reg.Lookup(connID)
	if err != nil {
		return nil, err
	}
	if conn.Room == "" {
		return nil, ErrNotJoined
	}

	for _, memberID := range c.rooms.MembersOf(conn.Room) {
		member, err := c.reg.Lookup(memberID)
		if err != nil {
			// Member disconnected between snapshot and lookup; its own
			// disconnect path cleans the room.
			continue
		}
		if member.UserID != toUserID {
			continue
		}
		c.m.Inc(metrics.SignalsRelayed)
		return []Outbound{{
			To:    memberID,
			Event: EventSignal,
			Payload: SignalPayload{
				UserID: conn.UserID,
				Signal: signal,
			},
		}}, nil
	}

	c.m.Inc(metrics.UnknownRecipient)
	return nil, ErrUnknownRecipient
}

// Disconnect removes the connection and, when it was a room member, sends the
// remaining members a refreshed roster. Safe to call for unknown ids.
func (c *Coordinator) Disconnect(connID string) []Outbound {
	conn, err := c.reg.Remove(connID)
	if err != nil {
		return nil
	}
	c.m.Inc(metrics.ConnectionsClosed)

	if conn.Room == "" {
		return nil
	}
	return c.leaveAndNotify(nil, conn.Room, connID)
}

func (c *Coordinator) leaveAndNotify(out []Outbound, roomName, connID string) []Outbound {
	members, initiator, ok := c.rooms.Leave(roomName, connID)
	if !ok {
		return out
	}
	if len(members) == 0 {
		c.m.Inc(metrics.RoomsDeleted)
		return out
	}
	return c.appendRoster(out, members, initiator)
}

// appendRoster emits one full-roster users event per member.
func (c *Coordinator) appendRoster(out []Outbound, members []string, initiator string) []Outbound {
	users := make([]User, 0, len(members))
	live := make([]string, 0, len(members))
	for _, id := range members {
		conn, err := c.reg.Lookup(id)
		if err != nil {
			// Dangling reference; the member's disconnect path removes it
			// from the room. Skip rather than advertise a dead connection.
			continue
		}
		users = append(users, User{SocketID: id, UserID: conn.UserID})
		live = append(live, id)
	}

	payload := UsersPayload{Initiator: initiator, Users: users}
	for _, id := range live {
		out = append(out, Outbound{To: id, Event: EventUsers, Payload: payload})
	}
	return out
}
