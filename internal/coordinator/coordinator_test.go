package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/peermesh/peermesh/internal/metrics"
	"github.com/peermesh/peermesh/internal/registry"
	"github.com/peermesh/peermesh/internal/room"
)

type nopSender struct{}

func (nopSender) TrySend(string, any) bool { return true }

func newCoordinator(t *testing.T, maxRoomMembers int) *Coordinator {
	t.Helper()
	return New(registry.New(), room.NewTable(maxRoomMembers), metrics.New(), nil)
}

func connect(t *testing.T, c *Coordinator, connID string) {
	t.Helper()
	out, err := c.Connect(connID, nopSender{})
	if err != nil {
		t.Fatalf("connect %s: %v", connID, err)
	}
	if len(out) != 1 || out[0].To != connID || out[0].Event != EventConnect {
		t.Fatalf("connect %s effects=%+v", connID, out)
	}
}

func ready(t *testing.T, c *Coordinator, connID, roomName, userID string) []Outbound {
	t.Helper()
	out, err := c.Ready(connID, roomName, userID)
	if err != nil {
		t.Fatalf("ready %s: %v", connID, err)
	}
	return out
}

// usersTo returns the roster payload addressed to connID, failing unless
// exactly one users event targets it.
func usersTo(t *testing.T, out []Outbound, connID string) UsersPayload {
	t.Helper()
	var found []UsersPayload
	for _, o := range out {
		if o.Event == EventUsers && o.To == connID {
			found = append(found, o.Payload.(UsersPayload))
		}
	}
	if len(found) != 1 {
		t.Fatalf("users events to %s = %d, want 1 (all: %+v)", connID, len(found), out)
	}
	return found[0]
}

func TestConnect_DuplicateIDRejected(t *testing.T) {
	c := newCoordinator(t, 0)
	connect(t, c, "A")
	if _, err := c.Connect("A", nopSender{}); !errors.Is(err, registry.ErrDuplicateConnection) {
		t.Fatalf("duplicate connect: got %v", err)
	}
}

func TestReady_FirstJoinerIsInitiator(t *testing.T) {
	c := newCoordinator(t, 0)
	connect(t, c, "A")

	out := ready(t, c, "A", "r1", "alice")
	roster := usersTo(t, out, "A")
	if roster.Initiator != "A" {
		t.Fatalf("initiator=%q, want A", roster.Initiator)
	}
	want := []User{{SocketID: "A", UserID: "alice"}}
	if !reflect.DeepEqual(roster.Users, want) {
		t.Fatalf("users=%+v, want %+v", roster.Users, want)
	}
}

func TestReady_BroadcastsFullRosterToEveryMember(t *testing.T) {
	c := newCoordinator(t, 0)
	connect(t, c, "A")
	connect(t, c, "B")
	ready(t, c, "A", "r1", "alice")

	out := ready(t, c, "B", "r1", "bob")
	if len(out) != 2 {
		t.Fatalf("effects=%d, want 2 (one roster per member)", len(out))
	}

	want := UsersPayload{
		Initiator: "A",
		Users:     []User{{SocketID: "A", UserID: "alice"}, {SocketID: "B", UserID: "bob"}},
	}
	for _, id := range []string{"A", "B"} {
		if got := usersTo(t, out, id); !reflect.DeepEqual(got, want) {
			t.Fatalf("roster to %s = %+v, want %+v", id, got, want)
		}
	}
}

func TestReady_DuplicateIsIdempotent(t *testing.T) {
	c := newCoordinator(t, 0)
	connect(t, c, "A")
	connect(t, c, "B")
	ready(t, c, "A", "r1", "alice")
	ready(t, c, "B", "r1", "bob")

	out := ready(t, c, "A", "r1", "alice")
	if len(out) != 2 {
		t.Fatalf("duplicate ready effects=%d, want roster rebroadcast to both", len(out))
	}
	roster := usersTo(t, out, "B")
	if roster.Initiator != "A" || len(roster.Users) != 2 {
		t.Fatalf("roster=%+v", roster)
	}
}

func TestReady_SwitchingRoomsLeavesTheOldOne(t *testing.T) {
	c := newCoordinator(t, 0)
	for _, id := range []string{"A", "B"} {
		connect(t, c, id)
	}
	ready(t, c, "A", "r1", "alice")
	ready(t, c, "B", "r1", "bob")

	out := ready(t, c, "B", "r2", "bob")

	// A gets the shrunken r1 roster, B gets the fresh r2 roster.
	r1 := usersTo(t, out, "A")
	if len(r1.Users) != 1 || r1.Users[0].SocketID != "A" {
		t.Fatalf("old room roster=%+v", r1)
	}
	r2 := usersTo(t, out, "B")
	if r2.Initiator != "B" || len(r2.Users) != 1 {
		t.Fatalf("new room roster=%+v, want B as fresh initiator", r2)
	}
}

func TestReady_RoomFull(t *testing.T) {
	c := newCoordinator(t, 2)
	for _, id := range []string{"A", "B", "C"} {
		connect(t, c, id)
	}
	ready(t, c, "A", "r1", "alice")
	ready(t, c, "B", "r1", "bob")

	if _, err := c.Ready("C", "r1", "carol"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("join to full room: got %v", err)
	}
}

func TestSignal_DeliveredToExactlyOneInRoomRecipient(t *testing.T) {
	c := newCoordinator(t, 0)
	for _, id := range []string{"A", "B", "C"} {
		connect(t, c, id)
	}
	ready(t, c, "A", "r1", "alice")
	ready(t, c, "B", "r1", "bob")
	ready(t, c, "C", "r2", "alice") // same userId, different room

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0 fake"}`)
	out, err := c.Signal("B", "alice", payload)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("deliveries=%d, want exactly 1", len(out))
	}
	if out[0].To != "A" || out[0].Event != EventSignal {
		t.Fatalf("effect=%+v, want signal to A (not C in r2)", out[0])
	}

	sp := out[0].Payload.(SignalPayload)
	if sp.UserID != "bob" {
		t.Fatalf("sender annotation=%q, want bob", sp.UserID)
	}
	if string(sp.Signal) != string(payload) {
		t.Fatalf("payload not byte-identical: %s != %s", sp.Signal, payload)
	}
}

func TestSignal_UnknownRecipient(t *testing.T) {
	c := newCoordinator(t, 0)
	connect(t, c, "A")
	connect(t, c, "B")
	ready(t, c, "A", "r1", "alice")
	ready(t, c, "B", "r1", "bob")

	out, err := c.Signal("B", "nobody", json.RawMessage(`"X"`))
	if !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("got %v, want ErrUnknownRecipient", err)
	}
	if len(out) != 0 {
		t.Fatalf("deliveries=%d, want 0", len(out))
	}
}

func TestSignal_DepartedRecipientIsUnknown(t *testing.T) {
	c := newCoordinator(t, 0)
	connect(t, c, "A")
	connect(t, c, "B")
	ready(t, c, "A", "r1", "alice")
	ready(t, c, "B", "r1", "bob")
	c.Disconnect("A")

	if _, err := c.Signal("B", "alice", json.RawMessage(`"X"`)); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("signal to departed member: got %v, want ErrUnknownRecipient", err)
	}
}

func TestSignal_BeforeReady(t *testing.T) {
	c := newCoordinator(t, 0)
	connect(t, c, "A")
	if _, err := c.Signal("A", "alice", json.RawMessage(`"X"`)); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("got %v, want ErrNotJoined", err)
	}
}

func TestDisconnect_SoleMemberDeletesRoom(t *testing.T) {
	c := newCoordinator(t, 0)
	connect(t, c, "A")
	ready(t, c, "A", "r1", "alice")

	out := c.Disconnect("A")
	if len(out) != 0 {
		t.Fatalf("effects=%+v, want none for emptied room", out)
	}

	// The name is fresh again: a new joiner gets a new election.
	connect(t, c, "B")
	roster := usersTo(t, ready(t, c, "B", "r1", "bob"), "B")
	if roster.Initiator != "B" {
		t.Fatalf("initiator=%q after recreate, want B", roster.Initiator)
	}
}

func TestDisconnect_BroadcastsRosterWithoutDeparted(t *testing.T) {
	c := newCoordinator(t, 0)
	for _, id := range []string{"A", "B", "C"} {
		connect(t, c, id)
		ready(t, c, id, "r1", "u-"+id)
	}

	out := c.Disconnect("A")
	if len(out) != 2 {
		t.Fatalf("effects=%d, want one roster per remaining member", len(out))
	}
	for _, id := range []string{"B", "C"} {
		roster := usersTo(t, out, id)
		for _, u := range roster.Users {
			if u.SocketID == "A" {
				t.Fatalf("departed connection still in roster: %+v", roster)
			}
		}
		// Initiator is sticky even though A left.
		if roster.Initiator != "A" {
			t.Fatalf("initiator=%q, want sticky A", roster.Initiator)
		}
	}
}

func TestDisconnect_UnknownIsNoop(t *testing.T) {
	c := newCoordinator(t, 0)
	if out := c.Disconnect("ghost"); out != nil {
		t.Fatalf("effects=%+v, want nil", out)
	}
}

// The walkthrough scenario: A and B meet in r1, exchange a signal, C
// misaddresses one, then A disconnects.
func TestScenario_TwoPeersAndAStranger(t *testing.T) {
	c := newCoordinator(t, 0)
	for _, id := range []string{"A", "B", "C"} {
		connect(t, c, id)
	}

	roster := usersTo(t, ready(t, c, "A", "r1", "alice"), "A")
	if roster.Initiator != "A" || len(roster.Users) != 1 {
		t.Fatalf("after A joins: %+v", roster)
	}

	out := ready(t, c, "B", "r1", "bob")
	for _, id := range []string{"A", "B"} {
		roster := usersTo(t, out, id)
		if roster.Initiator != "A" || len(roster.Users) != 2 {
			t.Fatalf("after B joins, roster to %s: %+v", id, roster)
		}
	}

	sig, err := c.Signal("B", "alice", json.RawMessage(`"OFFER"`))
	if err != nil {
		t.Fatalf("B->alice: %v", err)
	}
	if len(sig) != 1 || sig[0].To != "A" {
		t.Fatalf("B->alice effects=%+v", sig)
	}

	ready(t, c, "C", "r1", "carol")
	if _, err := c.Signal("C", "nobody", json.RawMessage(`"X"`)); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("C->nobody: got %v", err)
	}

	c.Disconnect("C")
	out = c.Disconnect("A")
	roster = usersTo(t, out, "B")
	if len(roster.Users) != 1 || roster.Users[0].UserID != "bob" {
		t.Fatalf("after A leaves: %+v", roster)
	}
}

func TestConcurrentReadies_SameRoomExactlyOneInitiator(t *testing.T) {
	c := newCoordinator(t, 0)
	const n = 24

	for i := 0; i < n; i++ {
		connect(t, c, fmt.Sprintf("c%d", i))
	}

	var mu sync.Mutex
	initiators := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			out, err := c.Ready(id, "r1", "u"+id)
			if err != nil {
				t.Errorf("ready %s: %v", id, err)
				return
			}
			for _, o := range out {
				if o.Event != EventUsers {
					continue
				}
				p := o.Payload.(UsersPayload)
				mu.Lock()
				initiators[p.Initiator] = true
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(initiators) != 1 {
		t.Fatalf("distinct initiators observed: %v, want 1", initiators)
	}
}
