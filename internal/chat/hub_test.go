package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"go-chatrelay/internal/fanout"
)

func TestAuthenticate(t *testing.T) {
	h := NewHub("n1", fakeAuth{"good": {UserID: "u1"}}, NewMemoryStore(), nil, zerolog.Nop())
	ctx := context.Background()

	id, err := h.Authenticate(ctx, "good")
	if err != nil || id.UserID != "u1" {
		t.Fatalf("good token: id = %+v, err = %v", id, err)
	}
	for _, token := range []string{"", "bad"} {
		if _, err := h.Authenticate(ctx, token); !errors.Is(err, ErrAuth) {
			t.Fatalf("token %q: err = %v, want ErrAuth", token, err)
		}
	}
	if h.SessionCount() != 0 {
		t.Fatal("authentication must not register sessions")
	}
}

func TestRegisterJoinsStoredRooms(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	store.AddRoom("r2", "two", "alice", "carol")
	store.AddRoom("r3", "three", "bob", "carol")
	h := startHub(t, "n1", fanout.NewMemoryBroker(), store)

	alice := connect(t, h, "alice")
	if !alice.InRoom("r1") || !alice.InRoom("r2") || alice.InRoom("r3") {
		t.Fatalf("alice rooms = %v", alice.Rooms())
	}
	if h.RoomSessions("r1") != 1 || h.RoomSessions("r3") != 0 {
		t.Fatalf("room index r1=%d r3=%d", h.RoomSessions("r1"), h.RoomSessions("r3"))
	}
}

func TestRegisterStorageFailureKeepsSession(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	store.SetFailing(true)
	h := startHub(t, "n1", fanout.NewMemoryBroker(), store)

	c := NewClient(h, nil, Identity{UserID: "alice"}, ClientConfig{})
	if err := h.Register(context.Background(), c); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if h.SessionCount() != 1 || len(c.Rooms()) != 0 {
		t.Fatalf("sessions = %d rooms = %v", h.SessionCount(), c.Rooms())
	}
}

func TestJoinRoomChecksMembership(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	store.AddRoom("r2", "two", "bob", "carol")
	h := startHub(t, "n1", fanout.NewMemoryBroker(), store)
	alice := connect(t, h, "alice")
	ctx := context.Background()

	if err := h.JoinRoom(ctx, alice, "r2"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("err = %v, want ErrNotAMember", err)
	}
	if alice.InRoom("r2") {
		t.Fatal("non-member must not be indexed")
	}

	// Already joined at register; a second join changes nothing.
	if err := h.JoinRoom(ctx, alice, "r1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if h.RoomSessions("r1") != 1 {
		t.Fatalf("r1 sessions = %d", h.RoomSessions("r1"))
	}
}

func TestBroadcastReachesRoomOnly(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	h := startHub(t, "n1", fanout.NewMemoryBroker(), store)
	alice := connect(t, h, "alice")
	bob := connect(t, h, "bob")
	carol := connect(t, h, "carol")
	ctx := context.Background()

	if err := h.Broadcast(ctx, "r1", Event{Type: EventUserTyping, Data: UserTypingEvent{UserID: "alice", RoomID: "r1"}, ExcludeUser: "alice"}); err != nil {
		t.Fatal(err)
	}

	f := next(t, bob, EventUserTyping)
	var ev UserTypingEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil || ev.UserID != "alice" {
		t.Fatalf("event = %+v, err = %v", ev, err)
	}
	none(t, alice, EventUserTyping)
	none(t, carol, EventUserTyping)
}

func TestBroadcastAcrossInstances(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	broker := fanout.NewMemoryBroker()
	h1 := startHub(t, "n1", broker, store)
	h2 := startHub(t, "n2", broker, store)
	alice := connect(t, h1, "alice")
	bob := connect(t, h2, "bob")

	if err := h1.Broadcast(context.Background(), "r1", Event{Type: EventNewMessage, Data: NewMessageEvent{ID: "m1", RoomID: "r1"}}); err != nil {
		t.Fatal(err)
	}

	next(t, bob, EventNewMessage)
	next(t, alice, EventNewMessage)
	// h1 must skip its own publication coming back from the bus.
	none(t, alice, EventNewMessage)
}

func TestBroadcastWithoutLocalSessionsStillFansOut(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	broker := fanout.NewMemoryBroker()
	h1 := startHub(t, "n1", broker, store)
	h2 := startHub(t, "n2", broker, store)
	bob := connect(t, h2, "bob")

	if h1.RoomSessions("r1") != 0 {
		t.Fatalf("h1 room sessions = %d", h1.RoomSessions("r1"))
	}
	if err := h1.Broadcast(context.Background(), "r1", Event{Type: EventNewMessage, Data: NewMessageEvent{ID: "m1", RoomID: "r1"}}); err != nil {
		t.Fatal(err)
	}
	next(t, bob, EventNewMessage)
}

func TestConcurrentJoinRegistersOnce(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	h := startHub(t, "n1", fanout.NewMemoryBroker(), store)
	bob := connect(t, h, "bob")
	ctx := context.Background()
	h.LeaveRoom(ctx, bob, "r1")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.JoinRoom(ctx, bob, "r1")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	if n := h.RoomSessions("r1"); n != 1 {
		t.Fatalf("room sessions = %d, want 1", n)
	}
	if rooms := bob.Rooms(); len(rooms) != 1 {
		t.Fatalf("session rooms = %v", rooms)
	}
	if err := h.Broadcast(ctx, "r1", Event{Type: EventUserTyping}); err != nil {
		t.Fatal(err)
	}
	next(t, bob, EventUserTyping)
	none(t, bob, EventUserTyping)
}

func TestSendToUserAcrossInstances(t *testing.T) {
	broker := fanout.NewMemoryBroker()
	store := NewMemoryStore()
	h1 := startHub(t, "n1", broker, store)
	h2 := startHub(t, "n2", broker, store)
	phone := connect(t, h1, "bob")
	laptop := connect(t, h2, "bob")

	if err := h1.SendToUser(context.Background(), "bob", Event{Type: EventChatCreated}); err != nil {
		t.Fatal(err)
	}
	next(t, phone, EventChatCreated)
	next(t, laptop, EventChatCreated)
}

func TestAddUserToRoomJoinsRemoteSessions(t *testing.T) {
	broker := fanout.NewMemoryBroker()
	store := NewMemoryStore()
	h1 := startHub(t, "n1", broker, store)
	h2 := startHub(t, "n2", broker, store)
	bob := connect(t, h2, "bob")

	store.AddRoom("r9", "new", "alice", "bob")
	h1.AddUserToRoom(context.Background(), "bob", "r9")

	waitFor(t, func() bool { return bob.InRoom("r9") })
}

func TestDisconnectCleansUpAndAnnouncesOffline(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	h := startHub(t, "n1", fanout.NewMemoryBroker(), store)
	alice := connect(t, h, "alice")
	bob1 := connect(t, h, "bob")
	bob2 := connect(t, h, "bob")
	ctx := context.Background()

	h.Disconnect(ctx, bob1)
	none(t, alice, EventUserStatusChange)

	h.Disconnect(ctx, bob2)
	f := next(t, alice, EventUserStatusChange)
	var ev StatusChangeEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil || ev.UserID != "bob" || ev.Status != StatusOffline {
		t.Fatalf("event = %+v, err = %v", ev, err)
	}

	if h.SessionCount() != 1 || h.RoomSessions("r1") != 1 {
		t.Fatalf("sessions = %d r1 = %d", h.SessionCount(), h.RoomSessions("r1"))
	}
	if _, ok := <-bob2.Outbound(); ok {
		t.Fatal("outbound channel should be closed")
	}

	// Idempotent.
	h.Disconnect(ctx, bob2)
}

func TestDisconnectedSessionIsNotJoined(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	h := startHub(t, "n1", fanout.NewMemoryBroker(), store)
	bob := connect(t, h, "bob")
	h.Disconnect(context.Background(), bob)

	if err := h.index(context.Background(), bob, "r1"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
	if h.RoomSessions("r1") != 0 {
		t.Fatal("closed session leaked into the room index")
	}
}

func TestSlowSessionIsDropped(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	h := startHub(t, "n1", fanout.NewMemoryBroker(), store)
	slow := NewClient(h, nil, Identity{UserID: "bob"}, ClientConfig{SendBuffer: 1})
	if err := h.Register(context.Background(), slow); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.Broadcast(ctx, "r1", Event{Type: EventUserTyping})
	}
	waitFor(t, func() bool { return h.SessionCount() == 0 })
}

func TestBroadcastSurvivesFanoutOutage(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	broker := fanout.NewMemoryBroker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := fanout.NewBus(broker, 1, time.Hour, zerolog.Nop())
	defer bus.Close()
	broker.SetDown(true)
	go bus.Run(ctx)

	h := NewHub("n1", fakeAuth{}, store, bus, zerolog.Nop())
	bob := connect(t, h, "bob")

	// Buffer holds one publish; later ones fail fast but local delivery
	// goes ahead regardless.
	for i := 0; i < 3; i++ {
		if err := h.Broadcast(ctx, "r1", Event{Type: EventNewMessage}); err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		next(t, bob, EventNewMessage)
	}
}
