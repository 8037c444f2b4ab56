package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"go-chatrelay/internal/chat"
	"go-chatrelay/internal/fanout"
	"go-chatrelay/internal/queue"
)

const (
	messagesQueue      = "chat_messages"
	notificationsQueue = "notifications"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type system struct {
	store     *chat.MemoryStore
	transport *queue.MemoryTransport
	hub       *chat.Hub
	service   *chat.Service
	messages  *MessageProcessor
	notify    *NotificationProcessor
}

// newSystem wires one node end to end on in-memory drivers. The worker is
// started only when run is true.
func newSystem(t *testing.T, partitions int, run bool) *system {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := chat.NewMemoryStore()
	store.AddRoom("r1", "one", "alice", "bob")
	transport := queue.NewMemoryTransport(queue.Options{MaxAttempts: 3})

	bus := fanout.NewBus(fanout.NewMemoryBroker(), 64, 10*time.Millisecond, zerolog.Nop())
	go bus.Run(ctx)
	t.Cleanup(func() { _ = bus.Close() })
	<-bus.Ready()

	hub := chat.NewHub("n1", nil, store, bus, zerolog.Nop())
	if err := hub.Start(ctx); err != nil {
		t.Fatal(err)
	}
	producer := queue.NewProducer(transport, 20, 5*time.Millisecond, zerolog.Nop())
	tracker := chat.NewTracker(store, hub, zerolog.Nop())
	service := chat.NewService(hub, store, producer, tracker, chat.ServiceConfig{MessagesQueue: messagesQueue, Partitions: partitions}, zerolog.Nop())

	mp := NewMessageProcessor(store, producer, notificationsQueue, zerolog.Nop())
	np := NewNotificationProcessor(store, tracker, zerolog.Nop())
	if run {
		w := NewWorker(transport, WorkerConfig{
			MessageQueues:      queue.Partitions(messagesQueue, partitions),
			NotificationsQueue: notificationsQueue,
		}, mp, np, zerolog.Nop())
		go w.Run(ctx)
	}
	return &system{store: store, transport: transport, hub: hub, service: service, messages: mp, notify: np}
}

func (s *system) connect(t *testing.T, userID string) *chat.Client {
	t.Helper()
	c := chat.NewClient(s.hub, nil, chat.Identity{UserID: userID, Username: userID}, chat.ClientConfig{SendBuffer: 64})
	if err := s.hub.Register(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func (s *system) send(c *chat.Client, roomID, content string) {
	data, _ := json.Marshal(chat.SendMessageRequest{RoomID: roomID, Content: content})
	frame, _ := json.Marshal(chat.Frame{Type: chat.EventSendMessage, Data: data})
	s.service.Dispatch(context.Background(), c, frame)
}

func nextOf(t *testing.T, c *chat.Client, eventType string) chat.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-c.Outbound():
			if !ok {
				t.Fatalf("session closed waiting for %s", eventType)
			}
			var f chat.Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatal(err)
			}
			if f.Type == eventType {
				return f
			}
		case <-timeout:
			t.Fatalf("%s: no %s event", c.UserID, eventType)
		}
	}
}

func delivery(q string, attempt int, v interface{}) *queue.Delivery {
	body, _ := json.Marshal(v)
	return &queue.Delivery{Message: queue.Message{ID: "d1", Body: body}, Queue: q, Attempt: attempt}
}

func TestMessageFlowsToDelivered(t *testing.T) {
	s := newSystem(t, 1, true)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")

	s.send(alice, "r1", "hello")

	var msg chat.NewMessageEvent
	if err := json.Unmarshal(nextOf(t, bob, chat.EventNewMessage).Data, &msg); err != nil {
		t.Fatal(err)
	}

	// The notification pipeline marks bob delivered and the room hears it.
	var rcpt chat.ReceiptEvent
	if err := json.Unmarshal(nextOf(t, alice, chat.EventMessageDelivered).Data, &rcpt); err != nil {
		t.Fatal(err)
	}
	if rcpt.UserID != "bob" || rcpt.MessageID != msg.ID {
		t.Fatalf("receipt = %+v", rcpt)
	}

	stored, ok := s.store.Message(msg.ID)
	if !ok || stored.Content != "hello" || stored.SenderID != "alice" {
		t.Fatalf("stored = %+v ok = %v", stored, ok)
	}
	recs := s.store.Records(msg.ID)
	if len(recs) != 1 || recs[0].RecipientID != "bob" || recs[0].DeliveredAt == nil || recs[0].ReadAt != nil {
		t.Fatalf("records = %+v", recs)
	}
	if s.store.NotifiedCount("bob", "r1") != 1 || s.store.NotifiedCount("alice", "r1") != 0 {
		t.Fatal("notification counters not updated for recipients only")
	}
}

func TestPartitionedWorkers(t *testing.T) {
	s := newSystem(t, 4, true)
	alice := s.connect(t, "alice")

	for i := 0; i < 5; i++ {
		s.send(alice, "r1", "msg")
	}
	waitFor(t, func() bool { return s.store.MessageCount() == 5 })
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	s := newSystem(t, 1, false)
	ctx := context.Background()
	env := chat.MessageEnvelope{ID: "m1", RoomID: "r1", SenderID: "alice", Content: "hi", CreatedAt: time.Now().UTC()}

	for attempt := 1; attempt <= 2; attempt++ {
		if got := s.messages.Handle(ctx, delivery(messagesQueue, attempt, env)); got != queue.Ack {
			t.Fatalf("attempt %d: outcome = %v", attempt, got)
		}
	}
	if s.store.MessageCount() != 1 || len(s.store.Records("m1")) != 1 {
		t.Fatalf("messages = %d records = %d", s.store.MessageCount(), len(s.store.Records("m1")))
	}

	// Both runs enqueue the same notification id; recording it happens once.
	n := chat.NotificationEnvelope{Kind: chat.NotificationMessageDelivered, MessageID: "m1", RoomID: "r1", Recipients: []string{"bob"}}
	for attempt := 1; attempt <= 2; attempt++ {
		if got := s.notify.Handle(ctx, delivery(notificationsQueue, attempt, n)); got != queue.Ack {
			t.Fatalf("notification attempt %d: outcome = %v", attempt, got)
		}
	}
	if s.store.NotifiedCount("bob", "r1") != 1 {
		t.Fatalf("notified = %d", s.store.NotifiedCount("bob", "r1"))
	}
}

func TestMalformedEnvelopeIsDeadLettered(t *testing.T) {
	s := newSystem(t, 1, false)
	ctx := context.Background()

	bad := &queue.Delivery{Message: queue.Message{ID: "x", Body: []byte(`{"id":"m1"`)}, Queue: messagesQueue, Attempt: 1}
	if got := s.messages.Handle(ctx, bad); got != queue.DeadLetter {
		t.Fatalf("outcome = %v", got)
	}
	missing := delivery(messagesQueue, 1, map[string]string{"id": "m1", "content": "hi"})
	if got := s.messages.Handle(ctx, missing); got != queue.DeadLetter {
		t.Fatalf("outcome = %v", got)
	}
	if s.store.MessageCount() != 0 || s.transport.Len(notificationsQueue) != 0 {
		t.Fatal("malformed envelope caused writes")
	}
}

func TestUnknownRoomIsDeadLettered(t *testing.T) {
	s := newSystem(t, 1, false)
	env := chat.MessageEnvelope{ID: "m1", RoomID: "nope", SenderID: "alice", Content: "hi"}

	if got := s.messages.Handle(context.Background(), delivery(messagesQueue, 1, env)); got != queue.DeadLetter {
		t.Fatalf("outcome = %v", got)
	}
}

func TestSenderOutsideRoomIsDeadLettered(t *testing.T) {
	s := newSystem(t, 1, false)
	env := chat.MessageEnvelope{ID: "m1", RoomID: "r1", SenderID: "mallory", Content: "hi"}

	if got := s.messages.Handle(context.Background(), delivery(messagesQueue, 1, env)); got != queue.DeadLetter {
		t.Fatalf("outcome = %v", got)
	}
	if s.store.MessageCount() != 0 {
		t.Fatal("message from non-member persisted")
	}
}

func TestStorageOutageNacks(t *testing.T) {
	s := newSystem(t, 1, false)
	ctx := context.Background()
	env := chat.MessageEnvelope{ID: "m1", RoomID: "r1", SenderID: "alice", Content: "hi"}

	s.store.SetFailing(true)
	if got := s.messages.Handle(ctx, delivery(messagesQueue, 1, env)); got != queue.Nack {
		t.Fatalf("outcome = %v, want nack", got)
	}
	n := chat.NotificationEnvelope{Kind: chat.NotificationMessageDelivered, MessageID: "m1", RoomID: "r1", Recipients: []string{"bob"}}
	if got := s.notify.Handle(ctx, delivery(notificationsQueue, 1, n)); got != queue.Nack {
		t.Fatalf("notification outcome = %v, want nack", got)
	}

	s.store.SetFailing(false)
	if got := s.messages.Handle(ctx, delivery(messagesQueue, 2, env)); got != queue.Ack {
		t.Fatalf("outcome after recovery = %v", got)
	}
	if _, ok := s.store.Message("m1"); !ok {
		t.Fatal("message not persisted after recovery")
	}
}

func TestNotificationEnqueueFailureNacks(t *testing.T) {
	s := newSystem(t, 1, false)
	env := chat.MessageEnvelope{ID: "m1", RoomID: "r1", SenderID: "alice", Content: "hi"}

	s.transport.SetDown(true)
	if got := s.messages.Handle(context.Background(), delivery(messagesQueue, 1, env)); got != queue.Nack {
		t.Fatalf("outcome = %v, want nack", got)
	}
}

func TestBrokerOutageRejectsThenRecovers(t *testing.T) {
	s := newSystem(t, 1, true)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")

	s.transport.SetDown(true)
	s.send(alice, "r1", "lost")

	var ev chat.ErrorEvent
	if err := json.Unmarshal(nextOf(t, alice, chat.EventError).Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Code != chat.CodeEnqueueFailed || !ev.Retryable {
		t.Fatalf("error = %+v", ev)
	}

	s.transport.SetDown(false)
	s.send(alice, "r1", "kept")
	nextOf(t, bob, chat.EventNewMessage)
	waitFor(t, func() bool { return s.store.MessageCount() == 1 })
}

func TestBrokerBlipIsRetried(t *testing.T) {
	s := newSystem(t, 1, true)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")

	s.transport.SetDown(true)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.transport.SetDown(false)
	}()
	s.send(alice, "r1", "during blip")

	nextOf(t, alice, chat.EventMessageSent)
	nextOf(t, bob, chat.EventNewMessage)
	waitFor(t, func() bool { return s.store.MessageCount() == 1 })
}

func TestReusedIDIsDeadLettered(t *testing.T) {
	s := newSystem(t, 1, false)
	ctx := context.Background()
	first := chat.MessageEnvelope{ID: "m1", RoomID: "r1", SenderID: "alice", Content: "first from alice"}
	second := chat.MessageEnvelope{ID: "m1", RoomID: "r1", SenderID: "bob", Content: "second from bob"}

	if got := s.messages.Handle(ctx, delivery(messagesQueue, 1, first)); got != queue.Ack {
		t.Fatalf("first outcome = %v", got)
	}
	if got := s.messages.Handle(ctx, delivery(messagesQueue, 1, second)); got != queue.DeadLetter {
		t.Fatalf("second outcome = %v, want dead letter", got)
	}
	stored, _ := s.store.Message("m1")
	if stored.Content != "first from alice" || s.store.MessageCount() != 1 {
		t.Fatalf("stored = %+v count = %d", stored, s.store.MessageCount())
	}
	if s.transport.Len(notificationsQueue) != 1 {
		t.Fatalf("notifications = %d", s.transport.Len(notificationsQueue))
	}
}

func TestMismatchedNotificationIsDeadLettered(t *testing.T) {
	s := newSystem(t, 1, false)
	ctx := context.Background()
	env := chat.MessageEnvelope{ID: "m1", RoomID: "r1", SenderID: "alice", Content: "hi"}
	if got := s.messages.Handle(ctx, delivery(messagesQueue, 1, env)); got != queue.Ack {
		t.Fatalf("outcome = %v", got)
	}

	n := chat.NotificationEnvelope{Kind: chat.NotificationMessageDelivered, MessageID: "m1", RoomID: "r1", Recipients: []string{"alice"}}
	if got := s.notify.Handle(ctx, delivery(notificationsQueue, 1, n)); got != queue.DeadLetter {
		t.Fatalf("outcome = %v, want dead letter", got)
	}
	for _, rec := range s.store.Records("m1") {
		if rec.RecipientID == "alice" {
			t.Fatal("sender got a delivery record")
		}
	}
}
