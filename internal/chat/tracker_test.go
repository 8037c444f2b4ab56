package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type capture struct {
	mu     sync.Mutex
	events []Event
}

func (c *capture) Broadcast(ctx context.Context, roomID string, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTracker(store ReceiptStore, hub Broadcaster) *Tracker {
	tr := NewTracker(store, hub, zerolog.Nop())
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var n int
	tr.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return tr
}

func TestTrackerDeliveredThenRead(t *testing.T) {
	store := NewMemoryStore()
	seedMessage(t, store, "m1", "r1", "alice")
	hub := &capture{}
	tr := newTracker(store, hub)
	ctx := context.Background()
	r := Receipt{RoomID: "r1", MessageID: "m1", RecipientID: "bob"}

	first, err := tr.MarkDelivered(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	again, err := tr.MarkDelivered(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if !again.DeliveredAt.Equal(*first.DeliveredAt) {
		t.Fatalf("delivered-at moved: %v -> %v", first.DeliveredAt, again.DeliveredAt)
	}

	read, err := tr.MarkRead(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if !read.DeliveredAt.Equal(*first.DeliveredAt) || read.ReadAt == nil || !read.ReadAt.After(*read.DeliveredAt) {
		t.Fatalf("record = %+v", read)
	}

	got := hub.types()
	if len(got) != 2 || got[0] != EventMessageDelivered || got[1] != EventMessageRead {
		t.Fatalf("events = %v", got)
	}
}

func TestTrackerReadBackfillsDelivered(t *testing.T) {
	store := NewMemoryStore()
	seedMessage(t, store, "m1", "r1", "alice")
	hub := &capture{}
	tr := newTracker(store, hub)
	ctx := context.Background()
	r := Receipt{RoomID: "r1", MessageID: "m1", RecipientID: "bob"}

	read, err := tr.MarkRead(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if read.DeliveredAt == nil || !read.DeliveredAt.Equal(*read.ReadAt) {
		t.Fatalf("record = %+v", read)
	}

	// Delivered after read is a no-op.
	if _, err := tr.MarkDelivered(ctx, r); err != nil {
		t.Fatal(err)
	}
	if got := hub.types(); len(got) != 1 || got[0] != EventMessageRead {
		t.Fatalf("events = %v", got)
	}
}

func TestTrackerStorageFailure(t *testing.T) {
	store := NewMemoryStore()
	store.SetFailing(true)
	hub := &capture{}
	tr := newTracker(store, hub)

	if _, err := tr.MarkRead(context.Background(), Receipt{RoomID: "r1", MessageID: "m1", RecipientID: "bob"}); err == nil {
		t.Fatal("expected error")
	}
	if len(hub.types()) != 0 {
		t.Fatal("no event expected on failure")
	}
}

func TestTrackerRejectsMismatchedReceipts(t *testing.T) {
	store := NewMemoryStore()
	seedMessage(t, store, "m1", "r1", "alice")
	hub := &capture{}
	tr := newTracker(store, hub)
	ctx := context.Background()

	cases := map[string]Receipt{
		"sender":     {RoomID: "r1", MessageID: "m1", RecipientID: "alice"},
		"other room": {RoomID: "r2", MessageID: "m1", RecipientID: "bob"},
	}
	for name, r := range cases {
		if _, err := tr.MarkRead(ctx, r); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("%s: read err = %v", name, err)
		}
		if _, err := tr.MarkDelivered(ctx, r); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("%s: delivered err = %v", name, err)
		}
	}
	if recs := store.Records("m1"); len(recs) != 0 {
		t.Fatalf("records = %+v", recs)
	}
	if len(hub.types()) != 0 {
		t.Fatalf("events = %v", hub.types())
	}
}

func TestTrackerWaitsForStoredMessage(t *testing.T) {
	store := NewMemoryStore()
	hub := &capture{}
	tr := newTracker(store, hub)
	r := Receipt{RoomID: "r1", MessageID: "m1", RecipientID: "bob"}

	if _, err := tr.MarkDelivered(context.Background(), r); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("err = %v", err)
	}
	if ev := toErrorEvent(ErrMessageNotFound); !ev.Retryable {
		t.Fatalf("error event = %+v", ev)
	}
	if len(store.Records("m1")) != 0 {
		t.Fatal("record created for unknown message")
	}

	seedMessage(t, store, "m1", "r1", "alice")
	if _, err := tr.MarkDelivered(context.Background(), r); err != nil {
		t.Fatal(err)
	}
}
