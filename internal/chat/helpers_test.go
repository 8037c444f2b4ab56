package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"go-chatrelay/internal/fanout"
)

type fakeAuth map[string]Identity

func (f fakeAuth) VerifyCredential(ctx context.Context, token string) (Identity, error) {
	id, ok := f[token]
	if !ok {
		return Identity{}, errors.New("unknown token")
	}
	return id, nil
}

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

// startHub runs a hub on its own bus attached to broker.
func startHub(t *testing.T, nodeID string, broker *fanout.MemoryBroker, store RoomDirectory) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus := fanout.NewBus(broker, 64, 10*time.Millisecond, zerolog.Nop())
	go bus.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = bus.Close()
	})

	select {
	case <-bus.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("bus never became ready")
	}

	h := NewHub(nodeID, fakeAuth{}, store, bus, zerolog.Nop())
	if err := h.Start(ctx); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	return h
}

// seedMessage stores a message as if the message pipeline had run.
func seedMessage(t *testing.T, store *MemoryStore, id, roomID, senderID string) {
	t.Helper()
	env := MessageEnvelope{ID: id, RoomID: roomID, SenderID: senderID, Content: "hi", CreatedAt: time.Now().UTC()}
	if err := store.UpsertMessage(context.Background(), env); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func connect(t *testing.T, h *Hub, userID string) *Client {
	t.Helper()
	c := NewClient(h, nil, Identity{UserID: userID, Username: userID}, ClientConfig{SendBuffer: 32})
	if err := h.Register(context.Background(), c); err != nil {
		t.Fatalf("register %s: %v", userID, err)
	}
	return c
}

// next returns the next frame of the given type, skipping others.
func next(t *testing.T, c *Client, eventType string) Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-c.Outbound():
			if !ok {
				t.Fatalf("%s: session closed waiting for %s", c.UserID, eventType)
			}
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("bad frame %q: %v", raw, err)
			}
			if f.Type == eventType {
				return f
			}
		case <-timeout:
			t.Fatalf("%s: no %s event", c.UserID, eventType)
		}
	}
}

// none asserts no frame of the given type arrives within a short window.
func none(t *testing.T, c *Client, eventType string) {
	t.Helper()
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case raw, ok := <-c.Outbound():
			if !ok {
				return
			}
			var f Frame
			_ = json.Unmarshal(raw, &f)
			if f.Type == eventType {
				t.Fatalf("%s: unexpected %s event: %s", c.UserID, eventType, raw)
			}
		case <-timeout:
			return
		}
	}
}
