package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIdentity: true})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newStreams(t *testing.T, client *redis.Client, consumer string, claimIdle time.Duration) *RedisStreamTransport {
	t.Helper()
	r := NewRedisStreamTransport(client, RedisStreamOptions{
		Options:    Options{Group: "pipeline", Consumer: consumer, MaxAttempts: 3},
		ClaimIdle:  claimIdle,
		Block:      20 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
	}, zerolog.Nop())
	if err := r.Declare(context.Background(), "q"); err != nil {
		t.Fatalf("declare: %v", err)
	}
	return r
}

func pending(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), "q", "pipeline").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	return p.Count
}

func TestRedisStreamDeclareIsRepeatable(t *testing.T) {
	_, client := newRedis(t)
	r := newStreams(t, client, "c1", 0)
	if err := r.Declare(context.Background(), "q", "q2"); err != nil {
		t.Fatalf("second declare: %v", err)
	}
}

func TestRedisStreamAckRemovesEntry(t *testing.T) {
	_, client := newRedis(t)
	r := newStreams(t, client, "c1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Enqueue(ctx, "q", Message{ID: "m1", Body: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := make(chan *Delivery, 1)
	go r.Consume(ctx, "q", func(_ context.Context, d *Delivery) Outcome {
		got <- d
		return Ack
	})

	select {
	case d := <-got:
		if d.ID != "m1" || string(d.Body) != `{"a":1}` || d.Attempt != 1 {
			t.Fatalf("delivery = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nothing delivered")
	}
	waitFor(t, func() bool {
		n, err := client.XLen(ctx, "q").Result()
		return err == nil && n == 0 && pending(t, client) == 0
	})
}

func TestRedisStreamNackReappendsUntilDeadLetter(t *testing.T) {
	_, client := newRedis(t)
	r := newStreams(t, client, "c1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = r.Enqueue(ctx, "q", Message{ID: "m1", Body: []byte("x")})

	var mu sync.Mutex
	var attempts []int
	go r.Consume(ctx, "q", func(_ context.Context, d *Delivery) Outcome {
		mu.Lock()
		attempts = append(attempts, d.Attempt)
		mu.Unlock()
		return Nack
	})

	waitFor(t, func() bool {
		dead, err := r.DeadLetters(ctx, "q", 10)
		return err == nil && len(dead) == 1
	})
	dead, _ := r.DeadLetters(ctx, "q", 10)
	if dead[0].ID != "m1" || string(dead[0].Body) != "x" {
		t.Fatalf("dead letter = %+v", dead[0])
	}

	mu.Lock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[1] != 2 || attempts[2] != 3 {
		t.Fatalf("attempts = %v", attempts)
	}
	mu.Unlock()

	waitFor(t, func() bool {
		n, err := client.XLen(ctx, "q").Result()
		return err == nil && n == 0 && pending(t, client) == 0
	})
}

func TestRedisStreamDeadLetterSkipsRetries(t *testing.T) {
	_, client := newRedis(t)
	r := newStreams(t, client, "c1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = r.Enqueue(ctx, "q", Message{ID: "bad", Body: []byte("{")})

	calls := make(chan struct{}, 4)
	go r.Consume(ctx, "q", func(context.Context, *Delivery) Outcome {
		calls <- struct{}{}
		return DeadLetter
	})

	waitFor(t, func() bool {
		dead, _ := r.DeadLetters(ctx, "q", 10)
		return len(dead) == 1
	})
	entries, err := client.XRange(ctx, DeadLetterQueue("q"), "-", "+").Result()
	if err != nil || len(entries) != 1 || entries[0].Values[fieldReason] != "dead_letter" {
		t.Fatalf("dead stream = %+v, err = %v", entries, err)
	}
	if len(calls) != 1 {
		t.Fatalf("handler ran %d times", len(calls))
	}
}

func TestRedisStreamReclaimsAbandonedEntry(t *testing.T) {
	_, client := newRedis(t)
	r := newStreams(t, client, "survivor", 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = r.Enqueue(ctx, "q", Message{ID: "m1", Body: []byte("x")})

	// A consumer reads the entry and dies before settling it.
	read, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "pipeline",
		Consumer: "crashed",
		Streams:  []string{"q", ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil || len(read) != 1 || len(read[0].Messages) != 1 {
		t.Fatalf("crashed read = %+v, err = %v", read, err)
	}

	got := make(chan *Delivery, 1)
	go r.Consume(ctx, "q", func(_ context.Context, d *Delivery) Outcome {
		got <- d
		return Ack
	})

	select {
	case d := <-got:
		if d.ID != "m1" || d.Attempt != 1 {
			t.Fatalf("delivery = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned entry never reclaimed")
	}
	waitFor(t, func() bool { return pending(t, client) == 0 })
}

func TestDecodeEntry(t *testing.T) {
	d := decodeEntry("q", redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{fieldID: "m1", fieldBody: "hi", fieldAttempt: "4"},
	})
	if d.ID != "m1" || string(d.Body) != "hi" || d.Attempt != 4 || d.Queue != "q" || d.handle != "1-0" {
		t.Fatalf("decoded = %+v", d)
	}

	d = decodeEntry("q", redis.XMessage{ID: "2-0", Values: map[string]interface{}{fieldAttempt: "zero"}})
	if d.Attempt != 1 || d.ID != "" || d.Body != nil {
		t.Fatalf("defaults = %+v", d)
	}
}
