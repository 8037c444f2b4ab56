package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

func newAsynq(t *testing.T) *AsynqTransport {
	t.Helper()
	mr := miniredis.RunT(t)
	a := NewAsynqTransport(asynq.RedisClientOpt{Addr: mr.Addr()}, AsynqOptions{
		Options:    Options{MaxAttempts: 2},
		RetryDelay: 10 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAsynqEnqueueDeduplicatesByID(t *testing.T) {
	a := newAsynq(t)
	ctx := context.Background()

	if err := a.Declare(ctx, "q"); err != nil {
		t.Fatalf("declare: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := a.Enqueue(ctx, "q", Message{ID: "m1", Body: []byte("x")}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	tasks, err := a.inspector.ListPendingTasks("q")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "m1" {
		t.Fatalf("pending = %+v", tasks)
	}
}

func TestAsynqConsumeAcksAndArchives(t *testing.T) {
	a := newAsynq(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = a.Enqueue(ctx, "q", Message{ID: "good", Body: []byte("ok")})
	_ = a.Enqueue(ctx, "q", Message{ID: "bad", Body: []byte("{")})

	var mu sync.Mutex
	seen := map[string]int{}
	go a.Consume(ctx, "q", func(_ context.Context, d *Delivery) Outcome {
		mu.Lock()
		seen[d.ID]++
		mu.Unlock()
		if d.ID == "bad" {
			return DeadLetter
		}
		return Ack
	})

	waitUntil(t, 10*time.Second, func() bool {
		dead, err := a.DeadLetters(ctx, "q", 10)
		return err == nil && len(dead) == 1 && dead[0].ID == "bad"
	})
	waitUntil(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["good"] == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if seen["bad"] != 1 {
		t.Fatalf("dead-lettered task ran %d times", seen["bad"])
	}
}
