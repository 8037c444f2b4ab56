package queue

import (
	"context"
	"strconv"
	"sync"
)

type memItem struct {
	msg     Message
	attempt int
}

type memQueue struct {
	items []memItem
	dead  []Message
}

// MemoryTransport is an in-process Transport for tests and single-node
// development. Items survive consumer restarts but not process restarts.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	opts   Options
	down   bool
	closed bool
	seq    uint64
	wake   chan struct{}
}

func NewMemoryTransport(opts Options) *MemoryTransport {
	return &MemoryTransport{
		queues: make(map[string]*memQueue),
		opts:   opts,
		wake:   make(chan struct{}),
	}
}

// SetDown simulates a broker outage. While down, Declare and Enqueue fail
// with ErrUnavailable and consumers receive nothing.
func (m *MemoryTransport) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
	m.signal()
}

func (m *MemoryTransport) Declare(ctx context.Context, queues ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.down {
		return ErrUnavailable
	}
	for _, q := range queues {
		m.queueLocked(q)
	}
	return nil
}

func (m *MemoryTransport) Enqueue(ctx context.Context, queue string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.down {
		m.mu.Unlock()
		return ErrUnavailable
	}
	q := m.queueLocked(queue)
	q.items = append(q.items, memItem{msg: msg, attempt: 1})
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *MemoryTransport) Consume(ctx context.Context, queue string, h Handler) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		wake := m.wake
		var (
			it memItem
			ok bool
		)
		if !m.down {
			q := m.queueLocked(queue)
			if len(q.items) > 0 {
				it, ok = q.items[0], true
				q.items = q.items[1:]
			}
		}
		m.seq++
		tag := strconv.FormatUint(m.seq, 10)
		m.mu.Unlock()

		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
				continue
			}
		}

		d := &Delivery{Message: it.msg, Queue: queue, Attempt: it.attempt, handle: tag}
		outcome := resolve(h(ctx, d), it.attempt, m.opts.maxAttempts())

		m.mu.Lock()
		q := m.queueLocked(queue)
		switch outcome {
		case Nack:
			q.items = append(q.items, memItem{msg: it.msg, attempt: it.attempt + 1})
		case DeadLetter:
			q.dead = append(q.dead, it.msg)
		}
		m.mu.Unlock()
		if outcome == Nack {
			m.signal()
		}
	}
}

func (m *MemoryTransport) DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dead := m.queueLocked(queue).dead
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return append([]Message(nil), dead...), nil
}

// Len reports the number of items waiting in queue.
func (m *MemoryTransport) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queueLocked(queue).items)
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *MemoryTransport) queueLocked(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{}
		m.queues[name] = q
	}
	return q
}

// signal wakes every blocked consumer.
func (m *MemoryTransport) signal() {
	m.mu.Lock()
	close(m.wake)
	m.wake = make(chan struct{})
	m.mu.Unlock()
}
