package fanout

import (
	"context"
	"errors"
	"sync"
)

var errBrokerDown = errors.New("memory broker down")

// MemoryBroker is an in-process pub/sub broker shared by several Bus
// instances in tests. SetDown simulates an outage.
type MemoryBroker struct {
	mu    sync.Mutex
	conns map[*memoryConn]struct{}
	down  bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{conns: make(map[*memoryConn]struct{})}
}

// SetDown makes Connect fail and drops every open connection.
func (b *MemoryBroker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	var dropped []*memoryConn
	if down {
		for c := range b.conns {
			dropped = append(dropped, c)
			delete(b.conns, c)
		}
	}
	b.mu.Unlock()
	for _, c := range dropped {
		c.shut()
	}
}

func (b *MemoryBroker) Connect(ctx context.Context) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, errBrokerDown
	}
	c := &memoryConn{
		broker: b,
		subs:   make(map[string]struct{}),
		inbox:  make(chan Message, 1024),
		closed: make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

func (b *MemoryBroker) publish(channel string, payload []byte) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return errBrokerDown
	}
	targets := make([]*memoryConn, 0, len(b.conns))
	for c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.deliver(Message{Channel: channel, Payload: payload})
	}
	return nil
}

type memoryConn struct {
	broker *MemoryBroker

	mu     sync.Mutex
	subs   map[string]struct{}
	inbox  chan Message
	closed chan struct{}
	once   sync.Once
}

func (c *memoryConn) Publish(ctx context.Context, channel string, payload []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.broker.publish(channel, payload)
}

func (c *memoryConn) Subscribe(ctx context.Context, channels ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.subs[ch] = struct{}{}
	}
	return nil
}

func (c *memoryConn) Unsubscribe(ctx context.Context, channels ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.subs, ch)
	}
	return nil
}

func (c *memoryConn) deliver(m Message) {
	c.mu.Lock()
	_, ok := c.subs[m.Channel]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case c.inbox <- m:
	case <-c.closed:
	}
}

func (c *memoryConn) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.closed:
		return Message{}, ErrClosed
	case m := <-c.inbox:
		return m, nil
	}
}

func (c *memoryConn) Close() error {
	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()
	c.shut()
	return nil
}

func (c *memoryConn) shut() {
	c.once.Do(func() { close(c.closed) })
}
