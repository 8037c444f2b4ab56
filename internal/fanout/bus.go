// Package fanout carries broadcasts between server instances over a
// publish/subscribe broker.
//
// While the broker is unreachable, Publish buffers payloads locally (up to
// a bound) and returns nil. After reconnecting, the Bus re-subscribes every
// channel, flushes the buffer in publish order and only then reports ready.
// When the buffer is full Publish fails fast with ErrAdapterUnavailable.
package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go-chatrelay/internal/logger"
)

var (
	ErrAdapterUnavailable = errors.New("fan-out adapter unavailable")
	ErrClosed             = errors.New("fan-out bus closed")
)

// Message is a payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Handler receives payloads for one channel. It runs on the receive loop and
// must not block.
type Handler func(payload []byte)

// Driver opens connections to the underlying broker.
type Driver interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one broker connection. Receive returns an error once the
// connection is unusable.
type Conn interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

type pendingPublish struct {
	channel string
	payload []byte
}

// Bus is the Fan-out Adapter.
type Bus struct {
	driver     Driver
	bufferSize int
	retryDelay time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	conn     Conn
	ready    bool
	closed   bool
	handlers map[string]Handler
	pending  []pendingPublish
	readyCh  chan struct{}
}

func NewBus(d Driver, bufferSize int, retryDelay time.Duration, log zerolog.Logger) *Bus {
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &Bus{
		driver:     d,
		bufferSize: bufferSize,
		retryDelay: retryDelay,
		log:        log,
		handlers:   make(map[string]Handler),
		readyCh:    make(chan struct{}),
	}
}

// Run keeps a connection alive until ctx ends.
func (b *Bus) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil || b.isClosed() {
			return
		}
		conn, err := b.driver.Connect(ctx)
		if err != nil {
			b.log.Warn().Err(err).Dur("retry_in", b.retryDelay).Msg("fan-out broker unreachable")
			if !sleep(ctx, b.retryDelay) {
				return
			}
			continue
		}

		if err := b.activate(ctx, conn); err != nil {
			b.log.Warn().Err(err).Msg("fan-out resubscribe failed")
			b.deactivate(conn)
			if !sleep(ctx, b.retryDelay) {
				return
			}
			continue
		}

		b.receive(ctx, conn)
		b.deactivate(conn)
		if !sleep(ctx, b.retryDelay) {
			return
		}
	}
}

// activate re-subscribes all known channels, drains the buffer and marks the
// bus ready. Publishes racing with the flush keep queueing behind it so
// per-channel order is kept.
func (b *Bus) activate(ctx context.Context, conn Conn) error {
	b.mu.Lock()
	b.conn = conn
	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	if len(channels) > 0 {
		if err := conn.Subscribe(ctx, channels...); err != nil {
			return err
		}
	}

	for {
		b.mu.Lock()
		batch := b.pending
		b.pending = nil
		if len(batch) == 0 {
			b.ready = true
			close(b.readyCh)
			b.mu.Unlock()
			b.log.Info().Int("channels", len(channels)).Msg("fan-out bus ready")
			return nil
		}
		b.mu.Unlock()

		for i, p := range batch {
			if err := conn.Publish(ctx, p.channel, p.payload); err != nil {
				b.mu.Lock()
				b.pending = append(append([]pendingPublish(nil), batch[i:]...), b.pending...)
				b.mu.Unlock()
				return err
			}
		}
	}
}

func (b *Bus) deactivate(conn Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	if b.ready {
		b.ready = false
		b.readyCh = make(chan struct{})
	}
	b.mu.Unlock()
	_ = conn.Close()
}

func (b *Bus) receive(ctx context.Context, conn Conn) {
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.log.Warn().Err(err).Msg("fan-out connection lost")
			}
			return
		}
		b.mu.Lock()
		h := b.handlers[msg.Channel]
		b.mu.Unlock()
		if h != nil {
			h(msg.Payload)
		}
	}
}

// Publish sends payload to every subscriber of channel on any instance.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.ready {
		err := b.bufferLocked(channel, payload)
		b.mu.Unlock()
		return err
	}
	conn := b.conn
	b.mu.Unlock()

	if err := conn.Publish(ctx, channel, payload); err != nil {
		b.log.Warn().Err(err).Str(logger.FieldChannel, channel).Msg("fan-out publish failed, buffering")
		b.mu.Lock()
		err := b.bufferLocked(channel, payload)
		if b.ready && b.conn == conn {
			// Later publishes queue behind this one until Run reconnects.
			b.ready = false
			b.readyCh = make(chan struct{})
		}
		b.mu.Unlock()
		_ = conn.Close()
		return err
	}
	return nil
}

func (b *Bus) bufferLocked(channel string, payload []byte) error {
	if len(b.pending) >= b.bufferSize {
		return ErrAdapterUnavailable
	}
	b.pending = append(b.pending, pendingPublish{channel: channel, payload: payload})
	return nil
}

// Subscribe registers h for channel, replacing any previous handler. The
// subscription survives reconnects.
func (b *Bus) Subscribe(ctx context.Context, channel string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	_, existed := b.handlers[channel]
	b.handlers[channel] = h
	conn := b.conn
	b.mu.Unlock()

	if existed || conn == nil {
		return nil
	}
	if err := conn.Subscribe(ctx, channel); err != nil {
		// Run will resubscribe on the next connection.
		b.log.Warn().Err(err).Str(logger.FieldChannel, channel).Msg("fan-out subscribe failed")
	}
	return nil
}

func (b *Bus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	_, existed := b.handlers[channel]
	delete(b.handlers, channel)
	conn := b.conn
	b.mu.Unlock()

	if !existed || conn == nil {
		return nil
	}
	return conn.Unsubscribe(ctx, channel)
}

// Ready returns a channel closed once the bus is connected and flushed.
func (b *Bus) Ready() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readyCh
}

// Buffered reports how many publishes wait for a connection.
func (b *Bus) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
