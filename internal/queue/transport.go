// Package queue is the durable, acknowledgment-based work queue used between
// the WebSocket edge and the pipeline workers.
package queue

import (
	"context"
	"errors"
)

var (
	// ErrEnqueue is returned when an item could not be handed to the broker.
	ErrEnqueue = errors.New("enqueue failed")
	// ErrUnavailable marks a broker-level failure that is worth retrying.
	ErrUnavailable = errors.New("queue broker unavailable")
	ErrClosed      = errors.New("queue transport closed")
)

// Message is what producers put on a queue. ID is producer-generated and
// stays the same across redeliveries.
type Message struct {
	ID   string
	Body []byte
}

// Delivery is one delivery attempt of a Message. The handle it carries is
// only meaningful to the transport that produced it and only for the
// duration of the handler call.
type Delivery struct {
	Message
	Queue   string
	Attempt int

	handle string
}

// Outcome is what a Handler decides for a delivery.
type Outcome int

const (
	// Ack removes the item from the queue.
	Ack Outcome = iota
	// Nack asks for redelivery. Once the attempt budget is spent the item is
	// dead-lettered instead.
	Nack
	// DeadLetter moves the item aside for inspection without retrying it.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Handler processes one delivery at a time.
type Handler func(ctx context.Context, d *Delivery) Outcome

// Transport is the broker contract. Queues are durable and items persistent;
// Consume blocks until ctx is cancelled or the transport is closed.
type Transport interface {
	Declare(ctx context.Context, queues ...string) error
	Enqueue(ctx context.Context, queue string, msg Message) error
	Consume(ctx context.Context, queue string, h Handler) error
	DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error)
	Close() error
}

// Options shared by the broker drivers.
type Options struct {
	// Group is the consumer group shared by every worker process.
	Group string
	// Consumer names this process inside the group.
	Consumer string
	// MaxAttempts bounds deliveries of a nacked item before it is dead-lettered.
	MaxAttempts int
}

func (o Options) maxAttempts() int {
	if o.MaxAttempts < 1 {
		return 1
	}
	return o.MaxAttempts
}

// DeadLetterQueue names the holding area for items of queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dead"
}

// resolve applies the attempt budget to a handler outcome.
func resolve(o Outcome, attempt, maxAttempts int) Outcome {
	if o == Nack && attempt >= maxAttempts {
		return DeadLetter
	}
	return o
}
