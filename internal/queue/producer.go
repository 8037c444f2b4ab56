package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"go-chatrelay/internal/logger"
)

// Producer enqueues with a bounded fixed-delay retry so a short broker
// blip does not surface to the client.
type Producer struct {
	transport  Transport
	attempts   int
	retryDelay time.Duration
	log        zerolog.Logger
}

func NewProducer(t Transport, attempts int, retryDelay time.Duration, log zerolog.Logger) *Producer {
	if attempts < 1 {
		attempts = 1
	}
	return &Producer{transport: t, attempts: attempts, retryDelay: retryDelay, log: log}
}

// Enqueue returns an error wrapping ErrEnqueue once every attempt failed.
func (p *Producer) Enqueue(ctx context.Context, queue string, msg Message) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = p.transport.Enqueue(ctx, queue, msg); err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			break
		}
		p.log.Warn().Err(err).
			Str(logger.FieldQueue, queue).
			Str(logger.FieldMessageID, msg.ID).
			Int(logger.FieldAttempt, attempt).
			Msg("enqueue failed, retrying")
		if attempt == p.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrEnqueue, ctx.Err())
		case <-time.After(p.retryDelay):
		}
	}
	return fmt.Errorf("%w: queue %s: %w", ErrEnqueue, queue, err)
}

// Connect declares queues, retrying with a fixed delay until the broker
// answers or ctx ends. The pipeline cannot work without the broker, so
// there is no attempt limit.
func Connect(ctx context.Context, t Transport, delay time.Duration, log zerolog.Logger, queues ...string) error {
	for attempt := 1; ; attempt++ {
		err := t.Declare(ctx, queues...)
		if err == nil {
			log.Info().Strs("queues", queues).Msg("✅ Connected to queue broker")
			return nil
		}
		log.Error().Err(err).Int(logger.FieldAttempt, attempt).Dur("retry_in", delay).
			Msg("queue broker unreachable")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Partition names the queue a room's messages are routed to. With a single
// partition the base name is used unchanged.
func Partition(base, roomID string, partitions int) string {
	if partitions <= 1 {
		return base
	}
	k := xxhash.Sum64String(roomID) % uint64(partitions)
	return base + "." + strconv.FormatUint(k, 10)
}

// Partitions lists every queue name produced by Partition for base.
func Partitions(base string, partitions int) []string {
	if partitions <= 1 {
		return []string{base}
	}
	out := make([]string, partitions)
	for i := range out {
		out[i] = base + "." + strconv.Itoa(i)
	}
	return out
}
