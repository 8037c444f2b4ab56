package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"go-chatrelay/internal/logger"
)

const (
	fieldID      = "id"
	fieldBody    = "body"
	fieldAttempt = "attempt"
	fieldReason  = "reason"
)

// RedisStreamOptions configures the Redis Streams transport.
type RedisStreamOptions struct {
	Options
	// ClaimIdle is how long an item may stay unacknowledged before another
	// consumer takes it over. It must exceed the slowest handler run, or a
	// live consumer's item is delivered twice.
	ClaimIdle time.Duration
	// Block bounds a single XREADGROUP wait.
	Block time.Duration
	// RetryDelay is the pause after a broker error before reading again.
	RetryDelay time.Duration
}

// RedisStreamTransport keeps each queue in a stream read through a consumer
// group. An item stays in the pending list until acknowledged, which covers
// consumers that die mid-processing. Settled entries are deleted, so the
// stream only holds unfinished work. A nack re-appends the item with its
// attempt count bumped in the same transaction.
type RedisStreamTransport struct {
	client *redis.Client
	opts   RedisStreamOptions
	log    zerolog.Logger
}

func NewRedisStreamTransport(client *redis.Client, opts RedisStreamOptions, log zerolog.Logger) *RedisStreamTransport {
	if opts.Group == "" {
		opts.Group = "chat-pipeline"
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &RedisStreamTransport{client: client, opts: opts, log: log}
}

func (r *RedisStreamTransport) Declare(ctx context.Context, queues ...string) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	for _, q := range queues {
		err := r.client.XGroupCreateMkStream(ctx, q, r.opts.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("%w: create group on %s: %w", ErrUnavailable, q, err)
		}
	}
	return nil
}

func (r *RedisStreamTransport) Enqueue(ctx context.Context, queue string, msg Message) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{
			fieldID:      msg.ID,
			fieldBody:    msg.Body,
			fieldAttempt: 1,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisStreamTransport) Consume(ctx context.Context, queue string, h Handler) error {
	log := r.log.With().Str(logger.FieldQueue, queue).Str("consumer", r.opts.Consumer).Logger()
	log.Info().Msg("consumer started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := r.next(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Dur("retry_in", r.opts.RetryDelay).Msg("queue read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.RetryDelay):
			}
			continue
		}

		for _, e := range entries {
			d := decodeEntry(queue, e)
			outcome := resolve(h(ctx, d), d.Attempt, r.opts.maxAttempts())
			if err := r.settle(ctx, d, outcome); err != nil {
				// The entry stays pending and is reclaimed after ClaimIdle.
				log.Error().Err(err).Str(logger.FieldMessageID, d.ID).Msg("settle failed")
			}
		}
	}
}

// next returns entries abandoned by other consumers first, then new ones.
func (r *RedisStreamTransport) next(ctx context.Context, queue string) ([]redis.XMessage, error) {
	if r.opts.ClaimIdle > 0 {
		claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   queue,
			Group:    r.opts.Group,
			Consumer: r.opts.Consumer,
			MinIdle:  r.opts.ClaimIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(claimed) > 0 {
			return claimed, nil
		}
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.opts.Group,
		Consumer: r.opts.Consumer,
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    r.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// settle acknowledges and deletes the delivered entry in one transaction,
// re-appending it first for a nack or copying it to the dead stream.
func (r *RedisStreamTransport) settle(ctx context.Context, d *Delivery, outcome Outcome) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		switch outcome {
		case Ack:
		case Nack:
			p.XAdd(ctx, &redis.XAddArgs{
				Stream: d.Queue,
				Values: map[string]interface{}{
					fieldID:      d.ID,
					fieldBody:    d.Body,
					fieldAttempt: d.Attempt + 1,
				},
			})
		default:
			p.XAdd(ctx, &redis.XAddArgs{
				Stream: DeadLetterQueue(d.Queue),
				Values: map[string]interface{}{
					fieldID:      d.ID,
					fieldBody:    d.Body,
					fieldAttempt: d.Attempt,
					fieldReason:  outcome.String(),
				},
			})
		}
		p.XAck(ctx, d.Queue, r.opts.Group, d.handle)
		p.XDel(ctx, d.Queue, d.handle)
		return nil
	})
	return err
}

func (r *RedisStreamTransport) DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := r.client.XRangeN(ctx, DeadLetterQueue(queue), "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		d := decodeEntry(queue, e)
		out = append(out, d.Message)
	}
	return out, nil
}

// Close does nothing; the caller owns the client.
func (r *RedisStreamTransport) Close() error {
	return nil
}

func decodeEntry(queue string, e redis.XMessage) *Delivery {
	d := &Delivery{Queue: queue, Attempt: 1, handle: e.ID}
	if v, ok := e.Values[fieldID].(string); ok {
		d.ID = v
	}
	if v, ok := e.Values[fieldBody].(string); ok {
		d.Body = []byte(v)
	}
	if v, ok := e.Values[fieldAttempt].(string); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.Attempt = n
		}
	}
	return d
}
