package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"go-chatrelay/internal/logger"
)

var errNacked = errors.New("nacked by handler")

// AsynqOptions configures the asynq transport.
type AsynqOptions struct {
	Options
	// RetryDelay is the fixed pause before a nacked task is redelivered.
	RetryDelay time.Duration
}

// AsynqTransport maps the queue contract onto asynq: the task type and the
// asynq queue are both the queue name, a nack is a handler error, and
// dead-lettering is asynq's archive.
type AsynqTransport struct {
	redis     asynq.RedisConnOpt
	client    *asynq.Client
	inspector *asynq.Inspector
	opts      AsynqOptions
	log       zerolog.Logger
}

func NewAsynqTransport(opt asynq.RedisConnOpt, opts AsynqOptions, log zerolog.Logger) *AsynqTransport {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &AsynqTransport{
		redis:     opt,
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		opts:      opts,
		log:       log,
	}
}

// Declare only checks the broker is reachable; asynq creates queues on
// first use.
func (a *AsynqTransport) Declare(ctx context.Context, queues ...string) error {
	if _, err := a.inspector.Queues(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (a *AsynqTransport) Enqueue(ctx context.Context, queue string, msg Message) error {
	task := asynq.NewTask(queue, msg.Body)
	_, err := a.client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.TaskID(msg.ID),
		asynq.MaxRetry(a.opts.maxAttempts()-1),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// Already queued under the same id.
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (a *AsynqTransport) Consume(ctx context.Context, queue string, h Handler) error {
	log := a.log.With().Str(logger.FieldQueue, queue).Logger()
	srv := asynq.NewServer(a.redis, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{queue: 1},
		RetryDelayFunc: func(int, error, *asynq.Task) time.Duration {
			return a.opts.RetryDelay
		},
		Logger:   asynqLogger{log: log},
		LogLevel: asynq.WarnLevel,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue, func(ctx context.Context, t *asynq.Task) error {
		retried, _ := asynq.GetRetryCount(ctx)
		id, _ := asynq.GetTaskID(ctx)
		d := &Delivery{
			Message: Message{ID: id, Body: t.Payload()},
			Queue:   queue,
			Attempt: retried + 1,
			handle:  id,
		}
		switch resolve(h(ctx, d), d.Attempt, a.opts.maxAttempts()) {
		case Ack:
			return nil
		case Nack:
			return errNacked
		default:
			return fmt.Errorf("dead-lettered: %w", asynq.SkipRetry)
		}
	})

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("%w: start consumer: %w", ErrUnavailable, err)
	}
	log.Info().Msg("consumer started")
	<-ctx.Done()
	srv.Shutdown()
	return ctx.Err()
}

func (a *AsynqTransport) DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	tasks, err := a.inspector.ListArchivedTasks(queue, asynq.PageSize(limit))
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Message, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, Message{ID: t.ID, Body: t.Payload})
	}
	return out, nil
}

func (a *AsynqTransport) Close() error {
	return errors.Join(a.client.Close(), a.inspector.Close())
}

// asynqLogger routes asynq's own logging into zerolog.
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
