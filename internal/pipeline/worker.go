package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"go-chatrelay/internal/logger"
	"go-chatrelay/internal/queue"
)

type WorkerConfig struct {
	MessageQueues      []string
	NotificationsQueue string
}

// Worker runs one consumer per message partition plus one for
// notifications. Per-room ordering holds because a room always maps to the
// same partition and each partition has a single consumer.
type Worker struct {
	transport     queue.Transport
	cfg           WorkerConfig
	messages      *MessageProcessor
	notifications *NotificationProcessor
	log           zerolog.Logger
}

func NewWorker(t queue.Transport, cfg WorkerConfig, mp *MessageProcessor, np *NotificationProcessor, log zerolog.Logger) *Worker {
	return &Worker{transport: t, cfg: cfg, messages: mp, notifications: np, log: log}
}

// Queues lists every queue the worker consumes.
func (w *Worker) Queues() []string {
	return append(append([]string(nil), w.cfg.MessageQueues...), w.cfg.NotificationsQueue)
}

// Run blocks until ctx is cancelled or a consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range w.cfg.MessageQueues {
		q := q
		g.Go(func() error { return w.consume(ctx, q, w.messages.Handle) })
	}
	g.Go(func() error { return w.consume(ctx, w.cfg.NotificationsQueue, w.notifications.Handle) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (w *Worker) consume(ctx context.Context, q string, h queue.Handler) error {
	w.log.Info().Str(logger.FieldQueue, q).Msg("👷 Consumer started")
	err := w.transport.Consume(ctx, q, h)
	w.log.Info().Err(err).Str(logger.FieldQueue, q).Msg("consumer stopped")
	return err
}
