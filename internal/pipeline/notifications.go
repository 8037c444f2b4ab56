package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"go-chatrelay/internal/chat"
	"go-chatrelay/internal/logger"
	"go-chatrelay/internal/queue"
)

// DeliveryMarker records that a recipient has been handed a message.
// *chat.Tracker satisfies it.
type DeliveryMarker interface {
	MarkDelivered(ctx context.Context, r chat.Receipt) (chat.DeliveryRecord, error)
}

// NotificationProcessor consumes the notifications queue.
type NotificationProcessor struct {
	store   chat.MessageStore
	tracker DeliveryMarker
	log     zerolog.Logger
}

func NewNotificationProcessor(store chat.MessageStore, tracker DeliveryMarker, log zerolog.Logger) *NotificationProcessor {
	return &NotificationProcessor{store: store, tracker: tracker, log: log}
}

// Handle records the notification and marks the message delivered for each
// recipient. Recording is skipped on redelivery but the marks are retried,
// since they are idempotent and may not have all landed the first time.
func (p *NotificationProcessor) Handle(ctx context.Context, d *queue.Delivery) queue.Outcome {
	log := p.log.With().
		Str(logger.FieldQueue, d.Queue).
		Str(logger.FieldMessageID, d.ID).
		Int(logger.FieldAttempt, d.Attempt).
		Logger()

	n, err := chat.DecodeNotificationEnvelope(d.Body)
	if err != nil {
		log.Error().Err(err).Msg("❌ Malformed notification envelope")
		return queue.DeadLetter
	}

	if _, err := p.store.RecordNotification(ctx, n); err != nil {
		log.Warn().Err(err).Msg("⚠️ Recording notification failed, will retry")
		return queue.Nack
	}

	for _, recipient := range n.Recipients {
		r := chat.Receipt{RoomID: n.RoomID, MessageID: n.MessageID, RecipientID: recipient}
		_, err := p.tracker.MarkDelivered(ctx, r)
		if errors.Is(err, chat.ErrBadRequest) {
			log.Error().Err(err).Str(logger.FieldUserID, recipient).Msg("❌ Notification does not match stored message")
			return queue.DeadLetter
		}
		if err != nil {
			log.Warn().Err(err).Str(logger.FieldUserID, recipient).Msg("⚠️ Mark delivered failed, will retry")
			return queue.Nack
		}
	}
	return queue.Ack
}
