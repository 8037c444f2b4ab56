// Package pipeline holds the queue consumers that turn accepted chat
// messages into durable state: persistence, delivery records and
// notifications.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"go-chatrelay/internal/chat"
	"go-chatrelay/internal/logger"
	"go-chatrelay/internal/queue"
)

// MessageProcessor consumes the chat_messages queue.
type MessageProcessor struct {
	store              chat.MessageStore
	producer           chat.Enqueuer
	notificationsQueue string
	log                zerolog.Logger
}

func NewMessageProcessor(store chat.MessageStore, producer chat.Enqueuer, notificationsQueue string, log zerolog.Logger) *MessageProcessor {
	return &MessageProcessor{
		store:              store,
		producer:           producer,
		notificationsQueue: notificationsQueue,
		log:                log,
	}
}

// Handle persists one message and hands it to the notifications queue.
// Every step is idempotent, so a redelivery after a partial run finishes the
// job without duplicating anything.
func (p *MessageProcessor) Handle(ctx context.Context, d *queue.Delivery) queue.Outcome {
	log := p.log.With().
		Str(logger.FieldQueue, d.Queue).
		Str(logger.FieldMessageID, d.ID).
		Int(logger.FieldAttempt, d.Attempt).
		Logger()

	env, err := chat.DecodeMessageEnvelope(d.Body)
	if err != nil {
		log.Error().Err(err).Msg("❌ Malformed message envelope")
		return queue.DeadLetter
	}
	log = log.With().Str(logger.FieldRoomID, env.RoomID).Logger()

	members, err := p.store.RoomMembers(ctx, env.RoomID)
	if errors.Is(err, chat.ErrRoomNotFound) {
		log.Error().Err(err).Msg("❌ Message for unknown room")
		return queue.DeadLetter
	}
	if err != nil {
		return p.retry(log, err, "load members")
	}

	if !isMember(members, env.SenderID) {
		log.Error().Str(logger.FieldUserID, env.SenderID).Msg("❌ Sender is not a room member")
		return queue.DeadLetter
	}

	if err := p.store.UpsertMessage(ctx, env); err != nil {
		if errors.Is(err, chat.ErrMalformedEnvelope) || errors.Is(err, chat.ErrMessageConflict) {
			log.Error().Err(err).Str(logger.FieldUserID, env.SenderID).Msg("❌ Message rejected by storage")
			return queue.DeadLetter
		}
		return p.retry(log, err, "persist message")
	}

	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m != env.SenderID {
			recipients = append(recipients, m)
		}
	}
	if err := p.store.CreateDeliveryRecords(ctx, env.ID, env.RoomID, recipients); err != nil {
		return p.retry(log, err, "create delivery records")
	}

	n := chat.NotificationEnvelope{
		Kind:       chat.NotificationMessageDelivered,
		MessageID:  env.ID,
		RoomID:     env.RoomID,
		Recipients: recipients,
		CreatedAt:  time.Now().UTC(),
	}
	body, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Msg("❌ Encode notification")
		return queue.DeadLetter
	}
	msg := queue.Message{ID: chat.NotificationID(n.Kind, n.MessageID), Body: body}
	if err := p.producer.Enqueue(ctx, p.notificationsQueue, msg); err != nil {
		return p.retry(log, err, "enqueue notification")
	}

	log.Debug().Int("recipients", len(recipients)).Msg("message persisted")
	return queue.Ack
}

func (p *MessageProcessor) retry(log zerolog.Logger, err error, step string) queue.Outcome {
	log.Warn().Err(err).Str("step", step).Msg("⚠️ Message processing failed, will retry")
	return queue.Nack
}

func isMember(members []string, userID string) bool {
	for _, m := range members {
		if m == userID {
			return true
		}
	}
	return false
}
