package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"go-chatrelay/internal/logger"
)

// Tracker records delivery and read receipts and tells the room when one
// changes. Marks are idempotent: a repeat changes nothing and emits nothing.
type Tracker struct {
	store ReceiptStore
	hub   Broadcaster
	log   zerolog.Logger
	now   func() time.Time
}

func NewTracker(store ReceiptStore, hub Broadcaster, log zerolog.Logger) *Tracker {
	return &Tracker{store: store, hub: hub, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// MarkDelivered fails with ErrMessageNotFound while the message is not yet
// stored, and with ErrBadRequest when r names the wrong room or the sender.
func (t *Tracker) MarkDelivered(ctx context.Context, r Receipt) (DeliveryRecord, error) {
	if err := t.check(ctx, r); err != nil {
		return DeliveryRecord{}, err
	}
	rec, changed, err := t.store.SetDelivered(ctx, r, t.now())
	if err != nil {
		return rec, err
	}
	if changed {
		t.announce(ctx, EventMessageDelivered, r, *rec.DeliveredAt)
	}
	return rec, nil
}

// MarkRead sets read-at, backfilling delivered-at when the recipient read
// the message before it was marked delivered.
func (t *Tracker) MarkRead(ctx context.Context, r Receipt) (DeliveryRecord, error) {
	if err := t.check(ctx, r); err != nil {
		return DeliveryRecord{}, err
	}
	rec, changed, err := t.store.SetRead(ctx, r, t.now())
	if err != nil {
		return rec, err
	}
	if changed {
		t.announce(ctx, EventMessageRead, r, *rec.ReadAt)
	}
	return rec, nil
}

// check ties a receipt to the stored message: same room, and only
// recipients other than the sender hold a delivery record.
func (t *Tracker) check(ctx context.Context, r Receipt) error {
	env, err := t.store.LookupMessage(ctx, r.MessageID)
	if err != nil {
		return err
	}
	if env.RoomID != r.RoomID {
		return fmt.Errorf("%w: message %s is not in room %s", ErrBadRequest, r.MessageID, r.RoomID)
	}
	if env.SenderID == r.RecipientID {
		return fmt.Errorf("%w: senders do not mark their own messages", ErrBadRequest)
	}
	return nil
}

func (t *Tracker) announce(ctx context.Context, eventType string, r Receipt, at time.Time) {
	err := t.hub.Broadcast(ctx, r.RoomID, Event{
		Type: eventType,
		Data: ReceiptEvent{UserID: r.RecipientID, MessageID: r.MessageID, RoomID: r.RoomID, At: at},
	})
	if err != nil {
		t.log.Warn().Err(err).
			Str(logger.FieldMessageID, r.MessageID).
			Str(logger.FieldEvent, eventType).
			Msg("⚠️ Receipt broadcast failed")
	}
}
