package chat

import (
	"context"
	"time"
)

// RoomDirectory answers the membership questions the Hub asks.
type RoomDirectory interface {
	GetRoomsForUser(ctx context.Context, userID string) ([]string, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

type RoomStore interface {
	RoomDirectory
	// RoomMembers fails with ErrRoomNotFound for an unknown room.
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	CreateRoom(ctx context.Context, name string, participantIDs []string, isGroup bool, creatorID string) (Room, error)
}

// MessageLookup reads a persisted message back. It fails with
// ErrMessageNotFound until the message pipeline has stored it.
type MessageLookup interface {
	LookupMessage(ctx context.Context, messageID string) (MessageEnvelope, error)
}

// MessageStore is what the pipelines write through. Every write is
// idempotent on its natural key so redelivered queue items are harmless.
type MessageStore interface {
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	// UpsertMessage fails with ErrMessageConflict when the id is already
	// stored for a different sender or room.
	UpsertMessage(ctx context.Context, env MessageEnvelope) error
	CreateDeliveryRecords(ctx context.Context, messageID, roomID string, recipientIDs []string) error
	// RecordNotification reports false when the notification was already
	// recorded.
	RecordNotification(ctx context.Context, n NotificationEnvelope) (bool, error)
}

// ReceiptStore sets delivery timestamps. The bool result reports whether
// the call changed anything.
type ReceiptStore interface {
	MessageLookup
	SetDelivered(ctx context.Context, r Receipt, at time.Time) (DeliveryRecord, bool, error)
	// SetRead also backfills delivered-at with at when it is unset.
	SetRead(ctx context.Context, r Receipt, at time.Time) (DeliveryRecord, bool, error)
}

type Store interface {
	RoomStore
	MessageStore
	ReceiptStore
}
