package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------
// 🗄️ Storage models
// ---------------------------------------------

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"isGroup"`
	CreatedBy string    `json:"createdBy"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// DeliveryRecord tracks one recipient's progress on one message.
type DeliveryRecord struct {
	MessageID   string     `json:"messageId"`
	RoomID      string     `json:"roomId"`
	RecipientID string     `json:"recipientId"`
	DeliveredAt *time.Time `json:"deliveredAt"`
	ReadAt      *time.Time `json:"readAt"`
}

// Receipt identifies the delivery record a mark applies to.
type Receipt struct {
	RoomID      string
	MessageID   string
	RecipientID string
}

// Identity is what the auth collaborator resolves a credential to.
type Identity struct {
	UserID   string
	Username string
}

// ---------------------------------------------
// 📦 Queue envelopes
// ---------------------------------------------

// MessageEnvelope is what travels on the chat_messages queue. Immutable once
// enqueued; ID is generated by the producer and keys idempotent persistence.
type MessageEnvelope struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"roomId"`
	SenderID    string       `json:"senderId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

func (e MessageEnvelope) Validate() error {
	var missing []string
	if e.ID == "" {
		missing = append(missing, "id")
	}
	if e.RoomID == "" {
		missing = append(missing, "roomId")
	}
	if e.SenderID == "" {
		missing = append(missing, "senderId")
	}
	if strings.TrimSpace(e.Content) == "" && len(e.Attachments) == 0 {
		missing = append(missing, "content or attachments")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, strings.Join(missing, ", "))
	}
	return nil
}

// DecodeMessageEnvelope parses a queue body. Unknown fields are ignored so
// newer producers can add to the record.
func DecodeMessageEnvelope(body []byte) (MessageEnvelope, error) {
	var e MessageEnvelope
	if err := json.Unmarshal(body, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return e, e.Validate()
}

type NotificationKind string

const NotificationMessageDelivered NotificationKind = "message_delivered"

// NotificationEnvelope is derived from a persisted MessageEnvelope and
// travels on the notifications queue.
type NotificationEnvelope struct {
	Kind       NotificationKind `json:"kind"`
	MessageID  string           `json:"messageId"`
	RoomID     string           `json:"roomId"`
	Recipients []string         `json:"recipients"`
	CreatedAt  time.Time        `json:"createdAt"`
}

func (n NotificationEnvelope) Validate() error {
	if n.Kind != NotificationMessageDelivered {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, n.Kind)
	}
	if n.MessageID == "" || n.RoomID == "" {
		return fmt.Errorf("%w: missing messageId or roomId", ErrMalformedEnvelope)
	}
	return nil
}

func DecodeNotificationEnvelope(body []byte) (NotificationEnvelope, error) {
	var n NotificationEnvelope
	if err := json.Unmarshal(body, &n); err != nil {
		return n, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return n, n.Validate()
}

// NotificationID keys a notification on the queue so redelivery of the
// source message does not produce a second distinct item id.
func NotificationID(kind NotificationKind, messageID string) string {
	return string(kind) + ":" + messageID
}
