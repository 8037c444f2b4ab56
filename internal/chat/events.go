package chat

import (
	"encoding/json"
	"time"
)

// Client -> server events.
const (
	EventSendMessage   = "send_message"
	EventTyping        = "typing"
	EventMarkRead      = "mark_read"
	EventMarkDelivered = "mark_delivered"
	EventCreateChat    = "create_chat"
	EventJoinRoom      = "join_room"
	EventLeaveRoom     = "leave_room"
	EventPing          = "ping"
)

// Server -> client events.
const (
	EventNewMessage       = "new_message"
	EventMessageSent      = "message_sent"
	EventUserTyping       = "user_typing"
	EventMessageRead      = "message_read"
	EventMessageDelivered = "message_delivered"
	EventChatCreated      = "chat_created"
	EventRoomJoined       = "room_joined"
	EventUserStatusChange = "user_status_change"
	EventPong             = "pong"
	EventError            = "error"
)

const StatusOffline = "offline"

// Frame is the JSON object exchanged over the socket in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound event before encoding.
type Event struct {
	Type string
	Data interface{}
	// ExcludeUser skips every session of this user.
	ExcludeUser string
}

func (e Event) encode() ([]byte, error) {
	var data json.RawMessage
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Frame{Type: e.Type, Data: data})
}

// Inbound payloads

type SendMessageRequest struct {
	// ID lets a client retry a send without creating a second message.
	ID          string       `json:"id,omitempty"`
	RoomID      string       `json:"roomId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type ReceiptRequest struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type CreateChatRequest struct {
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participantIds"`
	IsGroup        bool     `json:"isGroup"`
}

// Outbound payloads

type NewMessageEvent struct {
	ID          string       `json:"id"`
	Sender      string       `json:"sender"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	Timestamp   time.Time    `json:"timestamp"`
	RoomID      string       `json:"roomId"`
}

type MessageSentEvent struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
}

type UserTypingEvent struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

type ReceiptEvent struct {
	UserID    string    `json:"userId"`
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	At        time.Time `json:"at"`
}

type ChatCreatedEvent struct {
	Room Room `json:"room"`
}

type RoomJoinedEvent struct {
	RoomID string `json:"roomId"`
}

type StatusChangeEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type ErrorEvent struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
