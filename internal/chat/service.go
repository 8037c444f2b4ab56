package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go-chatrelay/internal/logger"
	"go-chatrelay/internal/queue"
)

// Enqueuer puts items on a durable queue. *queue.Producer satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, msg queue.Message) error
}

// EventHandler handles one inbound event type for a session.
type EventHandler func(ctx context.Context, c *Client, data json.RawMessage) error

// ServiceStore is the storage the event handlers read and write.
type ServiceStore interface {
	RoomStore
	MessageLookup
}

type ServiceConfig struct {
	MessagesQueue string
	Partitions    int
}

// Service owns the inbound event table. Every handler error is reported back
// to the originating session as an error event.
type Service struct {
	hub      *Hub
	store    ServiceStore
	producer Enqueuer
	tracker  *Tracker
	cfg      ServiceConfig
	log      zerolog.Logger
	now      func() time.Time

	handlers map[string]EventHandler
}

func NewService(hub *Hub, store ServiceStore, producer Enqueuer, tracker *Tracker, cfg ServiceConfig, log zerolog.Logger) *Service {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	s := &Service{
		hub:      hub,
		store:    store,
		producer: producer,
		tracker:  tracker,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.handlers = map[string]EventHandler{
		EventSendMessage:   s.sendMessage,
		EventTyping:        s.typing,
		EventMarkRead:      s.markRead,
		EventMarkDelivered: s.markDelivered,
		EventCreateChat:    s.createChat,
		EventJoinRoom:      s.joinRoom,
		EventLeaveRoom:     s.leaveRoom,
		EventPing:          s.ping,
	}
	return s
}

// Dispatch decodes one inbound frame and runs its handler.
func (s *Service) Dispatch(ctx context.Context, c *Client, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.fail(ctx, c, "", fmt.Errorf("%w: invalid frame", ErrBadRequest))
		return
	}
	h, ok := s.handlers[frame.Type]
	if !ok {
		s.fail(ctx, c, frame.Type, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type))
		return
	}
	if err := h(ctx, c, frame.Data); err != nil {
		s.fail(ctx, c, frame.Type, err)
	}
}

func (s *Service) fail(ctx context.Context, c *Client, eventType string, err error) {
	ev := toErrorEvent(err)
	l := s.log.With().Str(logger.FieldUserID, c.UserID).Str(logger.FieldEvent, eventType).Logger()
	if ev.Code == CodeInternal || ev.Retryable {
		l.Error().Err(err).Msg("❌ Event failed")
	} else {
		l.Debug().Err(err).Msg("event rejected")
	}
	if emitErr := c.Emit(EventError, ev); emitErr != nil && !errors.Is(emitErr, ErrSessionClosed) {
		l.Warn().Err(emitErr).Msg("⚠️ Could not report error to session")
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrBadRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// sendMessage accepts a message once it is on the durable queue, then shows
// it to the room optimistically and acknowledges the sender.
func (s *Service) sendMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var req SendMessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.RoomID == "" {
		return fmt.Errorf("%w: roomId is required", ErrBadRequest)
	}
	if err := s.hub.JoinRoom(ctx, c, req.RoomID); err != nil {
		return err
	}

	id, err := s.messageID(ctx, c, req)
	if err != nil {
		return err
	}
	env := MessageEnvelope{
		ID:          id,
		RoomID:      req.RoomID,
		SenderID:    c.UserID,
		Content:     req.Content,
		Attachments: req.Attachments,
		CreatedAt:   s.now(),
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	q := queue.Partition(s.cfg.MessagesQueue, env.RoomID, s.cfg.Partitions)
	if err := s.producer.Enqueue(ctx, q, queue.Message{ID: env.ID, Body: body}); err != nil {
		return err
	}

	s.hub.Broadcast(ctx, env.RoomID, Event{
		Type: EventNewMessage,
		Data: NewMessageEvent{
			ID:          env.ID,
			Sender:      env.SenderID,
			Content:     env.Content,
			Attachments: env.Attachments,
			Timestamp:   env.CreatedAt,
			RoomID:      env.RoomID,
		},
	})
	return c.Emit(EventMessageSent, MessageSentEvent{ID: env.ID, RoomID: env.RoomID, Timestamp: env.CreatedAt})
}

// messageID keeps a client-chosen UUID so a retried send stays one message.
// An id already stored for another sender or room is refused.
func (s *Service) messageID(ctx context.Context, c *Client, req SendMessageRequest) (string, error) {
	if _, err := uuid.Parse(req.ID); err != nil {
		return uuid.NewString(), nil
	}
	stored, err := s.store.LookupMessage(ctx, req.ID)
	switch {
	case errors.Is(err, ErrMessageNotFound):
		return req.ID, nil
	case err != nil:
		return "", err
	case stored.SenderID != c.UserID || stored.RoomID != req.RoomID:
		return "", fmt.Errorf("%w: %s", ErrMessageConflict, req.ID)
	}
	return req.ID, nil
}

func roomRequest(data json.RawMessage) (RoomRequest, error) {
	var req RoomRequest
	if err := decode(data, &req); err != nil {
		return req, err
	}
	if req.RoomID == "" {
		return req, fmt.Errorf("%w: roomId is required", ErrBadRequest)
	}
	return req, nil
}

func (s *Service) typing(ctx context.Context, c *Client, data json.RawMessage) error {
	req, err := roomRequest(data)
	if err != nil {
		return err
	}
	if err := s.hub.JoinRoom(ctx, c, req.RoomID); err != nil {
		return err
	}
	return s.hub.Broadcast(ctx, req.RoomID, Event{
		Type:        EventUserTyping,
		Data:        UserTypingEvent{UserID: c.UserID, RoomID: req.RoomID},
		ExcludeUser: c.UserID,
	})
}

func (s *Service) receipt(ctx context.Context, c *Client, data json.RawMessage) (Receipt, error) {
	var req ReceiptRequest
	if err := decode(data, &req); err != nil {
		return Receipt{}, err
	}
	if req.RoomID == "" || req.MessageID == "" {
		return Receipt{}, fmt.Errorf("%w: roomId and messageId are required", ErrBadRequest)
	}
	if err := s.hub.JoinRoom(ctx, c, req.RoomID); err != nil {
		return Receipt{}, err
	}
	return Receipt{RoomID: req.RoomID, MessageID: req.MessageID, RecipientID: c.UserID}, nil
}

func (s *Service) markRead(ctx context.Context, c *Client, data json.RawMessage) error {
	r, err := s.receipt(ctx, c, data)
	if err != nil {
		return err
	}
	_, err = s.tracker.MarkRead(ctx, r)
	return err
}

func (s *Service) markDelivered(ctx context.Context, c *Client, data json.RawMessage) error {
	r, err := s.receipt(ctx, c, data)
	if err != nil {
		return err
	}
	_, err = s.tracker.MarkDelivered(ctx, r)
	return err
}

func (s *Service) createChat(ctx context.Context, c *Client, data json.RawMessage) error {
	var req CreateChatRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := s.CreateChat(ctx, c.UserID, req)
	return err
}

// CreateChat creates a room, joins every member's live sessions to it and
// tells each member about it.
func (s *Service) CreateChat(ctx context.Context, creatorID string, req CreateChatRequest) (Room, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.IsGroup && req.Name == "" {
		return Room{}, fmt.Errorf("%w: group chats need a name", ErrBadRequest)
	}
	if len(uniqueMembers(creatorID, req.ParticipantIDs)) < 2 {
		return Room{}, fmt.Errorf("%w: at least one other participant is required", ErrBadRequest)
	}

	room, err := s.store.CreateRoom(ctx, req.Name, req.ParticipantIDs, req.IsGroup, creatorID)
	if err != nil {
		return Room{}, err
	}
	s.log.Info().
		Str(logger.FieldRoomID, room.ID).
		Str(logger.FieldUserID, creatorID).
		Int("members", len(room.Members)).
		Msg("🏠 Room created")

	for _, member := range room.Members {
		s.hub.AddUserToRoom(ctx, member, room.ID)
		s.hub.SendToUser(ctx, member, Event{Type: EventChatCreated, Data: ChatCreatedEvent{Room: room}})
	}
	return room, nil
}

func (s *Service) joinRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	req, err := roomRequest(data)
	if err != nil {
		return err
	}
	if err := s.hub.JoinRoom(ctx, c, req.RoomID); err != nil {
		return err
	}
	return c.Emit(EventRoomJoined, RoomJoinedEvent{RoomID: req.RoomID})
}

func (s *Service) leaveRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	req, err := roomRequest(data)
	if err != nil {
		return err
	}
	s.hub.LeaveRoom(ctx, c, req.RoomID)
	return nil
}

func (s *Service) ping(ctx context.Context, c *Client, _ json.RawMessage) error {
	return c.Emit(EventPong, nil)
}
