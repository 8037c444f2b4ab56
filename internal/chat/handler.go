package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"go-chatrelay/internal/logger"
	myMiddleware "go-chatrelay/internal/middleware"
	"go-chatrelay/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// DeadLetterReader lists items parked after exhausting redelivery.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, queue string, limit int) ([]queue.Message, error)
}

type Handler struct {
	hub     *Hub
	service *Service
	dead    DeadLetterReader
	cfg     ClientConfig
	// baseCtx outlives requests; session pumps stop when it is cancelled.
	baseCtx context.Context
}

func NewHandler(ctx context.Context, hub *Hub, service *Service, dead DeadLetterReader, cfg ClientConfig) *Handler {
	return &Handler{
		hub:     hub,
		service: service,
		dead:    dead,
		cfg:     cfg,
		baseCtx: ctx,
	}
}

// ServeWs authenticates, upgrades and registers a session. Rejected
// credentials never reach the hub.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	log := logger.Ctx(r.Context())

	id, err := h.hub.Authenticate(r.Context(), myMiddleware.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, id, h.cfg)
	sessionLog := log.With().Str(logger.FieldUserID, id.UserID).Str("session", client.ID).Logger()
	ctx := logger.WithLogger(h.baseCtx, sessionLog)

	go client.WritePump()
	if err := h.hub.Register(ctx, client); err != nil {
		sessionLog.Warn().Err(err).Msg("⚠️ Session registered without room memberships")
	}
	go client.ReadPump(ctx, h.service.Dispatch)
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	room, err := h.service.CreateChat(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(room)
}

type deadLetterView struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

// DeadLetters lists parked items for one queue: GET /admin/dead-letters?queue=&limit=
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("queue")
	if q == "" {
		http.Error(w, "missing queue", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := h.dead.DeadLetters(r.Context(), q, limit)
	if err != nil {
		log := logger.Ctx(r.Context())
		log.Error().Err(err).Str(logger.FieldQueue, q).Msg("❌ Listing dead letters failed")
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	out := make([]deadLetterView, 0, len(msgs))
	for _, m := range msgs {
		body := json.RawMessage(m.Body)
		if !json.Valid(body) {
			body, _ = json.Marshal(string(m.Body))
		}
		out = append(out, deadLetterView{ID: m.ID, Body: body})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func writeError(w http.ResponseWriter, err error) {
	ev := toErrorEvent(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotAMember):
		status = http.StatusForbidden
	case ev.Retryable:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ev)
}
