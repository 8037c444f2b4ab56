package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-chatrelay/internal/logger"
)

type ClientConfig struct {
	// Time allowed to write a message to the peer.
	WriteWait time.Duration
	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration
	// Send pings to peer with this period. Must be less than PongWait.
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     256,
	}
}

// Client is one authenticated session: the middleman between the websocket
// connection and the hub.
type Client struct {
	ID       string
	UserID   string
	Username string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	cfg  ClientConfig

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool

	closeOnce sync.Once
}

// NewClient builds a session. conn may be nil for sessions that are never
// pumped.
func NewClient(hub *Hub, conn *websocket.Conn, id Identity, cfg ClientConfig) *Client {
	defaults := DefaultClientConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	return &Client{
		ID:       uuid.NewString(),
		UserID:   id.UserID,
		Username: id.Username,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, cfg.SendBuffer),
		cfg:      cfg,
		rooms:    make(map[string]struct{}),
	}
}

func (c *Client) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// Outbound exposes the frames queued for this session. It is closed when the
// session is disconnected.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Emit sends an event to this session only.
func (c *Client) Emit(eventType string, data interface{}) error {
	return c.hub.emit(c, Event{Type: eventType, Data: data})
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// ReadPump pumps frames from the websocket connection to dispatch. It
// returns when the connection fails or ctx is done, and disconnects the
// session on the way out.
func (c *Client) ReadPump(ctx context.Context, dispatch func(ctx context.Context, c *Client, raw []byte)) {
	log := logger.Ctx(ctx)
	defer func() {
		c.hub.Disconnect(context.WithoutCancel(ctx), c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str(logger.FieldUserID, c.UserID).Msg("websocket read failed")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		dispatch(ctx, c, message)
	}
}

// WritePump pumps frames from the hub to the websocket connection, one event
// per text frame, and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
