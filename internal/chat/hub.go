package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"go-chatrelay/internal/fanout"
	"go-chatrelay/internal/logger"
)

// Fan-out channel names shared by every instance.
const PresenceChannel = "chat:presence"

func RoomChannel(roomID string) string { return "chat:room:" + roomID }
func UserChannel(userID string) string { return "chat:user:" + userID }

// Authenticator resolves a connection credential to an identity.
type Authenticator interface {
	VerifyCredential(ctx context.Context, token string) (Identity, error)
}

// FanoutBus is the cross-instance channel layer. *fanout.Bus satisfies it.
type FanoutBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, h fanout.Handler) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Broadcaster is the part of the Hub the tracker needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, ev Event) error
}

type envelopeKind string

const (
	kindRoom envelopeKind = "room"
	kindUser envelopeKind = "user"
	kindAll  envelopeKind = "all"
	kindJoin envelopeKind = "join"
)

// clusterEnvelope wraps every fan-out publication. Node lets an instance
// skip its own publications, which it has already delivered locally.
type clusterEnvelope struct {
	Node    string          `json:"node"`
	Kind    envelopeKind    `json:"kind"`
	Target  string          `json:"target"`
	User    string          `json:"user,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame,omitempty"`
}

// Hub is the per-instance registry of live sessions. Lock order is
// Client.mu before Hub.mu; neither is held across fan-out or storage calls.
type Hub struct {
	nodeID string
	auth   Authenticator
	rooms  RoomDirectory
	bus    FanoutBus
	log    zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	users   map[string]map[*Client]struct{}
	roomIdx map[string]map[*Client]struct{}

	// subMu serializes channel subscription changes so the bus ends up
	// matching the index after concurrent joins and leaves.
	subMu sync.Mutex
}

func NewHub(nodeID string, auth Authenticator, rooms RoomDirectory, bus FanoutBus, log zerolog.Logger) *Hub {
	return &Hub{
		nodeID:  nodeID,
		auth:    auth,
		rooms:   rooms,
		bus:     bus,
		log:     log.With().Str(logger.FieldNodeID, nodeID).Logger(),
		clients: make(map[*Client]struct{}),
		users:   make(map[string]map[*Client]struct{}),
		roomIdx: make(map[string]map[*Client]struct{}),
	}
}

// Start subscribes the channels every instance listens on.
func (h *Hub) Start(ctx context.Context) error {
	return h.bus.Subscribe(ctx, PresenceChannel, h.onRemote)
}

func (h *Hub) NodeID() string { return h.nodeID }

// Authenticate verifies a credential before a session is admitted.
func (h *Hub) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" || h.auth == nil {
		return Identity{}, ErrAuth
	}
	id, err := h.auth.VerifyCredential(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return id, nil
}

// Register admits a session and joins it to every room the user belongs to.
// A storage failure leaves the session registered with no rooms.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	set := h.users[c.UserID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.users[c.UserID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.syncUser(ctx, c.UserID)

	h.log.Info().
		Str(logger.FieldUserID, c.UserID).
		Str("session", c.ID).
		Msg("✅ Session registered")

	rooms, err := h.rooms.GetRoomsForUser(ctx, c.UserID)
	if err != nil {
		return err
	}
	for _, roomID := range rooms {
		if err := h.index(ctx, c, roomID); err != nil {
			return err
		}
	}
	return nil
}

// JoinRoom adds a session to a room after checking membership. Joining a
// room the session is already in is a no-op.
func (h *Hub) JoinRoom(ctx context.Context, c *Client, roomID string) error {
	if c.InRoom(roomID) {
		return nil
	}
	ok, err := h.rooms.IsMember(ctx, roomID, c.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAMember
	}
	return h.index(ctx, c, roomID)
}

// LeaveRoom removes a session from one room's index.
func (h *Hub) LeaveRoom(ctx context.Context, c *Client, roomID string) {
	c.mu.Lock()
	if _, ok := c.rooms[roomID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.rooms, roomID)
	h.mu.Lock()
	h.removeFromRoomLocked(c, roomID)
	h.mu.Unlock()
	c.mu.Unlock()

	h.syncRoom(ctx, roomID)
}

func (h *Hub) index(ctx context.Context, c *Client, roomID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.rooms[roomID] = struct{}{}
	h.mu.Lock()
	set := h.roomIdx[roomID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.roomIdx[roomID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	c.mu.Unlock()

	h.syncRoom(ctx, roomID)
	return nil
}

func (h *Hub) removeFromRoomLocked(c *Client, roomID string) {
	set := h.roomIdx[roomID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.roomIdx, roomID)
	}
}

// Disconnect removes a session from every index. Safe to call more than once.
// When the user's last local session goes, presence observers are told.
func (h *Hub) Disconnect(ctx context.Context, c *Client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	c.rooms = make(map[string]struct{})

	h.mu.Lock()
	delete(h.clients, c)
	lastSession := false
	if set, ok := h.users[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.UserID)
			lastSession = true
		}
	}
	for _, roomID := range rooms {
		h.removeFromRoomLocked(c, roomID)
	}
	close(c.send)
	h.mu.Unlock()
	c.mu.Unlock()

	for _, roomID := range rooms {
		h.syncRoom(ctx, roomID)
	}
	h.syncUser(ctx, c.UserID)

	h.log.Info().
		Str(logger.FieldUserID, c.UserID).
		Str("session", c.ID).
		Msg("👋 Session disconnected")

	if lastSession {
		h.BroadcastAll(ctx, Event{
			Type: EventUserStatusChange,
			Data: StatusChangeEvent{UserID: c.UserID, Status: StatusOffline},
		})
	}
}

func (h *Hub) syncRoom(ctx context.Context, roomID string) {
	h.syncSubscription(ctx, RoomChannel(roomID), func() bool { return len(h.roomIdx[roomID]) > 0 })
}

func (h *Hub) syncUser(ctx context.Context, userID string) {
	h.syncSubscription(ctx, UserChannel(userID), func() bool { return len(h.users[userID]) > 0 })
}

// syncSubscription makes the bus subscription for channel match whether
// any local session still needs it. wanted runs under h.mu.
func (h *Hub) syncSubscription(ctx context.Context, channel string, wanted func() bool) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	h.mu.RLock()
	want := wanted()
	h.mu.RUnlock()

	var err error
	if want {
		err = h.bus.Subscribe(ctx, channel, h.onRemote)
	} else {
		err = h.bus.Unsubscribe(ctx, channel)
	}
	if err != nil && !errors.Is(err, fanout.ErrClosed) {
		h.log.Warn().Err(err).Str(logger.FieldChannel, channel).Msg("⚠️ Subscription change failed")
	}
}

// Broadcast delivers ev to every local session in the room, then publishes
// it for other instances. A fan-out failure is logged and local delivery
// still stands.
func (h *Hub) Broadcast(ctx context.Context, roomID string, ev Event) error {
	frame, err := ev.encode()
	if err != nil {
		return err
	}
	h.mu.RLock()
	slow := h.deliverLocked(h.roomIdx[roomID], frame, ev.ExcludeUser)
	h.mu.RUnlock()
	h.dropSlow(ctx, slow)

	h.publish(ctx, RoomChannel(roomID), clusterEnvelope{Kind: kindRoom, Target: roomID, Exclude: ev.ExcludeUser, Frame: frame})
	return nil
}

// SendToUser delivers ev to every session of one user on every instance.
func (h *Hub) SendToUser(ctx context.Context, userID string, ev Event) error {
	frame, err := ev.encode()
	if err != nil {
		return err
	}
	h.mu.RLock()
	slow := h.deliverLocked(h.users[userID], frame, "")
	h.mu.RUnlock()
	h.dropSlow(ctx, slow)

	h.publish(ctx, UserChannel(userID), clusterEnvelope{Kind: kindUser, Target: userID, Frame: frame})
	return nil
}

// BroadcastAll delivers ev to every session on every instance.
func (h *Hub) BroadcastAll(ctx context.Context, ev Event) error {
	frame, err := ev.encode()
	if err != nil {
		return err
	}
	h.mu.RLock()
	slow := h.deliverLocked(h.clients, frame, ev.ExcludeUser)
	h.mu.RUnlock()
	h.dropSlow(ctx, slow)

	h.publish(ctx, PresenceChannel, clusterEnvelope{Kind: kindAll, Exclude: ev.ExcludeUser, Frame: frame})
	return nil
}

// AddUserToRoom joins every session of userID, on every instance, to a room
// the user was just made a member of.
func (h *Hub) AddUserToRoom(ctx context.Context, userID, roomID string) {
	h.joinLocal(ctx, userID, roomID)
	h.publish(ctx, UserChannel(userID), clusterEnvelope{Kind: kindJoin, Target: roomID, User: userID})
}

func (h *Hub) joinLocal(ctx context.Context, userID, roomID string) {
	h.mu.RLock()
	sessions := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		sessions = append(sessions, c)
	}
	h.mu.RUnlock()

	for _, c := range sessions {
		if err := h.index(ctx, c, roomID); err != nil && !errors.Is(err, ErrSessionClosed) {
			h.log.Warn().Err(err).Str(logger.FieldRoomID, roomID).Msg("⚠️ Join failed")
		}
	}
}

// deliverLocked does a non-blocking send to each session in set and returns
// those whose buffers are full. Requires h.mu held for reading.
func (h *Hub) deliverLocked(set map[*Client]struct{}, frame []byte, excludeUser string) []*Client {
	var slow []*Client
	for c := range set {
		if excludeUser != "" && c.UserID == excludeUser {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	return slow
}

func (h *Hub) dropSlow(ctx context.Context, slow []*Client) {
	for _, c := range slow {
		h.log.Warn().Str(logger.FieldUserID, c.UserID).Str("session", c.ID).Msg("🐢 Send buffer full, dropping session")
		c.closeConn()
		go h.Disconnect(context.WithoutCancel(ctx), c)
	}
}

// emit sends a frame to one session if it is still registered.
func (h *Hub) emit(c *Client, ev Event) error {
	frame, err := ev.encode()
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return ErrSessionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSessionClosed
	}
}

func (h *Hub) publish(ctx context.Context, channel string, env clusterEnvelope) {
	env.Node = h.nodeID
	payload, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Msg("❌ Encode cluster envelope")
		return
	}
	if err := h.bus.Publish(ctx, channel, payload); err != nil {
		h.log.Warn().Err(err).Str(logger.FieldChannel, channel).Msg("⚠️ Fan-out publish failed, delivered locally only")
	}
}

// onRemote handles publications from other instances. It runs on the bus
// receive loop so it must not block.
func (h *Hub) onRemote(payload []byte) {
	var env clusterEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.log.Warn().Err(err).Msg("⚠️ Dropping undecodable cluster envelope")
		return
	}
	if env.Node == h.nodeID {
		return
	}

	ctx := context.Background()
	var slow []*Client
	h.mu.RLock()
	switch env.Kind {
	case kindRoom:
		slow = h.deliverLocked(h.roomIdx[env.Target], env.Frame, env.Exclude)
	case kindUser:
		slow = h.deliverLocked(h.users[env.Target], env.Frame, "")
	case kindAll:
		slow = h.deliverLocked(h.clients, env.Frame, env.Exclude)
	case kindJoin:
		go h.joinLocal(ctx, env.User, env.Target)
	}
	h.mu.RUnlock()
	h.dropSlow(ctx, slow)
}

// SessionCount reports registered sessions on this instance.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSessions reports how many local sessions are indexed under roomID.
func (h *Hub) RoomSessions(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.roomIdx[roomID])
}

// Shutdown disconnects every session.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	sessions := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		sessions = append(sessions, c)
	}
	h.mu.RUnlock()
	for _, c := range sessions {
		c.closeConn()
		h.Disconnect(ctx, c)
	}
}
