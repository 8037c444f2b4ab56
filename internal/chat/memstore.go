package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for single-node runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	messages map[string]MessageEnvelope
	records  map[recordKey]*DeliveryRecord
	notified map[string]bool
	counters map[recordKey]int
	failWith error
}

type recordKey struct{ a, b string }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]*Room),
		messages: make(map[string]MessageEnvelope),
		records:  make(map[recordKey]*DeliveryRecord),
		notified: make(map[string]bool),
		counters: make(map[recordKey]int),
	}
}

// SetFailing makes every call fail with ErrStorageUnavailable until reset
// with false.
func (s *MemoryStore) SetFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fail {
		s.failWith = fmt.Errorf("%w: memory store offline", ErrStorageUnavailable)
	} else {
		s.failWith = nil
	}
}

// AddRoom seeds a room with a fixed id.
func (s *MemoryStore) AddRoom(id, name string, members ...string) Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := &Room{ID: id, Name: name, IsGroup: len(members) > 2, Members: append([]string(nil), members...), CreatedAt: time.Now().UTC()}
	if len(members) > 0 {
		room.CreatedBy = members[0]
	}
	s.rooms[id] = room
	return *room
}

func (s *MemoryStore) GetRoomsForUser(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	var ids []string
	for id, room := range s.rooms {
		if contains(room.Members, userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	room, ok := s.rooms[roomID]
	return ok && contains(room.Members, userID), nil
}

func (s *MemoryStore) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return append([]string(nil), room.Members...), nil
}

func (s *MemoryStore) CreateRoom(ctx context.Context, name string, participantIDs []string, isGroup bool, creatorID string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return Room{}, s.failWith
	}
	room := &Room{
		ID:        uuid.NewString(),
		Name:      name,
		IsGroup:   isGroup,
		CreatedBy: creatorID,
		Members:   uniqueMembers(creatorID, participantIDs),
		CreatedAt: time.Now().UTC(),
	}
	s.rooms[room.ID] = room
	out := *room
	out.Members = append([]string(nil), room.Members...)
	return out, nil
}

func (s *MemoryStore) UpsertMessage(ctx context.Context, env MessageEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if stored, ok := s.messages[env.ID]; ok {
		if stored.SenderID != env.SenderID || stored.RoomID != env.RoomID {
			return fmt.Errorf("%w: %s", ErrMessageConflict, env.ID)
		}
		return nil
	}
	s.messages[env.ID] = env
	return nil
}

func (s *MemoryStore) LookupMessage(ctx context.Context, messageID string) (MessageEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return MessageEnvelope{}, s.failWith
	}
	env, ok := s.messages[messageID]
	if !ok {
		return MessageEnvelope{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return env, nil
}

func (s *MemoryStore) CreateDeliveryRecords(ctx context.Context, messageID, roomID string, recipientIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	for _, recipient := range recipientIDs {
		s.recordLocked(messageID, roomID, recipient)
	}
	return nil
}

func (s *MemoryStore) recordLocked(messageID, roomID, recipientID string) *DeliveryRecord {
	key := recordKey{messageID, recipientID}
	rec, ok := s.records[key]
	if !ok {
		rec = &DeliveryRecord{MessageID: messageID, RoomID: roomID, RecipientID: recipientID}
		s.records[key] = rec
	}
	return rec
}

func (s *MemoryStore) SetDelivered(ctx context.Context, r Receipt, at time.Time) (DeliveryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return DeliveryRecord{}, false, s.failWith
	}
	rec := s.recordLocked(r.MessageID, r.RoomID, r.RecipientID)
	if rec.DeliveredAt != nil {
		return copyRecord(rec), false, nil
	}
	t := at
	rec.DeliveredAt = &t
	return copyRecord(rec), true, nil
}

func (s *MemoryStore) SetRead(ctx context.Context, r Receipt, at time.Time) (DeliveryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return DeliveryRecord{}, false, s.failWith
	}
	rec := s.recordLocked(r.MessageID, r.RoomID, r.RecipientID)
	if rec.ReadAt != nil {
		return copyRecord(rec), false, nil
	}
	t := at
	rec.ReadAt = &t
	if rec.DeliveredAt == nil {
		rec.DeliveredAt = &t
	}
	return copyRecord(rec), true, nil
}

func (s *MemoryStore) RecordNotification(ctx context.Context, n NotificationEnvelope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	id := NotificationID(n.Kind, n.MessageID)
	if s.notified[id] {
		return false, nil
	}
	s.notified[id] = true
	for _, recipient := range n.Recipients {
		s.counters[recordKey{recipient, n.RoomID}]++
	}
	return true, nil
}

// Message returns a persisted message.
func (s *MemoryStore) Message(id string) (MessageEnvelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.messages[id]
	return env, ok
}

func (s *MemoryStore) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Records returns every delivery record for a message, ordered by recipient.
func (s *MemoryStore) Records(messageID string) []DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeliveryRecord
	for key, rec := range s.records {
		if key.a == messageID {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out
}

// NotifiedCount is how many notifications userID has had recorded in roomID.
func (s *MemoryStore) NotifiedCount(userID, roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[recordKey{userID, roomID}]
}

func copyRecord(rec *DeliveryRecord) DeliveryRecord {
	out := *rec
	if rec.DeliveredAt != nil {
		t := *rec.DeliveredAt
		out.DeliveredAt = &t
	}
	if rec.ReadAt != nil {
		t := *rec.ReadAt
		out.ReadAt = &t
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
