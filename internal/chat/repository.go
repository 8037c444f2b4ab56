package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the Postgres-backed Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

func (r *Repository) GetRoomsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT room_id FROM room_members WHERE user_id = $1", userID)
	if err != nil {
		return nil, unavailable("rooms for user", err)
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("rooms for user", err)
		}
		rooms = append(rooms, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rooms for user", err)
	}
	return rooms, nil
}

func (r *Repository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	query := "SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)"
	var ok bool
	if err := r.db.QueryRowContext(ctx, query, roomID, userID).Scan(&ok); err != nil {
		return false, unavailable("is member", err)
	}
	return ok, nil
}

func (r *Repository) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1)", roomID).Scan(&exists); err != nil {
		return nil, unavailable("room members", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	rows, err := r.db.QueryContext(ctx, "SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY joined_at", roomID)
	if err != nil {
		return nil, unavailable("room members", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("room members", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("room members", err)
	}
	return members, nil
}

func (r *Repository) CreateRoom(ctx context.Context, name string, participantIDs []string, isGroup bool, creatorID string) (Room, error) {
	room := Room{
		ID:        uuid.NewString(),
		Name:      name,
		IsGroup:   isGroup,
		CreatedBy: creatorID,
		Members:   uniqueMembers(creatorID, participantIDs),
		CreatedAt: time.Now().UTC(),
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, unavailable("create room", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO rooms (id, name, is_group, created_by, created_at) VALUES ($1, $2, $3, $4, $5)",
		room.ID, room.Name, room.IsGroup, room.CreatedBy, room.CreatedAt)
	if err != nil {
		return Room{}, unavailable("create room", err)
	}
	for _, member := range room.Members {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			room.ID, member)
		if err != nil {
			return Room{}, unavailable("create room", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Room{}, unavailable("create room", err)
	}
	return room, nil
}

func (r *Repository) UpsertMessage(ctx context.Context, env MessageEnvelope) error {
	attachments, err := json.Marshal(env.Attachments)
	if err != nil {
		return fmt.Errorf("%w: attachments: %v", ErrMalformedEnvelope, err)
	}
	query := `
		INSERT INTO messages (id, room_id, sender_id, content, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, env.ID, env.RoomID, env.SenderID, env.Content, string(attachments), env.CreatedAt)
	if err != nil {
		return unavailable("upsert message", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return unavailable("upsert message", err)
	}
	if inserted > 0 {
		return nil
	}

	// Already stored: fine for a redelivery, not for a reused id.
	var roomID, senderID string
	err = r.db.QueryRowContext(ctx, "SELECT room_id, sender_id FROM messages WHERE id = $1", env.ID).Scan(&roomID, &senderID)
	if err != nil {
		return unavailable("upsert message", err)
	}
	if roomID != env.RoomID || senderID != env.SenderID {
		return fmt.Errorf("%w: %s", ErrMessageConflict, env.ID)
	}
	return nil
}

func (r *Repository) LookupMessage(ctx context.Context, messageID string) (MessageEnvelope, error) {
	env := MessageEnvelope{ID: messageID}
	var attachments []byte
	err := r.db.QueryRowContext(ctx,
		"SELECT room_id, sender_id, content, attachments, created_at FROM messages WHERE id = $1",
		messageID).Scan(&env.RoomID, &env.SenderID, &env.Content, &attachments, &env.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return env, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if err != nil {
		return env, unavailable("lookup message", err)
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &env.Attachments); err != nil {
			return env, fmt.Errorf("%w: attachments: %v", ErrMalformedEnvelope, err)
		}
	}
	return env, nil
}

func (r *Repository) CreateDeliveryRecords(ctx context.Context, messageID, roomID string, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("delivery records", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO delivery_records (message_id, recipient_id, room_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, recipient_id) DO NOTHING
	`
	for _, recipient := range recipientIDs {
		if _, err := tx.ExecContext(ctx, query, messageID, recipient, roomID); err != nil {
			return unavailable("delivery records", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("delivery records", err)
	}
	return nil
}

func (r *Repository) SetDelivered(ctx context.Context, rc Receipt, at time.Time) (DeliveryRecord, bool, error) {
	query := `
		INSERT INTO delivery_records (message_id, recipient_id, room_id, delivered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, recipient_id) DO UPDATE
			SET delivered_at = EXCLUDED.delivered_at
			WHERE delivery_records.delivered_at IS NULL
		RETURNING delivered_at, read_at
	`
	return r.setReceipt(ctx, query, rc, at)
}

func (r *Repository) SetRead(ctx context.Context, rc Receipt, at time.Time) (DeliveryRecord, bool, error) {
	query := `
		INSERT INTO delivery_records (message_id, recipient_id, room_id, delivered_at, read_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (message_id, recipient_id) DO UPDATE
			SET read_at = EXCLUDED.read_at,
				delivered_at = COALESCE(delivery_records.delivered_at, EXCLUDED.read_at)
			WHERE delivery_records.read_at IS NULL
		RETURNING delivered_at, read_at
	`
	return r.setReceipt(ctx, query, rc, at)
}

// setReceipt runs a conditional upsert. No returned row means the timestamp
// was already set, so the current record is read back unchanged.
func (r *Repository) setReceipt(ctx context.Context, query string, rc Receipt, at time.Time) (DeliveryRecord, bool, error) {
	rec := DeliveryRecord{MessageID: rc.MessageID, RoomID: rc.RoomID, RecipientID: rc.RecipientID}
	var delivered, read sql.NullTime

	err := r.db.QueryRowContext(ctx, query, rc.MessageID, rc.RecipientID, rc.RoomID, at).Scan(&delivered, &read)
	changed := true
	if errors.Is(err, sql.ErrNoRows) {
		changed = false
		err = r.db.QueryRowContext(ctx,
			"SELECT delivered_at, read_at FROM delivery_records WHERE message_id = $1 AND recipient_id = $2",
			rc.MessageID, rc.RecipientID).Scan(&delivered, &read)
	}
	if err != nil {
		return rec, false, unavailable("set receipt", err)
	}
	if delivered.Valid {
		rec.DeliveredAt = &delivered.Time
	}
	if read.Valid {
		rec.ReadAt = &read.Time
	}
	return rec, changed, nil
}

func (r *Repository) RecordNotification(ctx context.Context, n NotificationEnvelope) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("record notification", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO notification_log (kind, message_id, room_id, recipient_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, message_id) DO NOTHING
	`, string(n.Kind), n.MessageID, n.RoomID, len(n.Recipients))
	if err != nil {
		return false, unavailable("record notification", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("record notification", err)
	}
	if inserted == 0 {
		return false, nil
	}

	for _, recipient := range n.Recipients {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notification_counters (user_id, room_id, notified)
			VALUES ($1, $2, 1)
			ON CONFLICT (user_id, room_id) DO UPDATE
				SET notified = notification_counters.notified + 1
		`, recipient, n.RoomID)
		if err != nil {
			return false, unavailable("record notification", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable("record notification", err)
	}
	return true, nil
}

// uniqueMembers returns the creator followed by participants, deduplicated.
func uniqueMembers(creatorID string, participantIDs []string) []string {
	seen := map[string]bool{creatorID: true}
	members := []string{creatorID}
	for _, id := range participantIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	return members
}
