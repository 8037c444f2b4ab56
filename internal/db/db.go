package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// Migrations are idempotent and run in order at startup.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		password VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		created_by TEXT REFERENCES users(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT REFERENCES rooms(id) ON DELETE CASCADE,
		user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
		joined_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS room_members_user_idx ON room_members (user_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT REFERENCES rooms(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		attachments JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS messages_room_created_idx ON messages (room_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS delivery_records (
		message_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		delivered_at TIMESTAMPTZ,
		read_at TIMESTAMPTZ,
		PRIMARY KEY (message_id, recipient_id)
	)`,

	`CREATE TABLE IF NOT EXISTS notification_log (
		kind TEXT NOT NULL,
		message_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		recipient_count INT NOT NULL,
		recorded_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (kind, message_id)
	)`,

	`CREATE TABLE IF NOT EXISTS notification_counters (
		user_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		notified BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, room_id)
	)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for i, query := range Migrations {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
