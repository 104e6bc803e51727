package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is a presence row kept by the real-time hub.
type User struct {
	ID            string
	Name          string
	Status        string
	CustomMessage string
	LastSeen      time.Time
}

// TouchUser records that a user came online or went offline. An empty name
// keeps the stored one.
func (db *DB) TouchUser(ctx context.Context, id, name, status string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, name, status, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    name = CASE WHEN excluded.name = '' THEN users.name ELSE excluded.name END,
		    status = excluded.status,
		    last_seen = excluded.last_seen`,
		id, name, status, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", id, err)
	}
	return nil
}

// SetUserStatus stores a status and custom message.
func (db *DB) SetUserStatus(ctx context.Context, id, status, customMessage string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, status, custom_message, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, custom_message = excluded.custom_message`,
		id, status, customMessage, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set status of %s: %w", id, err)
	}
	return nil
}

// ListUsers returns every known user ordered by ID.
func (db *DB) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, status, custom_message, last_seen FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var seen sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &u.Status, &u.CustomMessage, &seen); err != nil {
			return nil, err
		}
		u.LastSeen = parseTime(seen)
		users = append(users, u)
	}
	return users, rows.Err()
}

// MarkAllOffline resets presence, as on server start.
func (db *DB) MarkAllOffline(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `UPDATE users SET status = 'offline' WHERE status != 'offline'`)
	return err
}

// Message is a relayed chat message.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Content     string
	CreatedAt   time.Time
}

// InsertMessage stores a relayed message and assigns its ID.
func (db *DB) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, recipient_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.RecipientID, m.Content, formatTime(m.CreatedAt))
	if err != nil {
		return m, fmt.Errorf("failed to insert message: %w", err)
	}
	return m, nil
}
