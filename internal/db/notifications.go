package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/markb/rentrt/internal/notification"
)

// ErrNotFound is returned when a row does not exist for the user.
var ErrNotFound = errors.New("not found")

const notificationColumns = `id, title, message, type, priority, status, channel, read, data, actions, created_at`

// InsertNotification stores n for userID. n is normalized first.
func (db *DB) InsertNotification(ctx context.Context, userID string, n notification.Notification) (notification.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Normalize(time.Now())
	data, err := json.Marshal(orEmptyMap(n.Data))
	if err != nil {
		return n, fmt.Errorf("failed to encode data: %w", err)
	}
	actions, err := json.Marshal(orEmptySlice(n.Actions))
	if err != nil {
		return n, fmt.Errorf("failed to encode actions: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, message, type, priority, status, channel, read, data, actions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, userID, n.Title, n.Message, n.Type, n.Priority, n.Status, n.Channel, n.Read,
		string(data), string(actions), formatTime(n.Timestamp),
	)
	if err != nil {
		return n, fmt.Errorf("failed to insert notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns the user's newest notifications and the total
// unread count. A limit of zero means notification.DefaultCapacity.
func (db *DB) ListNotifications(ctx context.Context, userID string, opts notification.ListOptions) ([]notification.Notification, int, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = notification.DefaultCapacity
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = ?`
	if opts.UnreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	list := []notification.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var unread int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0`, userID,
	).Scan(&unread); err != nil {
		return nil, 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return list, unread, nil
}

// GetNotification returns one of the user's notifications.
func (db *DB) GetNotification(ctx context.Context, userID, id string) (notification.Notification, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE user_id = ? AND id = ?`, userID, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return n, ErrNotFound
	}
	return n, err
}

// MarkNotificationRead marks one notification read. Terminal statuses are
// kept.
func (db *DB) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE notifications
		SET read = 1,
		    status = CASE WHEN status IN ('read', 'failed') THEN status ELSE 'read' END
		WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return expectRow(res)
}

// MarkAllNotificationsRead marks every unread notification read and
// returns the IDs it changed.
func (db *DB) MarkAllNotificationsRead(ctx context.Context, userID string) ([]string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM notifications WHERE user_id = ? AND read = 0`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find unread: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `
		UPDATE notifications
		SET read = 1,
		    status = CASE WHEN status IN ('read', 'failed') THEN status ELSE 'read' END
		WHERE user_id = ? AND read = 0`, userID); err != nil {
		return nil, fmt.Errorf("failed to mark all read: %w", err)
	}
	return ids, tx.Commit()
}

// DeleteNotification removes one notification.
func (db *DB) DeleteNotification(ctx context.Context, userID, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM notifications WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	return expectRow(res)
}

// DeleteAllNotifications removes every notification of the user and
// returns how many went.
func (db *DB) DeleteAllNotifications(ctx context.Context, userID string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM notifications WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notifications: %w", err)
	}
	return res.RowsAffected()
}

// Preferences returns the stored preferences, or the defaults.
func (db *DB) Preferences(ctx context.Context, userID string) (notification.Preferences, error) {
	var raw string
	err := db.QueryRowContext(ctx,
		`SELECT preferences FROM notification_preferences WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.DefaultPreferences(), nil
	}
	if err != nil {
		return notification.Preferences{}, fmt.Errorf("failed to load preferences: %w", err)
	}
	p := notification.DefaultPreferences()
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return notification.Preferences{}, fmt.Errorf("failed to decode preferences: %w", err)
	}
	return p, nil
}

// SavePreferences upserts the user's preferences.
func (db *DB) SavePreferences(ctx context.Context, userID string, p notification.Preferences) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, preferences, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET preferences = excluded.preferences, updated_at = excluded.updated_at`,
		userID, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(s scanner) (notification.Notification, error) {
	var (
		n               notification.Notification
		data, actions   string
		createdAt       sql.NullString
		typ, prio, stat string
		channel         string
	)
	if err := s.Scan(&n.ID, &n.Title, &n.Message, &typ, &prio, &stat, &channel, &n.Read, &data, &actions, &createdAt); err != nil {
		return n, err
	}
	n.Type = notification.Type(typ)
	n.Priority = notification.Priority(prio)
	n.Status = notification.Status(stat)
	n.Channel = notification.Channel(channel)
	n.Timestamp = parseTime(createdAt)
	if data != "" && data != "{}" {
		if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
			return n, fmt.Errorf("failed to decode data of %s: %w", n.ID, err)
		}
	}
	if actions != "" && actions != "[]" {
		if err := json.Unmarshal([]byte(actions), &n.Actions); err != nil {
			return n, fmt.Errorf("failed to decode actions of %s: %w", n.ID, err)
		}
	}
	return n, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(a []notification.Action) []notification.Action {
	if a == nil {
		return []notification.Action{}
	}
	return a
}
