// internal/db/migrations.go
package db

import (
	"context"
	"fmt"

	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/migration"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'offline' CHECK (status IN ('online', 'away', 'busy', 'offline')),
    custom_message  TEXT NOT NULL DEFAULT '',
    last_seen       TEXT,
    created_at      TEXT DEFAULT (datetime('now'))
);
`

const notificationsSchema = `
CREATE TABLE IF NOT EXISTS notifications (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    title       TEXT NOT NULL,
    message     TEXT NOT NULL,
    type        TEXT NOT NULL DEFAULT 'system'
                CHECK (type IN ('message', 'property', 'payment', 'contract', 'rating', 'user', 'system')),
    priority    TEXT NOT NULL DEFAULT 'normal'
                CHECK (priority IN ('low', 'normal', 'high', 'urgent', 'critical')),
    status      TEXT NOT NULL DEFAULT 'delivered'
                CHECK (status IN ('pending', 'sent', 'delivered', 'read', 'failed')),
    channel     TEXT NOT NULL DEFAULT 'in_app',
    read        INTEGER NOT NULL DEFAULT 0,
    data        TEXT NOT NULL DEFAULT '{}' CHECK (json_valid(data)),
    actions     TEXT NOT NULL DEFAULT '[]' CHECK (json_valid(actions)),
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_notifications_user_unread ON notifications(user_id) WHERE read = 0;

CREATE TABLE IF NOT EXISTS notification_preferences (
    user_id      TEXT PRIMARY KEY,
    preferences  TEXT NOT NULL CHECK (json_valid(preferences)),
    updated_at   TEXT NOT NULL
);
`

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id            TEXT PRIMARY KEY,
    sender_id     TEXT NOT NULL,
    recipient_id  TEXT NOT NULL,
    content       TEXT NOT NULL,
    created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id, created_at DESC);
`

// Migrations is the schema history, oldest first.
var Migrations = []migration.Migration{
	{Version: "20260901000000", Name: "create_users", SQL: usersSchema},
	{Version: "20260901000100", Name: "create_notifications", SQL: notificationsSchema},
	{Version: "20260901000200", Name: "create_messages", SQL: messagesSchema},
}

// RunMigrations applies every pending migration.
func (db *DB) RunMigrations() error {
	applied, err := migration.NewRunner(db.DB).Apply(context.Background(), Migrations)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, m := range applied {
		log.Info("db: migration applied", "version", m.Version, "name", m.Name)
	}
	return nil
}

// AppliedMigrations lists the recorded migrations.
func (db *DB) AppliedMigrations(ctx context.Context) ([]migration.Migration, error) {
	return migration.NewRunner(db.DB).GetApplied(ctx)
}
