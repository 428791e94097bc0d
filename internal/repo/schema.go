package repo

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id                  BIGSERIAL PRIMARY KEY,
		sender              TEXT        NOT NULL,
		body                TEXT        NOT NULL,
		received_at         TIMESTAMPTZ NOT NULL,
		lifecycle_state     TEXT        NOT NULL DEFAULT 'received',
		reply_text          TEXT,
		send_status         TEXT        NOT NULL DEFAULT '',
		api_status          TEXT,
		external_message_id TEXT,
		processed_at        TIMESTAMPTZ,
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_state_received_idx
		ON messages (lifecycle_state, received_at)`,
	`CREATE TABLE IF NOT EXISTS filter_entries (
		id           BIGSERIAL PRIMARY KEY,
		phone_number TEXT        NOT NULL UNIQUE,
		membership   TEXT        NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS event_log (
		id        BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		category  TEXT        NOT NULL,
		message   TEXT        NOT NULL,
		detail    TEXT        NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS app_settings (
		id               INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		api_url          TEXT    NOT NULL DEFAULT '',
		use_allowlist    BOOLEAN NOT NULL DEFAULT false,
		use_blocklist    BOOLEAN NOT NULL DEFAULT false,
		device_id        TEXT    NOT NULL DEFAULT '',
		enable_auto_sync BOOLEAN NOT NULL DEFAULT false
	)`,
}

// Migrate creates all tables. It is idempotent and safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
