package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

type PostgresSettingsRepo struct {
	db *sql.DB
}

var _ SettingsStore = (*PostgresSettingsRepo)(nil)

func NewPostgresSettingsRepo(db *sql.DB) *PostgresSettingsRepo {
	return &PostgresSettingsRepo{db: db}
}

func (r *PostgresSettingsRepo) GetSettings(ctx context.Context) (model.Settings, error) {
	var s model.Settings
	err := r.db.QueryRowContext(ctx, `
		SELECT api_url, use_allowlist, use_blocklist, device_id, enable_auto_sync
		FROM app_settings
		WHERE id = 1
	`).Scan(&s.APIURL, &s.UseAllowlist, &s.UseBlocklist, &s.DeviceID, &s.EnableAutoSync)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Settings{}, fmt.Errorf("settings: %w", ErrNotFound)
	}
	if err != nil {
		return model.Settings{}, storeErr(err)
	}
	return s, nil
}

func (r *PostgresSettingsRepo) SaveSettings(ctx context.Context, s model.Settings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO app_settings (id, api_url, use_allowlist, use_blocklist, device_id, enable_auto_sync)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			api_url = EXCLUDED.api_url,
			use_allowlist = EXCLUDED.use_allowlist,
			use_blocklist = EXCLUDED.use_blocklist,
			device_id = EXCLUDED.device_id,
			enable_auto_sync = EXCLUDED.enable_auto_sync
	`, s.APIURL, s.UseAllowlist, s.UseBlocklist, s.DeviceID, s.EnableAutoSync)
	return storeErr(err)
}
