package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

// EnsureSettings returns the stored settings, seeding defaults on first run.
// A missing device id is filled with a fresh uuid.
func EnsureSettings(ctx context.Context, s SettingsStore, defaults model.Settings) (model.Settings, error) {
	cur, err := s.GetSettings(ctx)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Settings{}, err
	}

	if defaults.DeviceID == "" {
		defaults.DeviceID = uuid.NewString()
	}
	if err := s.SaveSettings(ctx, defaults); err != nil {
		return model.Settings{}, err
	}
	return defaults, nil
}
