// Package filter decides whether a sender may interact with the relay based
// on the active allow/block list mode.
package filter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
	"github.com/LeventeLantos/sms-autoreply/internal/repo"
)

var (
	ErrLookup     = errors.New("filter lookup failed")
	ErrEmptyPhone = errors.New("phone number is empty")
)

type Policy struct {
	settings repo.SettingsStore
	lists    repo.FilterStore
}

func NewPolicy(settings repo.SettingsStore, lists repo.FilterStore) *Policy {
	return &Policy{settings: settings, lists: lists}
}

// IsAllowed applies allow mode first, then block mode; with neither active
// every sender is permitted. Settings are read on each call so a mode change
// takes effect on the next message.
func (p *Policy) IsAllowed(ctx context.Context, phoneNumber string) (bool, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return false, ErrEmptyPhone
	}

	s, err := p.settings.GetSettings(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return false, fmt.Errorf("%w: settings: %w", ErrLookup, err)
		}
		s = model.Settings{}
	}

	switch {
	case s.UseAllowlist:
		listed, err := p.lists.IsListed(ctx, phoneNumber, model.Allowed)
		if err != nil {
			return false, fmt.Errorf("%w: allowlist: %w", ErrLookup, err)
		}
		return listed, nil
	case s.UseBlocklist:
		listed, err := p.lists.IsListed(ctx, phoneNumber, model.Blocked)
		if err != nil {
			return false, fmt.Errorf("%w: blocklist: %w", ErrLookup, err)
		}
		return !listed, nil
	default:
		return true, nil
	}
}
