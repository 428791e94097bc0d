package cache

import (
	"context"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

// OutcomeCache keeps the terminal outcome of processed messages for fast
// lookup by message id.
type OutcomeCache interface {
	StoreOutcome(ctx context.Context, m model.Message) error
}

// ArrivalDeduper remembers arrival keys. MarkSeen returns true the first
// time a key is seen within the retention window; Forget drops a key again.
type ArrivalDeduper interface {
	MarkSeen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Nop is used when no cache is configured.
type Nop struct{}

func (Nop) StoreOutcome(context.Context, model.Message) error { return nil }

func (Nop) MarkSeen(context.Context, string) (bool, error) { return true, nil }

func (Nop) Forget(context.Context, string) error { return nil }
