// Package eventlog records processing events to the persisted log and mirrors
// them to the structured logger.
package eventlog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
	"github.com/LeventeLantos/sms-autoreply/internal/repo"
)

type Recorder struct {
	store  repo.EventStore
	logger zerolog.Logger
	now    func() time.Time
}

// New returns a Recorder. A nil store only logs.
func New(store repo.EventStore, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With().Str("component", "eventlog").Logger(),
		now:    time.Now,
	}
}

// Record appends one entry. A store failure is logged and swallowed so that
// logging never changes the outcome of the operation being logged.
func (r *Recorder) Record(ctx context.Context, category model.Category, message, detail string) {
	entry := model.LogEntry{
		Timestamp: r.now().UTC(),
		Category:  category,
		Message:   message,
		Detail:    detail,
	}

	ev := r.logger.WithLevel(levelFor(category)).Str("category", string(category))
	if detail != "" {
		ev = ev.Str("detail", detail)
	}
	ev.Msg(message)

	if r.store == nil {
		return
	}
	if _, err := r.store.Append(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Error().Err(err).Str("category", string(category)).Msg("failed to persist log entry")
	}
}

func levelFor(c model.Category) zerolog.Level {
	switch c {
	case model.CategoryError:
		return zerolog.ErrorLevel
	case model.CategorySendFailed, model.CategoryRetry:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
