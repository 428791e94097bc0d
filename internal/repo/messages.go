package repo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnavailable    = errors.New("store unavailable")
)

// MessageStore owns Message persistence. Implementations serialize access
// internally; callers never hold a store lock.
type MessageStore interface {
	Insert(ctx context.Context, m model.Message) (int64, error)
	Update(ctx context.Context, m model.Message) error
	Get(ctx context.Context, id int64) (model.Message, error)
	GetEligibleForProcessing(ctx context.Context, now time.Time, minAge time.Duration) ([]model.Message, error)
	GetAll(ctx context.Context) ([]model.Message, error)
	RecoverStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type FilterStore interface {
	ListFilters(ctx context.Context, membership model.Membership) ([]model.FilterEntry, error)
	AddFilter(ctx context.Context, phoneNumber string, membership model.Membership) (model.FilterEntry, error)
	RemoveFilter(ctx context.Context, id int64) error
	IsListed(ctx context.Context, phoneNumber string, membership model.Membership) (bool, error)
}

// EventStore is the append-only processing log. ListEvents returns entries
// newest first.
type EventStore interface {
	Append(ctx context.Context, e model.LogEntry) (int64, error)
	ListEvents(ctx context.Context, q model.LogQuery) ([]model.LogEntry, error)
}

type SettingsStore interface {
	GetSettings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error
}

// IsFatal reports whether err means the store as a whole is unreachable, as
// opposed to a failure scoped to one record.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone)
}

func validateNew(m model.Message) error {
	switch {
	case m.Sender == "":
		return errors.Join(ErrInvalidMessage, errors.New("sender is empty"))
	case m.Body == "":
		return errors.Join(ErrInvalidMessage, errors.New("body is empty"))
	case m.ReceivedAt.IsZero():
		return errors.Join(ErrInvalidMessage, errors.New("receivedAt is not set"))
	}
	return nil
}
