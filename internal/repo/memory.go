package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

// MemoryStore is an in-process implementation of every store interface. It is
// used when no database is configured and throughout the tests.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	messages map[int64]model.Message
	nextMsg  int64

	filters    map[int64]model.FilterEntry
	nextFilter int64

	events []model.LogEntry

	settings    model.Settings
	hasSettings bool
}

var (
	_ MessageStore  = (*MemoryStore)(nil)
	_ FilterStore   = (*MemoryStore)(nil)
	_ EventStore    = (*MemoryStore)(nil)
	_ SettingsStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		messages: make(map[int64]model.Message),
		filters:  make(map[int64]model.FilterEntry),
	}
}

// WithClock overrides the clock used for UpdatedAt and CreatedAt stamps.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, m model.Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateNew(m); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMsg++
	m.ID = s.nextMsg
	if m.State == "" {
		m.State = model.Received
	}
	m.UpdatedAt = s.now().UTC()
	s.messages[m.ID] = cloneMessage(m)
	return m.ID, nil
}

func (s *MemoryStore) Update(ctx context.Context, m model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.messages[m.ID]
	if !ok {
		return fmt.Errorf("message %d: %w", m.ID, ErrNotFound)
	}
	m.ReceivedAt = cur.ReceivedAt
	m.UpdatedAt = s.now().UTC()
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) GetEligibleForProcessing(ctx context.Context, now time.Time, minAge time.Duration) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []model.Message
	for _, m := range s.messages {
		if m.Eligible(now, minAge) {
			out = append(out, cloneMessage(m))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, cloneMessage(m))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out, nil
}

func (s *MemoryStore) RecoverStale(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now().UTC()
	for id, m := range s.messages {
		if m.State == model.Processing && m.UpdatedAt.Before(olderThan) {
			m.State = model.Received
			m.UpdatedAt = now
			s.messages[id] = m
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListFilters(ctx context.Context, membership model.Membership) ([]model.FilterEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []model.FilterEntry
	for _, f := range s.filters {
		if f.Membership == membership {
			out = append(out, f)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddFilter places phoneNumber on the given list, moving it off the other one.
func (s *MemoryStore) AddFilter(ctx context.Context, phoneNumber string, membership model.Membership) (model.FilterEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.FilterEntry{}, err
	}
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return model.FilterEntry{}, fmt.Errorf("phone number is empty")
	}
	if !membership.Valid() {
		return model.FilterEntry{}, fmt.Errorf("invalid membership %q", membership)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, f := range s.filters {
		if f.PhoneNumber == phoneNumber {
			f.Membership = membership
			s.filters[id] = f
			return f, nil
		}
	}

	s.nextFilter++
	f := model.FilterEntry{
		ID:          s.nextFilter,
		PhoneNumber: phoneNumber,
		Membership:  membership,
		CreatedAt:   s.now().UTC(),
	}
	s.filters[f.ID] = f
	return f, nil
}

func (s *MemoryStore) RemoveFilter(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.filters[id]; !ok {
		return fmt.Errorf("filter %d: %w", id, ErrNotFound)
	}
	delete(s.filters, id)
	return nil
}

func (s *MemoryStore) IsListed(ctx context.Context, phoneNumber string, membership model.Membership) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.filters {
		if f.PhoneNumber == phoneNumber && f.Membership == membership {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Append(ctx context.Context, e model.LogEntry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = int64(len(s.events) + 1)
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	s.events = append(s.events, e)
	return e.ID, nil
}

// ListEvents returns matching entries newest first.
func (s *MemoryStore) ListEvents(ctx context.Context, q model.LogQuery) ([]model.LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q = q.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LogEntry
	skipped := 0
	for i := len(s.events) - 1; i >= 0 && len(out) < q.Limit; i-- {
		e := s.events[i]
		if !q.Matches(e) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) GetSettings(ctx context.Context) (model.Settings, error) {
	if err := ctx.Err(); err != nil {
		return model.Settings{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasSettings {
		return model.Settings{}, fmt.Errorf("settings: %w", ErrNotFound)
	}
	return s.settings, nil
}

func (s *MemoryStore) SaveSettings(ctx context.Context, st model.Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = st
	s.hasSettings = true
	return nil
}

func cloneMessage(m model.Message) model.Message {
	c := m
	c.ReplyText = cloneString(m.ReplyText)
	c.APIStatus = cloneString(m.APIStatus)
	c.ExternalMessageID = cloneString(m.ExternalMessageID)
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		c.ProcessedAt = &t
	}
	return c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
