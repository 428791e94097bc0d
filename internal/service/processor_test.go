package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/sms-autoreply/internal/client"
	"github.com/LeventeLantos/sms-autoreply/internal/eventlog"
	"github.com/LeventeLantos/sms-autoreply/internal/filter"
	"github.com/LeventeLantos/sms-autoreply/internal/model"
	"github.com/LeventeLantos/sms-autoreply/internal/repo"
	"github.com/LeventeLantos/sms-autoreply/internal/retry"
	"github.com/LeventeLantos/sms-autoreply/internal/service"
)

const testSender = "+15550001111"

var (
	_ service.APIGateway     = (*client.APIGateway)(nil)
	_ service.ReplyTransport = (*client.SMSGateway)(nil)
	_ service.FilterPolicy   = (*filter.Policy)(nil)
	_ service.EventSink      = (*eventlog.Recorder)(nil)
)

type fakeAPI struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (*client.APIReply, error)
}

func (f *fakeAPI) Process(_ context.Context, _, _ string) (*client.APIReply, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(call)
}

func (f *fakeAPI) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func replyOK(int) (*client.APIReply, error) {
	return &client.APIReply{Response: "Thanks, we will call you", Status: "ok", MessageID: "ext-1"}, nil
}

type fakeSMS struct {
	mu    sync.Mutex
	calls int
	texts []string
	ok    bool
}

func (f *fakeSMS) Send(_ context.Context, _, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, text)
	return f.ok
}

func (f *fakeSMS) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCache struct {
	mu  sync.Mutex
	got []model.Message
}

func (c *fakeCache) StoreOutcome(_ context.Context, m model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, m)
	return nil
}

type harness struct {
	store *repo.MemoryStore
	api   *fakeAPI
	sms   *fakeSMS
	cache *fakeCache
	proc  *service.Processor
	now   time.Time
}

func noWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newHarness(t *testing.T, settings model.Settings, opts ...retry.Option) *harness {
	t.Helper()

	h := &harness{
		store: repo.NewMemoryStore(),
		api:   &fakeAPI{fn: replyOK},
		sms:   &fakeSMS{ok: true},
		cache: &fakeCache{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, h.store.SaveSettings(context.Background(), settings))

	events := eventlog.New(h.store, zerolog.Nop())
	opts = append([]retry.Option{retry.WithWait(noWait)}, opts...)
	exec := retry.New(3, 10*time.Millisecond, events, zerolog.Nop(), opts...)

	h.proc = service.NewProcessor(
		h.store,
		filter.NewPolicy(h.store, h.store),
		h.api,
		h.sms,
		exec,
		events,
		zerolog.Nop(),
	).WithCache(h.cache).WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) list(t *testing.T, phone string, membership model.Membership) {
	t.Helper()
	_, err := h.store.AddFilter(context.Background(), phone, membership)
	require.NoError(t, err)
}

func (h *harness) insert(t *testing.T, sender string, age time.Duration) model.Message {
	t.Helper()
	ctx := context.Background()
	id, err := h.store.Insert(ctx, model.Message{Sender: sender, Body: "help", ReceivedAt: h.now.Add(-age)})
	require.NoError(t, err)
	m, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	return m
}

func (h *harness) get(t *testing.T, id int64) model.Message {
	t.Helper()
	m, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (h *harness) countEvents(t *testing.T, c model.Category) int {
	t.Helper()
	entries, err := h.store.ListEvents(context.Background(), model.LogQuery{Limit: 1000})
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Category == c {
			n++
		}
	}
	return n
}

func TestProcessor_AllowedSenderGetsReply(t *testing.T) {
	h := newHarness(t, model.Settings{UseAllowlist: true})
	h.list(t, testSender, model.Allowed)
	m := h.insert(t, testSender, 10*time.Minute)

	out, err := h.proc.Process(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeSent, out)

	got := h.get(t, m.ID)
	assert.Equal(t, model.Processed, got.State)
	assert.Equal(t, model.SendSent, got.SendStatus)
	require.NotNil(t, got.ReplyText)
	assert.Equal(t, "Thanks, we will call you", *got.ReplyText)
	require.NotNil(t, got.APIStatus)
	assert.Equal(t, "ok", *got.APIStatus)
	require.NotNil(t, got.ExternalMessageID)
	assert.Equal(t, "ext-1", *got.ExternalMessageID)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(h.now))
	assert.True(t, got.ReceivedAt.Equal(m.ReceivedAt))

	assert.Equal(t, []string{"Thanks, we will call you"}, h.sms.texts)
	assert.Equal(t, 1, h.countEvents(t, model.CategoryProcessed))
	assert.Zero(t, h.countEvents(t, model.CategoryRetry))

	require.Len(t, h.cache.got, 1)
	assert.Equal(t, model.Processed, h.cache.got[0].State)
}

func TestProcessor_BlockedSenderStaysReceived(t *testing.T) {
	h := newHarness(t, model.Settings{UseBlocklist: true})
	h.list(t, testSender, model.Blocked)
	m := h.insert(t, testSender, 10*time.Minute)

	out, err := h.proc.Process(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeFiltered, out)

	got := h.get(t, m.ID)
	assert.Equal(t, model.Received, got.State)
	assert.Nil(t, got.ProcessedAt)
	assert.Equal(t, 1, h.countEvents(t, model.CategoryFiltered))
	assert.Zero(t, h.api.Calls())
	assert.Zero(t, h.sms.Calls())
	assert.Empty(t, h.cache.got)
}

func TestProcessor_UnlistedSenderInAllowModeIsFiltered(t *testing.T) {
	h := newHarness(t, model.Settings{UseAllowlist: true})
	m := h.insert(t, testSender, 10*time.Minute)

	out, err := h.proc.Process(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeFiltered, out)
	assert.Zero(t, h.api.Calls())
}

func TestProcessor_APITimeoutsEndInError(t *testing.T) {
	h := newHarness(t, model.Settings{})
	h.api.fn = func(int) (*client.APIReply, error) {
		return nil, &client.APIError{Kind: client.KindTimeout, Err: context.DeadlineExceeded}
	}
	m := h.insert(t, testSender, 10*time.Minute)

	out, err := h.proc.Process(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeError, out)

	got := h.get(t, m.ID)
	assert.Equal(t, model.Error, got.State)
	assert.Equal(t, model.SendError, got.SendStatus)
	assert.NotNil(t, got.ProcessedAt)
	assert.Nil(t, got.ReplyText)

	assert.Equal(t, 3, h.api.Calls())
	assert.Zero(t, h.sms.Calls())
	assert.Equal(t, 3, h.countEvents(t, model.CategoryRetry))
	assert.Equal(t, 1, h.countEvents(t, model.CategoryError))

	require.Len(t, h.cache.got, 1)
	assert.Equal(t, model.Error, h.cache.got[0].State)
}

func TestProcessor_APIRecoversOnRetry(t *testing.T) {
	h := newHarness(t, model.Settings{})
	h.api.fn = func(call int) (*client.APIReply, error) {
		if call == 1 {
			return nil, &client.APIError{Kind: client.KindServerError, StatusCode: 503, Err: errors.New("busy")}
		}
		return replyOK(call)
	}
	m := h.insert(t, testSender, 10*time.Minute)

	out, err := h.proc.Process(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeSent, out)
	assert.Equal(t, 2, h.api.Calls())
	assert.Equal(t, 1, h.countEvents(t, model.CategoryRetry))
}

func TestProcessor_SendAlwaysFailsEndsProcessedFailed(t *testing.T) {
	h := newHarness(t, model.Settings{})
	h.sms.ok = false
	m := h.insert(t, testSender, 10*time.Minute)

	out, err := h.proc.Process(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeSendFailed, out)

	got := h.get(t, m.ID)
	assert.Equal(t, model.Processed, got.State)
	assert.Equal(t, model.SendFailed, got.SendStatus)
	assert.NotNil(t, got.ReplyText)
	assert.NotNil(t, got.ProcessedAt)

	assert.Equal(t, 3, h.sms.Calls())
	assert.Equal(t, 3, h.countEvents(t, model.CategoryRetry))
	assert.Equal(t, 1, h.countEvents(t, model.CategorySendFailed))
	assert.Zero(t, h.countEvents(t, model.CategoryProcessed))
}

func TestProcessor_APIPanicIsRetriedThenError(t *testing.T) {
	h := newHarness(t, model.Settings{})
	h.api.fn = func(int) (*client.APIReply, error) { panic("decoder blew up") }
	m := h.insert(t, testSender, 10*time.Minute)

	out, err := h.proc.Process(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeError, out)
	assert.Equal(t, model.Error, h.get(t, m.ID).State)
}

// panicOnProcessed panics when asked to persist a processed message.
type panicOnProcessed struct {
	*repo.MemoryStore
}

func (s panicOnProcessed) Update(ctx context.Context, m model.Message) error {
	if m.State == model.Processed {
		panic("storage driver bug")
	}
	return s.MemoryStore.Update(ctx, m)
}

func TestProcessor_PanicAfterMarkingProcessingEndsInError(t *testing.T) {
	h := newHarness(t, model.Settings{})
	events := eventlog.New(h.store, zerolog.Nop())
	proc := service.NewProcessor(
		panicOnProcessed{h.store},
		filter.NewPolicy(h.store, h.store),
		h.api,
		h.sms,
		retry.New(3, 0, events, zerolog.Nop()),
		events,
		zerolog.Nop(),
	)
	m := h.insert(t, testSender, 10*time.Minute)

	var (
		out service.Outcome
		err error
	)
	require.NotPanics(t, func() { out, err = proc.Process(context.Background(), m) })
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeError, out)

	got := h.get(t, m.ID)
	assert.Equal(t, model.Error, got.State)
	assert.Equal(t, model.SendError, got.SendStatus)
	assert.NotNil(t, got.ProcessedAt)
	assert.Equal(t, 1, h.countEvents(t, model.CategoryError))
}

func TestProcessor_CancelDuringAPIBackoffRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, model.Settings{}, retry.WithWait(func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	h.api.fn = func(int) (*client.APIReply, error) {
		cancel()
		return nil, &client.APIError{Kind: client.KindNetwork, Err: errors.New("connection refused")}
	}
	m := h.insert(t, testSender, 10*time.Minute)

	out, err := h.proc.Process(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeDeferred, out)

	got := h.get(t, m.ID)
	assert.Equal(t, model.Received, got.State)
	assert.Nil(t, got.ProcessedAt)
	assert.Equal(t, 1, h.api.Calls())
	assert.Zero(t, h.sms.Calls())
	assert.Zero(t, h.countEvents(t, model.CategoryError))
}

func TestProcessor_RejectsNonReceived(t *testing.T) {
	h := newHarness(t, model.Settings{})
	m := h.insert(t, testSender, 10*time.Minute)
	m.State = model.Processing

	_, err := h.proc.Process(context.Background(), m)
	assert.ErrorIs(t, err, service.ErrNotReceived)
	assert.Zero(t, h.api.Calls())
}

type brokenSettings struct{ *repo.MemoryStore }

func (brokenSettings) GetSettings(context.Context) (model.Settings, error) {
	return model.Settings{}, errors.New("settings table locked")
}

func TestProcessor_FilterLookupErrorLeavesMessageUntouched(t *testing.T) {
	h := newHarness(t, model.Settings{})
	events := eventlog.New(h.store, zerolog.Nop())
	proc := service.NewProcessor(
		h.store,
		filter.NewPolicy(brokenSettings{h.store}, h.store),
		h.api,
		h.sms,
		retry.New(3, 0, events, zerolog.Nop()),
		events,
		zerolog.Nop(),
	)
	m := h.insert(t, testSender, 10*time.Minute)

	_, err := proc.Process(context.Background(), m)
	require.Error(t, err)
	assert.ErrorIs(t, err, filter.ErrLookup)
	assert.Equal(t, model.Received, h.get(t, m.ID).State)
	assert.Zero(t, h.api.Calls())
}
