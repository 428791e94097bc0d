// Package service runs the message pipeline: filtering, the remote API call,
// the reply SMS and the persisted state transitions in between.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/sms-autoreply/internal/client"
	"github.com/LeventeLantos/sms-autoreply/internal/model"
	"github.com/LeventeLantos/sms-autoreply/internal/repo"
	"github.com/LeventeLantos/sms-autoreply/internal/retry"
)

type FilterPolicy interface {
	IsAllowed(ctx context.Context, phoneNumber string) (bool, error)
}

type APIGateway interface {
	Process(ctx context.Context, sender, body string) (*client.APIReply, error)
}

type ReplyTransport interface {
	Send(ctx context.Context, phoneNumber, text string) bool
}

// OutcomeCache receives every message that reached a terminal state.
type OutcomeCache interface {
	StoreOutcome(ctx context.Context, m model.Message) error
}

type EventSink interface {
	Record(ctx context.Context, category model.Category, message, detail string)
}

var ErrNotReceived = errors.New("message is not in received state")

type Outcome string

const (
	OutcomeFiltered   Outcome = "filtered"
	OutcomeSent       Outcome = "sent"
	OutcomeSendFailed Outcome = "send_failed"
	OutcomeError      Outcome = "error"
	// OutcomeDeferred means processing was interrupted before anything was
	// sent and the message went back to received.
	OutcomeDeferred Outcome = "deferred"
)

type Processor struct {
	store  repo.MessageStore
	filter FilterPolicy
	api    APIGateway
	sms    ReplyTransport
	retry  *retry.Executor
	events EventSink

	cache  OutcomeCache
	logger zerolog.Logger
	now    func() time.Time
}

func NewProcessor(
	store repo.MessageStore,
	filter FilterPolicy,
	api APIGateway,
	sms ReplyTransport,
	exec *retry.Executor,
	events EventSink,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		store:  store,
		filter: filter,
		api:    api,
		sms:    sms,
		retry:  exec,
		events: events,
		logger: logger.With().Str("component", "processor").Logger(),
		now:    time.Now,
	}
}

func (p *Processor) WithCache(c OutcomeCache) *Processor {
	p.cache = c
	return p
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Process runs one message through the pipeline. Network calls and store
// writes ignore cancellation of ctx; only retry waits observe it. A returned
// error means the message could not be moved forward (filter lookup or store
// failure) and is left for a later scan.
func (p *Processor) Process(ctx context.Context, m model.Message) (out Outcome, err error) {
	if m.State != model.Received {
		return "", fmt.Errorf("message %d in state %q: %w", m.ID, m.State, ErrNotReceived)
	}
	work := context.WithoutCancel(ctx)
	log := p.logger.With().Int64("message_id", m.ID).Str("sender", m.Sender).Logger()

	allowed, err := p.filter.IsAllowed(work, m.Sender)
	if err != nil {
		return "", fmt.Errorf("message %d: %w", m.ID, err)
	}
	if !allowed {
		p.events.Record(work, model.CategoryFiltered, fmt.Sprintf("Message from %s was filtered out", m.Sender), "")
		log.Debug().Msg("sender filtered")
		return OutcomeFiltered, nil
	}

	m.State = model.Processing
	if err := p.store.Update(work, m); err != nil {
		return "", fmt.Errorf("mark message %d processing: %w", m.ID, err)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("panic while processing message")
			out, err = p.fail(work, &m, fmt.Errorf("panic: %v", r))
		}
	}()

	reply, err := retry.ExecuteWithRetry(ctx, p.retry, "api", func(context.Context) (*client.APIReply, error) {
		return p.api.Process(work, m.Sender, m.Body)
	})
	if err != nil {
		if !errors.Is(err, retry.ErrRetriesExhausted) && ctx.Err() != nil {
			return p.requeue(work, m, log)
		}
		log.Warn().Err(err).Str("kind", string(client.KindOf(err))).Msg("api call failed")
		out, err = p.fail(work, &m, err)
		p.remember(work, m, log)
		return out, err
	}

	sent := p.retry.Send(ctx, "sms", func(context.Context) bool {
		return p.sms.Send(work, m.Sender, reply.Response)
	})

	processedAt := p.now().UTC()
	m.State = model.Processed
	m.ReplyText = model.StringPtr(reply.Response)
	m.ProcessedAt = &processedAt
	m.APIStatus = optional(reply.Status)
	m.ExternalMessageID = optional(reply.MessageID)
	if sent {
		m.SendStatus = model.SendSent
		out = OutcomeSent
	} else {
		m.SendStatus = model.SendFailed
		out = OutcomeSendFailed
	}

	if err := p.store.Update(work, m); err != nil {
		return "", fmt.Errorf("persist outcome of message %d: %w", m.ID, err)
	}

	if sent {
		p.events.Record(work, model.CategoryProcessed, fmt.Sprintf("Processed message from %s and sent reply", m.Sender), "")
	} else {
		p.events.Record(work, model.CategorySendFailed, fmt.Sprintf("Failed to send reply to %s", m.Sender), "")
	}
	p.remember(work, m, log)

	log.Info().Str("outcome", string(out)).Msg("message processed")
	return out, nil
}

// fail moves m to error. The returned error is non-nil only when that
// transition itself could not be persisted.
func (p *Processor) fail(ctx context.Context, m *model.Message, cause error) (Outcome, error) {
	processedAt := p.now().UTC()
	m.State = model.Error
	m.SendStatus = model.SendError
	m.ProcessedAt = &processedAt

	p.events.Record(ctx, model.CategoryError, fmt.Sprintf("Error processing message from %s", m.Sender), cause.Error())

	if err := p.store.Update(ctx, *m); err != nil {
		return OutcomeError, fmt.Errorf("persist error state of message %d: %w", m.ID, errors.Join(err, cause))
	}
	return OutcomeError, nil
}

func (p *Processor) requeue(ctx context.Context, m model.Message, log zerolog.Logger) (Outcome, error) {
	m.State = model.Received
	if err := p.store.Update(ctx, m); err != nil {
		return OutcomeDeferred, fmt.Errorf("reset message %d to received: %w", m.ID, err)
	}
	log.Info().Msg("processing interrupted, message returned to received")
	return OutcomeDeferred, nil
}

func (p *Processor) remember(ctx context.Context, m model.Message, log zerolog.Logger) {
	if p.cache == nil || !m.State.Terminal() {
		return
	}
	if err := p.cache.StoreOutcome(ctx, m); err != nil {
		log.Warn().Err(err).Int64("message_id", m.ID).Msg("failed to cache outcome")
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return model.StringPtr(s)
}
