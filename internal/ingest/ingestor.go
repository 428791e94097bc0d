// Package ingest moves inbound SMS arrivals from their sources into the
// message store through a bounded queue.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
	"github.com/LeventeLantos/sms-autoreply/internal/repo"
)

const DefaultQueueSize = 100

var (
	ErrQueueFull      = errors.New("ingest queue is full")
	ErrInvalidArrival = errors.New("invalid arrival")
)

// Arrival is one inbound SMS as reported by a source.
type Arrival struct {
	From       string    `json:"from"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Key identifies an arrival for de-duplication.
func (a Arrival) Key() string {
	h := sha256.New()
	h.Write([]byte(a.From))
	h.Write([]byte{0})
	h.Write([]byte(a.Body))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(a.ReceivedAt.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// DecodeArrival parses a JSON arrival payload and validates it.
func DecodeArrival(data []byte) (Arrival, error) {
	var a Arrival
	if err := json.Unmarshal(data, &a); err != nil {
		return Arrival{}, fmt.Errorf("%w: %w", ErrInvalidArrival, err)
	}
	return a, validate(a)
}

func validate(a Arrival) error {
	switch {
	case strings.TrimSpace(a.From) == "":
		return fmt.Errorf("%w: from is empty", ErrInvalidArrival)
	case a.Body == "":
		return fmt.Errorf("%w: body is empty", ErrInvalidArrival)
	}
	return nil
}

// Deduper reports whether an arrival key is seen for the first time. Forget
// releases a key whose arrival could not be stored so a redelivery is kept.
type Deduper interface {
	MarkSeen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type EventSink interface {
	Record(ctx context.Context, category model.Category, message, detail string)
}

type Ingestor struct {
	queue  chan Arrival
	store  repo.MessageStore
	events EventSink
	dedupe Deduper
	logger zerolog.Logger
	now    func() time.Time
}

func New(store repo.MessageStore, size int, events EventSink, logger zerolog.Logger) *Ingestor {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Ingestor{
		queue:  make(chan Arrival, size),
		store:  store,
		events: events,
		logger: logger.With().Str("component", "ingest").Logger(),
		now:    time.Now,
	}
}

func (in *Ingestor) WithDeduper(d Deduper) *Ingestor {
	in.dedupe = d
	return in
}

func (in *Ingestor) WithClock(now func() time.Time) *Ingestor {
	in.now = now
	return in
}

// Offer queues a without blocking. A zero ReceivedAt is stamped with the
// current time.
func (in *Ingestor) Offer(a Arrival) error {
	a, err := in.prepare(a)
	if err != nil {
		return err
	}
	select {
	case in.queue <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports how many arrivals are waiting to be stored.
func (in *Ingestor) Len() int { return len(in.queue) }

// Run stores queued arrivals until ctx is done, then stores whatever is
// still buffered and returns.
func (in *Ingestor) Run(ctx context.Context) {
	in.logger.Info().Int("capacity", cap(in.queue)).Msg("ingest started")
	for {
		select {
		case a := <-in.queue:
			in.persist(ctx, a)
		case <-ctx.Done():
			in.drain(context.WithoutCancel(ctx))
			in.logger.Info().Msg("ingest stopped")
			return
		}
	}
}

func (in *Ingestor) drain(ctx context.Context) {
	for {
		select {
		case a := <-in.queue:
			in.persist(ctx, a)
		default:
			return
		}
	}
}

func (in *Ingestor) prepare(a Arrival) (Arrival, error) {
	a.From = strings.TrimSpace(a.From)
	if err := validate(a); err != nil {
		return Arrival{}, err
	}
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = in.now()
	}
	a.ReceivedAt = a.ReceivedAt.UTC()
	return a, nil
}

func (in *Ingestor) persist(ctx context.Context, a Arrival) {
	work := context.WithoutCancel(ctx)

	key := a.Key()
	marked := false
	if in.dedupe != nil {
		first, err := in.dedupe.MarkSeen(work, key)
		switch {
		case err != nil:
			in.logger.Warn().Err(err).Msg("dedupe lookup failed, storing anyway")
		case !first:
			in.logger.Debug().Str("from", a.From).Msg("duplicate arrival dropped")
			return
		default:
			marked = true
		}
	}

	id, err := in.store.Insert(work, model.Message{
		Sender:     a.From,
		Body:       a.Body,
		ReceivedAt: a.ReceivedAt,
	})
	if err != nil {
		in.logger.Error().Err(err).Str("from", a.From).Msg("failed to store arrival")
		if marked {
			if ferr := in.dedupe.Forget(work, key); ferr != nil {
				in.logger.Warn().Err(ferr).Msg("failed to release dedupe key")
			}
		}
		return
	}

	if in.events != nil {
		in.events.Record(work, model.CategoryReceived, fmt.Sprintf("Received message from %s", a.From), "")
	}
	in.logger.Debug().Int64("message_id", id).Str("from", a.From).Msg("arrival stored")
}
