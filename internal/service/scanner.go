package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
	"github.com/LeventeLantos/sms-autoreply/internal/repo"
)

const (
	DefaultMinAge          = 5 * time.Minute
	DefaultStaleProcessing = 15 * time.Minute
)

// MessageProcessor is the per-message step driven by a Scanner.
type MessageProcessor interface {
	Process(ctx context.Context, m model.Message) (Outcome, error)
}

type ScanResult struct {
	// Skipped is set when another scan held the gate.
	Skipped     bool
	Recovered   int64
	Eligible    int
	Sent        int
	SendFailed  int
	Filtered    int
	Errored     int
	Deferred    int
	Failed      int
	Interrupted bool
}

// Scanner drains eligible messages one at a time. At most one scan runs at
// any moment; a scan requested while another is running is dropped.
type Scanner struct {
	store repo.MessageStore
	proc  MessageProcessor
	gate  *semaphore.Weighted

	minAge     time.Duration
	staleAfter time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

// NewScanner builds a scanner. A negative minAge means DefaultMinAge; a
// non-positive staleAfter disables stale processing recovery.
func NewScanner(store repo.MessageStore, proc MessageProcessor, minAge, staleAfter time.Duration, logger zerolog.Logger) *Scanner {
	if minAge < 0 {
		minAge = DefaultMinAge
	}
	return &Scanner{
		store:      store,
		proc:       proc,
		gate:       semaphore.NewWeighted(1),
		minAge:     minAge,
		staleAfter: staleAfter,
		logger:     logger.With().Str("component", "scanner").Logger(),
		now:        time.Now,
	}
}

func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// Tick adapts Scan to the scheduler's tick signature.
func (s *Scanner) Tick(ctx context.Context) error {
	_, err := s.Scan(ctx)
	return err
}

// Scan runs one batch. Per-message failures are logged and skipped; an error
// is returned only when the store as a whole is failing.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult

	if !s.gate.TryAcquire(1) {
		res.Skipped = true
		s.logger.Debug().Msg("scan already running, trigger dropped")
		return res, nil
	}
	defer s.gate.Release(1)

	n, err := s.recoverStale(ctx)
	if err != nil {
		return res, err
	}
	res.Recovered = n

	msgs, err := s.store.GetEligibleForProcessing(ctx, s.now(), s.minAge)
	if err != nil {
		return res, fmt.Errorf("query eligible messages: %w", err)
	}
	res.Eligible = len(msgs)
	if len(msgs) == 0 {
		return res, nil
	}

	s.logger.Info().Int("eligible", len(msgs)).Msg("scan started")

	for _, m := range msgs {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}

		out, err := s.proc.Process(ctx, m)
		switch out {
		case OutcomeSent:
			res.Sent++
		case OutcomeSendFailed:
			res.SendFailed++
		case OutcomeFiltered:
			res.Filtered++
		case OutcomeError:
			res.Errored++
		case OutcomeDeferred:
			res.Deferred++
		}

		if err != nil {
			res.Failed++
			if repo.IsFatal(err) {
				s.logger.Error().Err(err).Int64("message_id", m.ID).Msg("store unavailable, aborting scan")
				return res, err
			}
			s.logger.Warn().Err(err).Int64("message_id", m.ID).Msg("message skipped")
		}
	}

	s.logger.Info().
		Int("sent", res.Sent).
		Int("send_failed", res.SendFailed).
		Int("filtered", res.Filtered).
		Int("errored", res.Errored).
		Int("failed", res.Failed).
		Bool("interrupted", res.Interrupted).
		Msg("scan finished")

	return res, nil
}

// Recover returns messages stuck in processing longer than the stale
// threshold to received. It is a no-op while a scan is running.
func (s *Scanner) Recover(ctx context.Context) (int64, error) {
	if !s.gate.TryAcquire(1) {
		return 0, nil
	}
	defer s.gate.Release(1)
	return s.recoverStale(ctx)
}

func (s *Scanner) recoverStale(ctx context.Context) (int64, error) {
	if s.staleAfter <= 0 {
		return 0, nil
	}

	n, err := s.store.RecoverStale(ctx, s.now().Add(-s.staleAfter).UTC())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, nil
		}
		return 0, fmt.Errorf("recover stale messages: %w", err)
	}
	if n > 0 {
		s.logger.Warn().Int64("count", n).Msg("recovered messages stuck in processing")
	}
	return n, nil
}
