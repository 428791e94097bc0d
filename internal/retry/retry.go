// Package retry runs an operation up to a bounded number of attempts with
// exponential backoff and jitter between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second

	maxShift = 30
)

var ErrRetriesExhausted = errors.New("retries exhausted")

// Sink receives one entry per failed attempt.
type Sink interface {
	Record(ctx context.Context, category model.Category, message, detail string)
}

type Option func(*Executor)

// WithJitter replaces the jitter source. fn receives the base delay and must
// return a value in [0, base).
func WithJitter(fn func(base time.Duration) time.Duration) Option {
	return func(e *Executor) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// WithWait replaces the cancellable sleep between attempts.
func WithWait(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.wait = fn
		}
	}
}

type Executor struct {
	maxAttempts int
	baseDelay   time.Duration

	sink   Sink
	logger zerolog.Logger

	jitter func(base time.Duration) time.Duration
	wait   func(ctx context.Context, d time.Duration) error
}

// New builds an executor. Non-positive maxAttempts or negative baseDelay fall
// back to the defaults.
func New(maxAttempts int, baseDelay time.Duration, sink Sink, logger zerolog.Logger, opts ...Option) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay < 0 {
		baseDelay = DefaultBaseDelay
	}

	e := &Executor{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		sink:        sink,
		logger:      logger.With().Str("component", "retry").Logger(),
		jitter:      uniformJitter,
		wait:        sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Executor) MaxAttempts() int { return e.maxAttempts }

// Backoff is the base part of the delay after the given 1-based attempt:
// baseDelay * 2^(attempt-1).
func (e *Executor) Backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		shift = maxShift
	}
	return e.baseDelay * time.Duration(1<<shift)
}

func (e *Executor) delay(attempt int) time.Duration {
	d := e.Backoff(attempt)
	if e.baseDelay > 0 {
		d += e.jitter(e.baseDelay)
	}
	return d
}

// ExecuteWithRetry invokes op until it succeeds or the attempt budget is
// spent. Exhaustion returns an error wrapping ErrRetriesExhausted and the last
// failure. Cancellation of ctx during a wait returns an error wrapping
// ctx.Err(); op itself is never interrupted by the executor.
func ExecuteWithRetry[T any](ctx context.Context, e *Executor, name string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		v, err := guard(ctx, op)
		if err == nil {
			if attempt > 1 {
				e.logger.Info().Str("operation", name).Int("attempt", attempt).Msg("retry: operation succeeded after retry")
			}
			return v, nil
		}
		lastErr = err

		if attempt == e.maxAttempts {
			e.record(ctx, name, attempt, 0, err)
			break
		}

		d := e.delay(attempt)
		e.record(ctx, name, attempt, d, err)

		if werr := e.wait(ctx, d); werr != nil {
			return zero, fmt.Errorf("%s aborted after attempt %d: %w", name, attempt, errors.Join(werr, lastErr))
		}
	}

	return zero, fmt.Errorf("%s: %w after %d attempts: %w", name, ErrRetriesExhausted, e.maxAttempts, lastErr)
}

// Send retries a boolean operation; false counts as a failed attempt. It
// never returns an error: exhaustion and cancellation both yield false.
func (e *Executor) Send(ctx context.Context, name string, op func(context.Context) bool) bool {
	ok, err := ExecuteWithRetry(ctx, e, name, func(ctx context.Context) (bool, error) {
		if !op(ctx) {
			return false, errors.New("not accepted by transport")
		}
		return true, nil
	})
	return err == nil && ok
}

func (e *Executor) record(ctx context.Context, name string, attempt int, d time.Duration, err error) {
	var msg string
	if attempt < e.maxAttempts {
		msg = fmt.Sprintf("%s attempt %d/%d failed, retrying in %s", name, attempt, e.maxAttempts, d.Round(time.Millisecond))
	} else {
		msg = fmt.Sprintf("%s attempt %d/%d failed, giving up", name, attempt, e.maxAttempts)
	}

	e.logger.Warn().
		Str("operation", name).
		Int("attempt", attempt).
		Int("max_attempts", e.maxAttempts).
		Dur("delay", d).
		Err(err).
		Msg("retry: attempt failed")

	if e.sink != nil {
		e.sink.Record(ctx, model.CategoryRetry, msg, err.Error())
	}
}

func guard[T any](ctx context.Context, op func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return op(ctx)
}

func uniformJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return rand.N(base)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
