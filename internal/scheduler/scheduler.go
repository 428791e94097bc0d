// Package scheduler drives a periodic tick function with an error cooldown
// and on-demand triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const DefaultCooldown = 60 * time.Second

type Option func(*Scheduler)

// WithCooldown sets the wait after a failed tick. Non-positive values are
// ignored.
func WithCooldown(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

type Scheduler struct {
	interval time.Duration
	cooldown time.Duration
	tickFn   func(context.Context) error
	logger   zerolog.Logger

	running atomic.Bool
	trigger chan struct{}

	// tickMu orders Trigger against tick start so a request never queues
	// behind a tick that is already running.
	tickMu sync.Mutex
	inTick bool

	lastMu  sync.Mutex
	lastRun time.Time
	lastErr error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, tickFn func(context.Context) error, opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	s := &Scheduler{
		interval: interval,
		cooldown: DefaultCooldown,
		tickFn:   tickFn,
		logger:   zerolog.Nop(),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With().Str("component", "scheduler").Logger()
	return s, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.loop(ctx, s.done)

	return true
}

// Stop cancels pending waits and blocks until the in-flight tick returns.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.logger.Info().Msg("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Trigger requests a tick ahead of schedule. It returns false when the
// scheduler is not running, when a tick is in progress (the request is
// dropped) and when a request is already pending.
func (s *Scheduler) Trigger() bool {
	if !s.running.Load() {
		return false
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.inTick {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

type Status struct {
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	Cooldown  time.Duration `json:"cooldown"`
	LastRun   *time.Time    `json:"lastRun,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

func (s *Scheduler) Status() Status {
	st := Status{
		Running:  s.running.Load(),
		Interval: s.interval,
		Cooldown: s.cooldown,
	}

	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.logger.Info().Dur("interval", s.interval).Dur("cooldown", s.cooldown).Msg("scheduler started")

	for {
		wait := s.interval
		if err := s.runTick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Dur("cooldown", s.cooldown).Msg("scheduler tick failed")
			wait = s.cooldown
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("scheduler stopping")
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}
	}
}

// runTick marks the tick in progress and discards a trigger that was
// pending when it began, since this tick serves it.
func (s *Scheduler) runTick(ctx context.Context) error {
	s.tickMu.Lock()
	s.inTick = true
	select {
	case <-s.trigger:
	default:
	}
	s.tickMu.Unlock()

	defer func() {
		s.tickMu.Lock()
		s.inTick = false
		s.tickMu.Unlock()
	}()
	return s.safeTick(ctx)
}

func (s *Scheduler) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("scheduler tick panic recovered")
			err = fmt.Errorf("tick panic: %v", r)
		}

		s.lastMu.Lock()
		s.lastRun = time.Now()
		s.lastErr = err
		s.lastMu.Unlock()
	}()

	start := time.Now()
	err = s.tickFn(ctx)
	s.logger.Debug().Dur("duration", time.Since(start)).Msg("scheduler tick completed")
	return err
}
