// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor backoff defaults.
const (
	DefaultReconnectInitialDelay = time.Second
	DefaultReconnectMaxDelay     = 2 * time.Minute
	DefaultReconnectFactor       = 2.0
)

// ErrSupervisorStopped is returned by Run when Stop is called while a
// retry is pending.
var ErrSupervisorStopped = errors.New("reconnection supervisor stopped")

// SupervisorConfig tunes the reconnection backoff. Zero values fall back
// to the defaults above; MaxRetries of zero retries indefinitely.
type SupervisorConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	MaxRetries   int
}

// Supervisor wraps a connection-establishing operation with exponential
// backoff, retrying until it succeeds. The delay and attempt counter reset
// on every successful connect, so a later disconnect starts a fresh
// backoff sequence.
type Supervisor struct {
	log zerolog.Logger
	cfg SupervisorConfig

	mu       sync.Mutex
	delay    time.Duration
	attempts int

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewSupervisor creates a supervisor for one connection.
func NewSupervisor(cfg SupervisorConfig, log zerolog.Logger) *Supervisor {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultReconnectInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.Factor < 1 {
		cfg.Factor = DefaultReconnectFactor
	}
	return &Supervisor{
		log:      log.With().Str("component", "reconnect").Logger(),
		cfg:      cfg,
		delay:    cfg.InitialDelay,
		stopChan: make(chan struct{}),
	}
}

// Run calls connect until it succeeds, sleeping the backoff delay between
// failures. It returns nil on success, ErrSupervisorStopped after Stop,
// the context error on cancellation, or a terminal error once MaxRetries
// is exhausted.
func (s *Supervisor) Run(ctx context.Context, connect func(ctx context.Context) error) error {
	for {
		err := connect(ctx)
		if err == nil {
			s.reset()
			return nil
		}

		s.mu.Lock()
		s.attempts++
		attempts := s.attempts
		delay := s.delay
		next := time.Duration(float64(s.delay) * s.cfg.Factor)
		if next > s.cfg.MaxDelay {
			next = s.cfg.MaxDelay
		}
		s.delay = next
		s.mu.Unlock()

		if s.cfg.MaxRetries > 0 && attempts >= s.cfg.MaxRetries {
			return fmt.Errorf("giving up after %d connect attempts: %w", attempts, err)
		}

		s.log.Warn().Err(err).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("Connect failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopChan:
			return ErrSupervisorStopped
		case <-time.After(delay):
		}
	}
}

// Stop cancels a pending retry. Used during shutdown.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// reset restores the initial delay and clears the attempt counter.
func (s *Supervisor) reset() {
	s.mu.Lock()
	s.delay = s.cfg.InitialDelay
	s.attempts = 0
	s.mu.Unlock()
}
