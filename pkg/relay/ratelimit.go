// Copyright 2024-2026 Aiku AI

package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults for the send limiter.
const (
	DefaultRateWindow    = 60 * time.Second
	DefaultRateLimit     = 20
	DefaultRateSweepTick = 5 * time.Minute
)

// RateLimiter is sliding-window send admission control, one window per
// target platform. Rejected sends are dropped, not queued: the caller logs
// and moves on.
type RateLimiter struct {
	log zerolog.Logger

	window       time.Duration
	defaultLimit int
	clock        func() time.Time

	mu      sync.Mutex
	limits  map[string]int
	windows map[string][]time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// RateLimiterConfig tunes the limiter. Zero values fall back to defaults.
type RateLimiterConfig struct {
	Window       time.Duration
	DefaultLimit int
	// Limits overrides the default for specific platforms.
	Limits map[string]int
	// SweepInterval controls how often stale entries are trimmed.
	SweepInterval time.Duration
	// Clock is overridable for tests.
	Clock func() time.Time
}

// NewRateLimiter creates a limiter and starts its sweep goroutine.
func NewRateLimiter(cfg RateLimiterConfig, log zerolog.Logger) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateWindow
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultRateLimit
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultRateSweepTick
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	limits := make(map[string]int, len(cfg.Limits))
	for platform, limit := range cfg.Limits {
		limits[platform] = limit
	}
	rl := &RateLimiter{
		log:          log.With().Str("component", "ratelimit").Logger(),
		window:       cfg.Window,
		defaultLimit: cfg.DefaultLimit,
		clock:        cfg.Clock,
		limits:       limits,
		windows:      make(map[string][]time.Time),
		stopChan:     make(chan struct{}),
	}
	go rl.sweepLoop(cfg.SweepInterval)
	return rl
}

// Stop terminates the sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopChan)
	})
}

// CanSend reports whether another send to the platform fits inside the
// trailing window.
func (rl *RateLimiter) CanSend(platform string) bool {
	now := rl.clock()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	count := 0
	for _, ts := range rl.windows[platform] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count < rl.limitFor(platform)
}

// RecordSend appends a timestamped entry to the platform's window.
func (rl *RateLimiter) RecordSend(platform string) {
	now := rl.clock()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.windows[platform] = append(rl.windows[platform], now)
}

// Pending returns the number of recorded sends still inside the window,
// for status reporting.
func (rl *RateLimiter) Pending(platform string) int {
	cutoff := rl.clock().Add(-rl.window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	count := 0
	for _, ts := range rl.windows[platform] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

func (rl *RateLimiter) limitFor(platform string) int {
	if limit, ok := rl.limits[platform]; ok && limit > 0 {
		return limit
	}
	return rl.defaultLimit
}

func (rl *RateLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep trims entries older than twice the window. Entries between one and
// two windows old are kept for inspection.
func (rl *RateLimiter) sweep() {
	cutoff := rl.clock().Add(-2 * rl.window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for platform, entries := range rl.windows {
		kept := entries[:0]
		for _, ts := range entries {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(rl.windows, platform)
			continue
		}
		rl.windows[platform] = kept
	}
}
