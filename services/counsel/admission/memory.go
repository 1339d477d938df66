// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package admission

import (
	"context"
	"sync"
	"time"

	"github.com/briefwise/briefwise/pkg/logging"
)

// window is one identifier's state: a start instant and a count.
type window struct {
	start time.Time
	count int
}

// MemoryLimiter is the in-process fixed-window limiter.
//
// State is a map guarded by a mutex; each Check is a single map lookup
// and increment. A background sweeper drops windows that have been
// expired for a full extra window, bounding memory to identifiers
// active in roughly the last two windows.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryLimiter struct {
	config Config
	logger *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// MemoryOption customizes MemoryLimiter construction.
type MemoryOption func(*MemoryLimiter)

// WithClock injects the time source. Tests use this.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) { l.now = now }
}

// WithSweepInterval overrides how often expired windows are dropped.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(l *MemoryLimiter) { l.sweepInterval = d }
}

// NewMemoryLimiter builds the limiter and starts its sweeper.
func NewMemoryLimiter(config Config, logger *logging.Logger, opts ...MemoryOption) *MemoryLimiter {
	if logger == nil {
		logger = logging.Default()
	}
	l := &MemoryLimiter{
		config:        config,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		windows:       make(map[string]*window),
		sweepInterval: 5 * time.Minute,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.sweepLoop()
	return l
}

// Check implements RateLimiter.
func (l *MemoryLimiter) Check(_ context.Context, identifier string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identifier]
	if !ok || now.Sub(w.start) >= l.config.Window {
		w = &window{start: now}
		l.windows[identifier] = w
	}
	reset := w.start.Add(l.config.Window)

	if w.count >= l.config.Limit {
		return Decision{Allowed: false, Remaining: 0, ResetTime: reset}
	}
	w.count++
	return Decision{
		Allowed:   true,
		Remaining: l.config.Limit - w.count,
		ResetTime: reset,
	}
}

// Close stops the sweeper. Safe to call more than once.
func (l *MemoryLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.done:
			return
		}
	}
}

// sweep drops windows expired for at least one extra window, so a
// denied identifier's reset time stays observable until irrelevant.
func (l *MemoryLimiter) sweep() {
	now := l.now()
	cutoff := 2 * l.config.Window

	l.mu.Lock()
	before := len(l.windows)
	for id, w := range l.windows {
		if now.Sub(w.start) >= cutoff {
			delete(l.windows, id)
		}
	}
	after := len(l.windows)
	l.mu.Unlock()

	if before != after {
		l.logger.Debug("rate limiter sweep", "dropped", before-after, "tracked", after)
	}
}

// tracked returns the number of live windows. For tests.
func (l *MemoryLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

var _ RateLimiter = (*MemoryLimiter)(nil)
