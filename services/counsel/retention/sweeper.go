// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retention re-enforces the per-user conversation cap in the
// background. Eviction normally happens inline when a conversation is
// created; the sweeper repairs any excess that slips past (crashed
// requests, manual data loads, a lowered cap).
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/briefwise/briefwise/pkg/extensions"
	"github.com/briefwise/briefwise/pkg/logging"
)

// sweeperStore is the slice of storage.Store the sweeper drives.
type sweeperStore interface {
	ListUsersOverCap(ctx context.Context, cap int) ([]string, error)
	EnforceRetentionCap(ctx context.Context, userID string, cap int) (int, error)
}

// Config controls the sweeper.
type Config struct {
	// MaxConversations is the live-conversation cap per user.
	MaxConversations int

	// Interval between sweeps.
	Interval time.Duration
}

// Sweeper periodically evicts conversations over the retention cap.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine. Stop is
// idempotent and blocks until the sweep loop has exited.
type Sweeper struct {
	store  sweeperStore
	config Config
	audit  extensions.AuditLogger
	logger *logging.Logger
	now    func() time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper builds a stopped sweeper; call Start to begin sweeping.
func NewSweeper(store sweeperStore, config Config, audit extensions.AuditLogger, logger *logging.Logger, opts ...SweeperOption) *Sweeper {
	if config.MaxConversations <= 0 {
		config.MaxConversations = 25
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Sweeper{
		store:  store,
		config: config,
		audit:  audit,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. The loop stops when Stop is called or
// ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil {
					s.logger.Error("retention sweep failed", "error", err)
				}
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// SweepOnce runs a single full sweep and returns the number of
// conversations evicted. A failure for one user does not stop the
// sweep for the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	start := s.now()
	users, err := s.store.ListUsersOverCap(ctx, s.config.MaxConversations)
	if err != nil {
		return 0, err
	}
	if len(users) == 0 {
		return 0, nil
	}

	total := 0
	for _, userID := range users {
		evicted, err := s.store.EnforceRetentionCap(ctx, userID, s.config.MaxConversations)
		if err != nil {
			s.logger.Error("retention enforcement failed", "user_id", userID, "error", err)
			continue
		}
		if evicted == 0 {
			continue
		}
		total += evicted
		if err := s.audit.Log(ctx, extensions.AuditEvent{
			EventType:    extensions.EventRetentionEvicted,
			Timestamp:    s.now(),
			UserID:       userID,
			Action:       "retention.sweep",
			ResourceType: "conversation",
			Outcome:      "evicted",
			Metadata: extensions.NewMetadata().
				Set("evicted", evicted).
				Set("cap", s.config.MaxConversations),
		}); err != nil {
			s.logger.Error("audit write failed", "user_id", userID, "error", err)
		}
	}

	s.logger.Info("retention sweep complete",
		"users_over_cap", len(users),
		"evicted", total,
		"duration", s.now().Sub(start).String())
	return total, nil
}
