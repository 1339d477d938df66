// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/briefwise/briefwise/pkg/logging"
	"github.com/briefwise/briefwise/services/counsel/storage"
)

// Plan labels reported in snapshots for non-subscription entitlements.
const (
	PlanFree     = "free"
	PlanOverride = "override"
)

// ledgerStore is the slice of storage the ledger reads.
type ledgerStore interface {
	GetUsage(ctx context.Context, userID, period string) (int, error)
	GetSubscription(ctx context.Context, userID string) (*storage.Subscription, error)
}

// Entitlement sources reported in snapshots.
const (
	SourceOverride     = "override"
	SourceSubscription = "subscription"
	SourceFree         = "free"
)

// Snapshot is one user's current-period quota state. Remaining is
// clamped to zero so limit decreases mid-period never report negative;
// PercentUsed is likewise capped at 100.
type Snapshot struct {
	Period      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Used        int
	Limit       int
	Remaining   int
	PercentUsed float64

	// Plan is the plan label; Source says where the entitlement came
	// from (override, subscription, or free).
	Plan   string
	Source string

	ResetsAt time.Time
}

// Ledger resolves entitlements and reads usage.
//
// Entitlement precedence: a support override wins outright, then an
// active or trialing subscription's plan limit, then the free tier.
// Cancelled or lapsed subscription states fall through to free. A
// subscription naming an unknown plan also falls through to free, with
// a warning, rather than guessing a limit.
//
// The ledger never writes counters; reservation happens inside the
// storage write transaction so the counter and the stored message move
// together.
type Ledger struct {
	store      ledgerStore
	freeLimit  int
	planLimits map[string]int
	loc        *time.Location
	overrides  *OverrideTable
	logger     *logging.Logger
	now        func() time.Time
}

// LedgerConfig configures the ledger.
type LedgerConfig struct {
	FreeLimit  int
	PlanLimits map[string]int
	Timezone   string

	// Overrides is optional; nil disables overrides.
	Overrides *OverrideTable
}

// NewLedger builds the ledger. The timezone must parse; it defines
// month boundaries for every user.
func NewLedger(store ledgerStore, config LedgerConfig, logger *logging.Logger) (*Ledger, error) {
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load quota timezone: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{
		store:      store,
		freeLimit:  config.FreeLimit,
		planLimits: config.PlanLimits,
		loc:        loc,
		overrides:  config.Overrides,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Period returns the current period key.
func (l *Ledger) Period() string {
	return PeriodKey(l.now(), l.loc)
}

// LimitFor resolves the user's current entitlement and its plan label.
func (l *Ledger) LimitFor(ctx context.Context, userID string) (int, string, error) {
	if l.overrides != nil {
		if limit, ok := l.overrides.Get(userID); ok {
			return limit, PlanOverride, nil
		}
	}

	sub, err := l.store.GetSubscription(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return l.freeLimit, PlanFree, nil
	case err != nil:
		return 0, "", fmt.Errorf("resolve subscription: %w", err)
	}

	if sub.Status != storage.StatusActive && sub.Status != storage.StatusTrialing {
		return l.freeLimit, PlanFree, nil
	}
	limit, ok := l.planLimits[sub.PlanID]
	if !ok {
		l.logger.Warn("subscription names unknown plan, using free tier",
			"user_id", userID, "plan_id", sub.PlanID)
		return l.freeLimit, PlanFree, nil
	}
	return limit, sub.PlanID, nil
}

// SnapshotFor returns the user's current-period usage state.
func (l *Ledger) SnapshotFor(ctx context.Context, userID string) (*Snapshot, error) {
	now := l.now()
	period := PeriodKey(now, l.loc)

	limit, plan, err := l.LimitFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	used, err := l.store.GetUsage(ctx, userID, period)
	if err != nil {
		return nil, err
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	percent := 0.0
	if limit > 0 {
		percent = float64(used) / float64(limit) * 100
		if percent > 100 {
			percent = 100
		}
	}

	source := SourceSubscription
	switch plan {
	case PlanOverride:
		source = SourceOverride
	case PlanFree:
		source = SourceFree
	}

	reset := NextReset(now, l.loc)
	return &Snapshot{
		Period:      period,
		PeriodStart: PeriodStart(now, l.loc),
		PeriodEnd:   reset,
		Used:        used,
		Limit:       limit,
		Remaining:   remaining,
		PercentUsed: percent,
		Plan:        plan,
		Source:      source,
		ResetsAt:    reset,
	}, nil
}
