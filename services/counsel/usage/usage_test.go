// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package usage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/briefwise/briefwise/services/counsel/storage"
)

func TestPeriodKey(t *testing.T) {
	utc := time.UTC
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		t    time.Time
		loc  *time.Location
		want string
	}{
		{"mid month", time.Date(2026, 3, 15, 10, 0, 0, 0, utc), utc, "2026-03"},
		{"last instant of month", time.Date(2026, 3, 31, 23, 59, 59, 0, utc), utc, "2026-03"},
		{"first instant of month", time.Date(2026, 4, 1, 0, 0, 0, 0, utc), utc, "2026-04"},
		// 2026-04-01 02:00 UTC is still March 31 in New York.
		{"reference zone decides", time.Date(2026, 4, 1, 2, 0, 0, 0, utc), ny, "2026-03"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PeriodKey(tc.t, tc.loc); got != tc.want {
				t.Errorf("PeriodKey = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNextReset(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if got := NextReset(now, time.UTC); !got.Equal(want) {
		t.Errorf("NextReset = %v, want %v", got, want)
	}
	// December rolls into the next year.
	dec := time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)
	wantJan := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := NextReset(dec, time.UTC); !got.Equal(wantJan) {
		t.Errorf("NextReset(dec) = %v, want %v", got, wantJan)
	}
}

func TestParsePeriod(t *testing.T) {
	if _, err := ParsePeriod("2026-03"); err != nil {
		t.Errorf("valid period rejected: %v", err)
	}
	for _, bad := range []string{"2026-13", "2026", "march"} {
		if _, err := ParsePeriod(bad); err == nil {
			t.Errorf("ParsePeriod(%q) accepted", bad)
		}
	}
}

// fakeLedgerStore stubs the storage reads the ledger performs.
type fakeLedgerStore struct {
	used map[string]int
	subs map[string]*storage.Subscription
}

func (f *fakeLedgerStore) GetUsage(_ context.Context, userID, period string) (int, error) {
	return f.used[userID+"/"+period], nil
}

func (f *fakeLedgerStore) GetSubscription(_ context.Context, userID string) (*storage.Subscription, error) {
	sub, ok := f.subs[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return sub, nil
}

func newTestLedger(t *testing.T, store ledgerStore, overrides *OverrideTable) *Ledger {
	t.Helper()
	l, err := NewLedger(store, LedgerConfig{
		FreeLimit: 10,
		PlanLimits: map[string]int{
			"starter":      200,
			"professional": 1000,
		},
		Timezone:  "UTC",
		Overrides: overrides,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }
	return l
}

func TestLimitForPrecedence(t *testing.T) {
	store := &fakeLedgerStore{
		used: map[string]int{},
		subs: map[string]*storage.Subscription{
			"sub-active":   {UserID: "sub-active", PlanID: "starter", Status: storage.StatusActive},
			"sub-trial":    {UserID: "sub-trial", PlanID: "professional", Status: storage.StatusTrialing},
			"sub-canceled": {UserID: "sub-canceled", PlanID: "professional", Status: "canceled"},
			"sub-unknown":  {UserID: "sub-unknown", PlanID: "legacy-gold", Status: storage.StatusActive},
			"sub-override": {UserID: "sub-override", PlanID: "starter", Status: storage.StatusActive},
		},
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	if err := os.WriteFile(path, []byte("overrides:\n  sub-override: 5000\n  blocked-user: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	overrides, err := NewOverrideTable(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer overrides.Close()

	ledger := newTestLedger(t, store, overrides)
	ctx := context.Background()

	cases := []struct {
		user      string
		wantLimit int
		wantPlan  string
	}{
		{"no-sub", 10, PlanFree},
		{"sub-active", 200, "starter"},
		{"sub-trial", 1000, "professional"},
		{"sub-canceled", 10, PlanFree},
		{"sub-unknown", 10, PlanFree},
		{"sub-override", 5000, PlanOverride}, // override beats subscription
		{"blocked-user", 0, PlanOverride},    // zero override blocks
	}
	for _, tc := range cases {
		t.Run(tc.user, func(t *testing.T) {
			limit, plan, err := ledger.LimitFor(ctx, tc.user)
			if err != nil {
				t.Fatal(err)
			}
			if limit != tc.wantLimit || plan != tc.wantPlan {
				t.Errorf("LimitFor = (%d, %q), want (%d, %q)", limit, plan, tc.wantLimit, tc.wantPlan)
			}
		})
	}
}

func TestSnapshotClampsRemaining(t *testing.T) {
	store := &fakeLedgerStore{
		used: map[string]int{
			"u-1/2026-03": 9,
			"u-2/2026-03": 15, // over the free limit after a plan downgrade
		},
		subs: map[string]*storage.Subscription{},
	}
	ledger := newTestLedger(t, store, nil)
	ctx := context.Background()

	snap, err := ledger.SnapshotFor(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Used != 9 || snap.Limit != 10 || snap.Remaining != 1 {
		t.Errorf("snapshot: %+v", snap)
	}
	if snap.Period != "2026-03" {
		t.Errorf("period = %q", snap.Period)
	}
	if want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC); !snap.ResetsAt.Equal(want) {
		t.Errorf("resets at %v", snap.ResetsAt)
	}
	if want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC); !snap.PeriodStart.Equal(want) {
		t.Errorf("period start %v", snap.PeriodStart)
	}
	if snap.PercentUsed != 90 {
		t.Errorf("percent used = %v, want 90", snap.PercentUsed)
	}
	if snap.Source != SourceFree {
		t.Errorf("source = %q, want %q", snap.Source, SourceFree)
	}

	over, err := ledger.SnapshotFor(ctx, "u-2")
	if err != nil {
		t.Fatal(err)
	}
	if over.Remaining != 0 {
		t.Errorf("remaining not clamped: %d", over.Remaining)
	}
	if over.PercentUsed != 100 {
		t.Errorf("percent used not capped: %v", over.PercentUsed)
	}
}

func TestOverrideTableHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	if err := os.WriteFile(path, []byte("overrides:\n  u-1: 100\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := NewOverrideTable(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer table.Close()

	if limit, ok := table.Get("u-1"); !ok || limit != 100 {
		t.Fatalf("initial load: %d, %v", limit, ok)
	}

	if err := os.WriteFile(path, []byte("overrides:\n  u-2: 300\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if limit, ok := table.Get("u-2"); ok && limit == 300 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reload did not pick up new override")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := table.Get("u-1"); ok {
		t.Error("removed override still present after reload")
	}
}

func TestOverrideTableKeepsLastGoodOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	if err := os.WriteFile(path, []byte("overrides:\n  u-1: 100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := NewOverrideTable(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer table.Close()

	if err := os.WriteFile(path, []byte("overrides: [not: valid: yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to process the bad write.
	time.Sleep(200 * time.Millisecond)

	if limit, ok := table.Get("u-1"); !ok || limit != 100 {
		t.Errorf("last good table lost: %d, %v", limit, ok)
	}
}

func TestOverrideTableMissingFile(t *testing.T) {
	dir := t.TempDir()
	table, err := NewOverrideTable(filepath.Join(dir, "absent.yaml"), nil)
	if err != nil {
		t.Fatalf("missing file should be valid: %v", err)
	}
	defer table.Close()
	if table.Len() != 0 {
		t.Errorf("table not empty: %d", table.Len())
	}
}
