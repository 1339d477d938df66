// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/briefwise/briefwise/pkg/extensions"
)

type fakeSweeperStore struct {
	mu       sync.Mutex
	overCap  []string
	evicted  map[string]int
	failFor  map[string]bool
	enforced []string
}

func (f *fakeSweeperStore) ListUsersOverCap(_ context.Context, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overCap, nil
}

func (f *fakeSweeperStore) EnforceRetentionCap(_ context.Context, userID string, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enforced = append(f.enforced, userID)
	if f.failFor[userID] {
		return 0, errors.New("storage failure")
	}
	return f.evicted[userID], nil
}

type captureAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (a *captureAudit) Log(_ context.Context, event extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *captureAudit) Query(_ context.Context, _ extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	return nil, nil
}

func (a *captureAudit) Flush(_ context.Context) error { return nil }

func TestSweepOnce(t *testing.T) {
	store := &fakeSweeperStore{
		overCap: []string{"u-1", "u-2", "u-3"},
		evicted: map[string]int{"u-1": 2, "u-3": 1},
		failFor: map[string]bool{"u-2": true},
	}
	audit := &captureAudit{}
	s := NewSweeper(store, Config{MaxConversations: 25}, audit, nil)

	total, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("evicted total = %d", total)
	}
	// The u-2 failure must not stop the sweep for u-3.
	if len(store.enforced) != 3 {
		t.Errorf("enforced for %v", store.enforced)
	}
	// Only users with actual evictions are audited.
	if len(audit.events) != 2 {
		t.Fatalf("audit events: %d", len(audit.events))
	}
	for _, ev := range audit.events {
		if ev.EventType != extensions.EventRetentionEvicted {
			t.Errorf("event type %q", ev.EventType)
		}
	}
}

func TestSweepOnceNoWork(t *testing.T) {
	store := &fakeSweeperStore{}
	audit := &captureAudit{}
	s := NewSweeper(store, Config{MaxConversations: 25}, audit, nil)

	total, err := s.SweepOnce(context.Background())
	if err != nil || total != 0 {
		t.Errorf("total=%d err=%v", total, err)
	}
	if len(audit.events) != 0 {
		t.Errorf("audit events on empty sweep: %d", len(audit.events))
	}
}

func TestStartStop(t *testing.T) {
	store := &fakeSweeperStore{overCap: []string{"u-1"}, evicted: map[string]int{"u-1": 1}}
	s := NewSweeper(store, Config{MaxConversations: 25, Interval: 10 * time.Millisecond}, nil, nil)

	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		ran := len(store.enforced) > 0
		store.mu.Unlock()
		if ran {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep loop never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	s.Stop() // idempotent

	store.mu.Lock()
	after := len(store.enforced)
	store.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	store.mu.Lock()
	final := len(store.enforced)
	store.mu.Unlock()
	if final != after {
		t.Error("sweep loop still running after Stop")
	}
}
