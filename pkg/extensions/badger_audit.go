// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerAuditConfig configures the embedded audit store.
type BadgerAuditConfig struct {
	// Path is the Badger directory. Ignored when InMemory is true.
	Path string

	// InMemory runs Badger without disk persistence. For tests.
	InMemory bool

	// Retention is how long events are kept. Zero means forever.
	Retention time.Duration

	// GCInterval controls value-log garbage collection. Zero disables GC.
	GCInterval time.Duration
}

// DefaultBadgerAuditConfig returns the production defaults: 90-day
// retention with hourly GC.
func DefaultBadgerAuditConfig(path string) BadgerAuditConfig {
	return BadgerAuditConfig{
		Path:       path,
		Retention:  90 * 24 * time.Hour,
		GCInterval: time.Hour,
	}
}

// BadgerAuditLogger is an append-only AuditLogger backed by an embedded
// Badger store. Events are keyed by timestamp so Query can iterate in
// reverse chronological order without a secondary index.
//
// Writes are synchronous; Badger batches to its WAL internally, which has
// kept Log well under a millisecond in practice.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerAuditLogger struct {
	db     *badger.DB
	config BadgerAuditConfig
	seq    atomic.Uint64

	gcDone chan struct{}
	gcOnce sync.Once
}

// NewBadgerAuditLogger opens (or creates) the audit store at the
// configured path and starts the GC loop if enabled.
func NewBadgerAuditLogger(config BadgerAuditConfig) (*BadgerAuditLogger, error) {
	opts := badger.DefaultOptions(config.Path).WithLogger(nil)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	l := &BadgerAuditLogger{
		db:     db,
		config: config,
		gcDone: make(chan struct{}),
	}
	if config.GCInterval > 0 && !config.InMemory {
		go l.runGC()
	}
	return l, nil
}

// auditKey orders events by time; the sequence suffix disambiguates
// events recorded in the same nanosecond.
func (l *BadgerAuditLogger) auditKey(ts time.Time) []byte {
	return []byte(fmt.Sprintf("audit:%020d:%08d", ts.UnixNano(), l.seq.Add(1)))
}

// Log appends one event. The event's Timestamp is set to now (UTC) if
// zero, and the entry inherits the configured retention as its TTL.
func (l *BadgerAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.EventType == "" {
		return fmt.Errorf("audit event missing EventType")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(l.auditKey(event.Timestamp), payload)
		if l.config.Retention > 0 {
			entry = entry.WithTTL(l.config.Retention)
		}
		return txn.SetEntry(entry)
	})
}

// Query scans events newest-first and applies the filter in memory.
// The store is bounded by retention, so a full reverse scan stays cheap
// for the admin/debug use this serves.
func (l *BadgerAuditLogger) Query(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var events []AuditEvent
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte("audit:")
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past the prefix range.
		for it.Seek([]byte("audit;")); it.Valid() && len(events) < limit; it.Next() {
			var event AuditEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return err
			}
			if matchesFilter(event, filter) {
				events = append(events, event)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query audit store: %w", err)
	}
	if events == nil {
		events = []AuditEvent{}
	}
	return events, nil
}

// Flush is a no-op; writes are synchronous.
func (l *BadgerAuditLogger) Flush(_ context.Context) error {
	return nil
}

// Close stops GC and closes the store.
func (l *BadgerAuditLogger) Close() error {
	l.gcOnce.Do(func() { close(l.gcDone) })
	return l.db.Close()
}

func (l *BadgerAuditLogger) runGC() {
	ticker := time.NewTicker(l.config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Rerun while GC keeps finding garbage, as badger docs advise.
			for l.db.RunValueLogGC(0.5) == nil {
			}
		case <-l.gcDone:
			return
		}
	}
}

func matchesFilter(event AuditEvent, filter AuditFilter) bool {
	if len(filter.EventTypes) > 0 {
		found := false
		for _, t := range filter.EventTypes {
			if event.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.UserID != "" && event.UserID != filter.UserID {
		return false
	}
	if filter.ResourceType != "" && event.ResourceType != filter.ResourceType {
		return false
	}
	if filter.Outcome != "" && event.Outcome != filter.Outcome {
		return false
	}
	if !filter.StartTime.IsZero() && event.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && !event.Timestamp.Before(filter.EndTime) {
		return false
	}
	return true
}

var _ AuditLogger = (*BadgerAuditLogger)(nil)
