// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// Audit event types emitted by the counsel pipeline. Format is
// "category.action" so downstream systems can filter by prefix.
const (
	EventGuardrailRejected = "guardrail.rejected"
	EventGuardrailFailOpen = "guardrail.fail_open"
	EventQuotaDenied       = "quota.denied"
	EventRateLimited       = "rate.limited"
	EventChatStream        = "chat.stream"
	EventRetentionEvicted  = "retention.evicted"
	EventAuthFailed        = "auth.failed"
)

// AuditEvent is one security-relevant event in the compliance trail.
//
// For regulatory reporting always populate UserID and Timestamp; set
// ResourceType/ResourceID when the event concerns stored data so data
// lineage queries work.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    extensions.EventGuardrailRejected,
//	    UserID:       authInfo.UserID,
//	    Action:       "screen",
//	    ResourceType: "message",
//	    Outcome:      "blocked",
//	    Metadata: extensions.NewMetadata().
//	        Set("reason", verdict.Reason).
//	        Set("confidence", verdict.Confidence),
//	}
type AuditEvent struct {
	// EventType categorizes the event. Use the Event* constants where
	// one fits.
	EventType string

	// Timestamp is when the event occurred, in UTC. Implementations set
	// it to time.Now().UTC() when zero.
	Timestamp time.Time

	// UserID identifies who triggered the event. Use "system" for
	// automated actions such as retention sweeps.
	UserID string

	// Action is the operation attempted: "screen", "reserve", "stream",
	// "evict".
	Action string

	// ResourceType is the resource category: "message", "conversation",
	// "usage_counter".
	ResourceType string

	// ResourceID names the specific instance, when one exists.
	ResourceID string

	// Outcome is one of "success", "failure", "blocked", "error".
	Outcome string

	// Metadata carries event-specific detail. This is the ONLY place
	// rejected message excerpts may appear; they never reach client
	// responses or regular logs.
	Metadata Metadata
}

// AuditFilter selects events for Query. Zero-valued fields are ignored;
// populated fields combine with AND.
type AuditFilter struct {
	EventTypes   []string
	UserID       string
	StartTime    time.Time // inclusive
	EndTime      time.Time // exclusive
	ResourceType string
	Outcome      string
	Limit        int // 0 means implementation default
}

// AuditLogger records security-relevant events.
//
// Log is called on the request path and must return quickly; buffer and
// flush asynchronously if persistence is slow. Implementations must be
// safe for concurrent use.
type AuditLogger interface {
	// Log records one event, setting Timestamp if zero.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events ordered by Timestamp descending.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists any buffered events. Call before shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events. The self-hosted default.
type NopAuditLogger struct{}

func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error { return nil }

func (l *NopAuditLogger) Query(_ context.Context, _ AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

func (l *NopAuditLogger) Flush(_ context.Context) error { return nil }

var _ AuditLogger = (*NopAuditLogger)(nil)
