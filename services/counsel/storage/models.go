// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import "time"

// Sender values for messages.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Subscription status values considered entitled.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
)

// Conversation is one chat thread owned by a user.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one turn within a conversation. Token counts are zero for
// user messages and populated on assistant messages at finalize.
type Message struct {
	ID              string
	ConversationID  string
	Sender          string
	Content         string
	PromptTokens    int
	CandidateTokens int
	TotalTokens     int
	CreatedAt       time.Time
}

// Subscription is a user's billing plan as mirrored from the billing
// system. Only StatusActive and StatusTrialing grant plan entitlements.
type Subscription struct {
	UserID    string
	PlanID    string
	Status    string
	UpdatedAt time.Time
}

// UsageCounter is one user's message count for one calendar-month
// period (YYYY-MM).
type UsageCounter struct {
	UserID string
	Period string
	Used   int
}

// SuspiciousQuery is a guardrail rejection record. Excerpt is bounded
// at write time; it exists for abuse review, never for client display.
type SuspiciousQuery struct {
	ID         string
	UserID     string
	Excerpt    string
	Reason     string
	Confidence float64
	CreatedAt  time.Time
}
