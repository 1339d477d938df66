// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ConversationSummary is one row of GET /v1/conversations.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageView is one message of GET /v1/conversations/:id.
type MessageView struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationDetail is the body of GET /v1/conversations/:id.
type ConversationDetail struct {
	ConversationSummary
	Messages []MessageView `json:"messages"`
}

// RenameConversationRequest is the body of PATCH /v1/conversations/:id.
type RenameConversationRequest struct {
	Title string `json:"title" validate:"required,maxtitlebytes"`
}

// Validate checks field constraints.
func (r *RenameConversationRequest) Validate() error {
	if err := counselValidate.Struct(r); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			if e.Tag() == "required" {
				return fmt.Errorf("field %s is required", e.Field())
			}
			return fmt.Errorf("field %s exceeds %d bytes", e.Field(), MaxTitleBytes)
		}
		return err
	}
	return nil
}

// UsageSnapshotResponse is the body of GET /v1/usage. Remaining and
// PercentUsed are already clamped server-side.
type UsageSnapshotResponse struct {
	Period      string  `json:"period"` // YYYY-MM
	PeriodStart string  `json:"periodStart"`
	PeriodEnd   string  `json:"periodEnd"`
	Used        int     `json:"used"`
	Limit       int     `json:"limit"`
	Remaining   int     `json:"remaining"`
	PercentUsed float64 `json:"percentUsed"`
	Plan        string  `json:"plan"`   // "free", plan ID, or "override"
	Source      string  `json:"source"` // "free", "subscription", or "override"
}
