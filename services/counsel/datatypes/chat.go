// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides request and response types for the counsel
// service HTTP API. Stream frame types live in frames.go; conversation
// and usage DTOs in conversation.go.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes bounds one message body at the transport
	// layer. Byte length, not rune count, so oversized multi-byte
	// payloads cannot slip past. The guardrail applies its own tighter
	// character ceiling afterwards.
	MaxMessageContentBytes = 64 * 1024 // 64KB

	// MaxTitleBytes bounds user-supplied conversation titles.
	MaxTitleBytes = 256
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// counselValidate is the validator for counsel datatypes, initialized
// with custom rules in init().
var counselValidate *validator.Validate

func init() {
	counselValidate = validator.New()
	_ = counselValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = counselValidate.RegisterValidation("maxtitlebytes", validateMaxTitleBytes)
}

// validateMaxBytes enforces the byte ceiling on message content.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

func validateMaxTitleBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxTitleBytes
}

// =============================================================================
// Chat Stream Request
// =============================================================================

// ChatStreamRequest is the body of POST /v1/chat/stream.
//
// ConversationID is optional: empty means start a new conversation, and
// the assigned ID is returned in the response headers before the stream
// begins. When set it must be a UUID v4 owned by the caller.
//
// Content is the user's message. It must be non-empty after whitespace
// trimming (checked downstream) and no larger than 64KB on the wire.
type ChatStreamRequest struct {
	ConversationID string `json:"conversation_id" validate:"omitempty,uuid4"`
	Content        string `json:"content" validate:"required,maxbytes"`
}

// Validate checks field constraints. Returns a descriptive error for
// the first failing field.
func (r *ChatStreamRequest) Validate() error {
	if err := counselValidate.Struct(r); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			switch e.Tag() {
			case "required":
				return fmt.Errorf("field %s is required", e.Field())
			case "uuid4":
				return fmt.Errorf("field %s must be a UUID v4", e.Field())
			case "maxbytes":
				return fmt.Errorf("field %s exceeds %d bytes", e.Field(), MaxMessageContentBytes)
			}
			return fmt.Errorf("field %s failed validation %s", e.Field(), e.Tag())
		}
		return err
	}
	return nil
}

// =============================================================================
// Error Response
// =============================================================================

// ErrorResponse is the JSON body for non-streaming error replies.
type ErrorResponse struct {
	Error string `json:"error"`
}
