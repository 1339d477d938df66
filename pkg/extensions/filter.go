// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import "context"

// FilterResult is the outcome of running a MessageFilter over text.
type FilterResult struct {
	// Content is the (possibly transformed) text. When no transformation
	// applied, it equals the input.
	Content string

	// Modified reports whether Content differs from the input.
	Modified bool

	// Detections lists what the filter found, whether or not it
	// transformed anything.
	Detections []Detection
}

// Detection is one finding from a filter pass.
type Detection struct {
	// Type is the finding category: "pii.email", "pii.ssn",
	// "secret.api_key".
	Type string

	// Start and End are rune offsets into the original text.
	Start int
	End   int

	// Replacement is what the span was rewritten to, if Modified.
	Replacement string
}

// MessageFilter transforms text at pipeline boundaries.
//
// FilterInput runs on user messages after guardrail screening and before
// quota reservation, so redacted text is what gets persisted and sent to
// the model. FilterOutput runs on assembled model responses before
// persistence. Implementations must be safe for concurrent use.
type MessageFilter interface {
	FilterInput(ctx context.Context, message string) (*FilterResult, error)
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)
}

// NopMessageFilter passes text through unchanged. The self-hosted default.
type NopMessageFilter struct{}

func (f *NopMessageFilter) FilterInput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Content: message}, nil
}

func (f *NopMessageFilter) FilterOutput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Content: message}, nil
}

var _ MessageFilter = (*NopMessageFilter)(nil)
