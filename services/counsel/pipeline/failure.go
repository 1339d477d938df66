// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
	"net/http"
	"time"
)

// State names a position in the generation state machine.
type State string

const (
	StateAdmitted   State = "admitted"
	StateRefining   State = "refining"
	StateRetrieving State = "retrieving"
	StateGenerating State = "generating"
	StateStreaming  State = "streaming"
	StateDone       State = "done"
	StateErrored    State = "errored"
	StateRejected   State = "rejected"
)

// FailureKind discriminates pipeline failures. The transport boundary
// switches on it to pick a status code and client message.
type FailureKind string

const (
	FailRateLimited       FailureKind = "rate_limited"
	FailQuotaExceeded     FailureKind = "quota_exceeded"
	FailGuardrailRejected FailureKind = "guardrail_rejected"
	FailValidation        FailureKind = "validation"
	FailGenerationFailed  FailureKind = "generation_failed"
	FailStorageFailed     FailureKind = "storage_failed"
	FailTimeout           FailureKind = "timeout"
	FailCanceled          FailureKind = "canceled"
)

// Failure is a tagged pipeline error. Message is always safe to show
// to the client; internal detail stays in logs.
type Failure struct {
	Kind    FailureKind
	Status  int
	Message string

	// RetryAfter is set for rate-limit failures.
	RetryAfter time.Duration
}

func (f *Failure) Error() string {
	return fmt.Sprintf("pipeline failure %s: %s", f.Kind, f.Message)
}

func rateLimitedFailure(retryAfter time.Duration) *Failure {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &Failure{
		Kind:       FailRateLimited,
		Status:     http.StatusTooManyRequests,
		Message:    "Too many requests. Please slow down and try again.",
		RetryAfter: retryAfter,
	}
}

func quotaExceededFailure(limit int, plan string) *Failure {
	return &Failure{
		Kind:   FailQuotaExceeded,
		Status: http.StatusTooManyRequests,
		Message: fmt.Sprintf(
			"You have used all %d messages included in your %s plan this month. Upgrade your plan or wait for the next billing period.",
			limit, plan),
	}
}

func guardrailFailure() *Failure {
	// The detailed reason goes to the audit trail only.
	return &Failure{
		Kind:    FailGuardrailRejected,
		Status:  http.StatusBadRequest,
		Message: "Your message could not be processed.",
	}
}

func storageFailure() *Failure {
	return &Failure{
		Kind:    FailStorageFailed,
		Status:  http.StatusInternalServerError,
		Message: "Something went wrong saving your message. Please try again.",
	}
}

func generationFailure() *Failure {
	return &Failure{
		Kind:    FailGenerationFailed,
		Status:  http.StatusInternalServerError,
		Message: "The assistant could not complete a response. Please try again.",
	}
}

func timeoutFailure() *Failure {
	return &Failure{
		Kind:    FailTimeout,
		Status:  http.StatusInternalServerError,
		Message: "The request took too long and was aborted.",
	}
}

func canceledFailure() *Failure {
	return &Failure{
		Kind:    FailCanceled,
		Status:  http.StatusBadRequest,
		Message: "The request was canceled.",
	}
}

func notFoundFailure() *Failure {
	return &Failure{
		Kind:    FailValidation,
		Status:  http.StatusNotFound,
		Message: "Conversation not found.",
	}
}
