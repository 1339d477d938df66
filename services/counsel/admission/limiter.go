// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package admission enforces per-user request rate limits at the front
// of the chat pipeline.
//
// The limiter uses fixed windows: the first request for an identifier
// opens a window, subsequent requests count against it, and the counter
// resets when the window elapses. A burst can straddle a window
// boundary and briefly see up to twice the configured rate; that is an
// accepted property of the scheme, traded for O(1) state per
// identifier.
//
// Two backends ship: an in-process map (memory.go) for single-instance
// deployments and Redis (redis.go) for horizontally scaled ones. Both
// fail open: a limiter must never turn an internal fault into a denial
// of service, so Check reports a decision even when the backend errors.
package admission

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is how many requests are left in the current window
	// after this one. Zero when denied.
	Remaining int

	// ResetTime is when the current window ends and the counter resets.
	// Transports derive Retry-After from it.
	ResetTime time.Time
}

// RateLimiter admits or rejects requests for an identifier.
//
// Check never returns an error: backend faults resolve to an allow
// decision (fail open). Implementations must be safe for concurrent
// use.
type RateLimiter interface {
	Check(ctx context.Context, identifier string) Decision

	// Close releases background resources (sweepers, connections).
	Close() error
}

// Config is shared by both limiter backends.
type Config struct {
	// Limit is the number of requests allowed per window.
	Limit int

	// Window is the fixed window duration.
	Window time.Duration
}
