// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations should wrap it so callers can match with errors.Is:
//
//	return nil, fmt.Errorf("token expired: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity returned after successful token validation.
//
// UserID is the only required field and drives quota accounting,
// conversation ownership, and rate limiting. Everything else is
// optional enrichment from the identity provider.
type AuthInfo struct {
	// UserID uniquely identifies the user. Never empty.
	UserID string

	// Email is the user's address, if the provider supplies one.
	Email string

	// Roles holds role memberships for authorization decisions.
	// Common roles: "member", "admin", "support".
	Roles []string

	// Metadata carries provider-specific claims without requiring
	// changes to this struct. Common keys: "org_id", "mfa_verified",
	// "session_id".
	Metadata Metadata
}

// HasRole reports whether the user holds the given role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user identity.
//
// The token format is implementation-specific (JWT, opaque session ID,
// API key). Implementations must be safe for concurrent use and should
// return ErrUnauthorized (possibly wrapped) for any invalid token so the
// transport layer can map it to a 401.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes a (subject, action, resource) authorization check.
type AuthzRequest struct {
	// User is the authenticated identity from AuthProvider.Validate.
	User *AuthInfo

	// Action is the operation being attempted: "create", "read",
	// "update", "delete", "stream".
	Action string

	// ResourceType is the resource category: "conversation", "message",
	// "usage".
	ResourceType string

	// ResourceID names the specific instance. Empty means the check is
	// for the type in general (e.g. "may this user create conversations").
	ResourceID string
}

// AuthzProvider checks whether a user may perform an action.
//
// Return nil to allow; return ErrUnauthorized (or wrapped) to deny.
// Implementations must be safe for concurrent use.
type AuthzProvider interface {
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider is the self-hosted default: every token, including the
// empty string, maps to a single local user. Ownership checks still work
// because all data belongs to that one user.
type NopAuthProvider struct{}

// Validate always succeeds with the local user identity.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// NopAuthzProvider is the self-hosted default: all actions are allowed.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
