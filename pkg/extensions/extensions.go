// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable provider interfaces for the
// Briefwise counsel service.
//
// The self-hosted distribution runs with no-op defaults: a permissive auth
// provider, a discard audit logger, and a pass-through message filter.
// Hosted and enterprise deployments inject real implementations via
// ServiceOptions without modifying the core pipeline.
//
// # Extension Categories
//
//   - auth.go: token validation and authorization (AuthProvider, AuthzProvider)
//   - audit.go: compliance audit trail (AuditLogger)
//   - filter.go: message transformation and PII redaction (MessageFilter)
//   - badger_audit.go: embedded append-only AuditLogger backed by Badger
//
// # Usage
//
// Self-hosted:
//
//	opts := extensions.DefaultOptions()
//
// Hosted:
//
//	opts := extensions.DefaultOptions().
//	    WithAuthProvider(oidcProvider).
//	    WithAuditLogger(badgerAudit)
//
// # Thread Safety
//
// All implementations injected here must be safe for concurrent use;
// the request pipeline calls them from many goroutines.
package extensions

// ServiceOptions groups every extension point handed to service
// constructors. All fields are optional; nil values mean the no-op
// default.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens on incoming requests.
	// Default: NopAuthProvider (single local user).
	AuthProvider AuthProvider

	// AuthzProvider checks per-resource permissions after authentication.
	// Default: NopAuthzProvider (allow everything).
	AuthzProvider AuthzProvider

	// AuditLogger records guardrail rejections, quota denials, and other
	// security-relevant events. Default: NopAuditLogger (discard).
	AuditLogger AuditLogger

	// MessageFilter transforms user input before it reaches the model.
	// Default: NopMessageFilter (pass through unchanged).
	MessageFilter MessageFilter
}

// DefaultOptions returns ServiceOptions with every field set to its
// no-op implementation. Callers can override individual fields with
// the WithX methods.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
		MessageFilter: &NopMessageFilter{},
	}
}

// WithAuthProvider returns a copy with the auth provider replaced.
func (o ServiceOptions) WithAuthProvider(p AuthProvider) ServiceOptions {
	o.AuthProvider = p
	return o
}

// WithAuthzProvider returns a copy with the authorization provider replaced.
func (o ServiceOptions) WithAuthzProvider(p AuthzProvider) ServiceOptions {
	o.AuthzProvider = p
	return o
}

// WithAuditLogger returns a copy with the audit logger replaced.
func (o ServiceOptions) WithAuditLogger(l AuditLogger) ServiceOptions {
	o.AuditLogger = l
	return o
}

// WithMessageFilter returns a copy with the message filter replaced.
func (o ServiceOptions) WithMessageFilter(f MessageFilter) ServiceOptions {
	o.MessageFilter = f
	return o
}

// Normalize fills any nil field with its no-op default. Service
// constructors call this so partial literals behave like DefaultOptions.
func (o ServiceOptions) Normalize() ServiceOptions {
	if o.AuthProvider == nil {
		o.AuthProvider = &NopAuthProvider{}
	}
	if o.AuthzProvider == nil {
		o.AuthzProvider = &NopAuthzProvider{}
	}
	if o.AuditLogger == nil {
		o.AuditLogger = &NopAuditLogger{}
	}
	if o.MessageFilter == nil {
		o.MessageFilter = &NopMessageFilter{}
	}
	return o
}
