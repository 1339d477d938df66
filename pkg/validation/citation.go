// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that flow
// into database queries or GraphQL filters. Using these validators
// prevents injection through corpus metadata fields.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// sourceSlugPattern matches corpus source identifiers.
// Allows: lowercase letters, digits, hyphens, underscores (civil-code,
// ucc_art9). Max length: 64 characters.
var sourceSlugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// articleRefPattern matches statute article references.
// Allows: letters, digits, spaces, and common citation punctuation
// (Art. 118, § 1782(a), s. 33-1). Max length: 64 characters.
var articleRefPattern = regexp.MustCompile(`^[\p{L}\p{N}§][\p{L}\p{N}§ .,()\-/]{0,63}$`)

// ValidateSourceSlug validates a corpus source identifier before it is
// used in a Weaviate GraphQL filter.
//
// Valid slugs:
//   - 1-64 characters
//   - Lowercase letters a-z and digits 0-9
//   - Hyphens and underscores after the first character
//
// Returns an error if the slug is invalid.
//
// Example:
//
//	if err := validation.ValidateSourceSlug(source); err != nil {
//	    return nil, fmt.Errorf("invalid source: %w", err)
//	}
//	// Safe to use in a GraphQL where filter
func ValidateSourceSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("source slug cannot be empty")
	}
	if !sourceSlugPattern.MatchString(slug) {
		return fmt.Errorf("invalid source slug: %q (must be 1-64 lowercase alphanumeric chars, hyphens, or underscores)", slug)
	}
	return nil
}

// ValidateArticleRef validates a statute article reference.
// References may use letters, digits, the section sign, spaces, and
// common citation punctuation, up to 64 characters.
func ValidateArticleRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("article reference cannot be empty")
	}
	if !utf8.ValidString(ref) {
		return fmt.Errorf("article reference is not valid UTF-8")
	}
	if !articleRefPattern.MatchString(ref) {
		return fmt.Errorf("invalid article reference: %q", ref)
	}
	return nil
}

// SanitizeSourceSlug normalizes and validates a source identifier.
// Returns the lowercase slug if valid, or an error if invalid.
//
// Use this when ingesting metadata from external corpus files:
//
//	slug, err := validation.SanitizeSourceSlug(raw)
//	if err != nil {
//	    return err
//	}
//	// slug is lowercase and validated
func SanitizeSourceSlug(slug string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(slug))
	if err := ValidateSourceSlug(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
