// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides the client-side components of the Briefwise CLI.
//
// This file verifies the tamper-evident hash chain of a chat stream.
//
// Hash Chain Design:
//
//	Each frame carries a Hash computed from its content and a PrevHash
//	linking to the previous frame:
//
//	Frame[0] → Frame[1] → Frame[2] → ... → Frame[N]
//	  Hash₀     Hash₁     Hash₂            HashN
//	    ↑         ↑         ↑                ↑
//	    └─────────┴─────────┴────────────────┘
//	          Each PrevHash links to previous Hash
//
// If any frame is modified in transit or at rest, its recomputed hash
// no longer matches and the chain breaks at that frame.
package ux

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// secureHashEqual performs constant-time comparison of two hash strings.
func secureHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// =============================================================================
// Chain Verification
// =============================================================================

// VerificationResult reports the outcome of verifying a frame chain.
type VerificationResult struct {
	// Valid is true when every frame's hash recomputes correctly and
	// every PrevHash links to the preceding frame's Hash.
	Valid bool

	// FramesChecked is the number of frames examined.
	FramesChecked int

	// FailedIndex is the index of the first failing frame, or -1.
	FailedIndex int

	// Reason describes the first failure, empty when Valid.
	Reason string
}

// ChainVerifier recomputes frame hashes client-side.
//
// # Description
//
// The verifier applies the same hash construction the server uses:
// SHA-256 over "ID|Type|CreatedAt|PrevHash|Text|Message|usageJSON"
// where usageJSON is the JSON serialization of the usage block, or
// empty when absent.
//
// # Thread Safety
//
// ChainVerifier is stateless and safe for concurrent use.
type ChainVerifier struct{}

// NewChainVerifier creates a chain verifier.
func NewChainVerifier() *ChainVerifier {
	return &ChainVerifier{}
}

// ComputeHash recomputes the content hash of a frame. The frame's own
// Hash field is excluded from the input; PrevHash must be set to the
// value the server chained against.
func (v *ChainVerifier) ComputeHash(frame Frame) string {
	usageJSON := ""
	if frame.Usage != nil {
		if data, err := json.Marshal(frame.Usage); err == nil {
			usageJSON = string(data)
		}
	}

	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s",
		frame.ID,
		frame.Type,
		frame.CreatedAt,
		frame.PrevHash,
		frame.Text,
		frame.Message,
		usageJSON,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyFrame checks a single frame against an expected PrevHash value.
// Returns nil when the frame's hash recomputes and its PrevHash matches
// the expected link.
func (v *ChainVerifier) VerifyFrame(frame Frame, expectedPrev string) error {
	if !secureHashEqual(frame.PrevHash, expectedPrev) {
		return fmt.Errorf("prev hash mismatch: frame links to %.12q, expected %.12q",
			frame.PrevHash, expectedPrev)
	}
	if !secureHashEqual(frame.Hash, v.ComputeHash(frame)) {
		return fmt.Errorf("content hash mismatch on frame %s", frame.ID)
	}
	return nil
}

// VerifyChain validates an entire stream's frames in arrival order.
// The first frame must carry an empty PrevHash.
func (v *ChainVerifier) VerifyChain(frames []Frame) VerificationResult {
	result := VerificationResult{Valid: true, FailedIndex: -1}

	expectedPrev := ""
	for i, frame := range frames {
		result.FramesChecked++
		if err := v.VerifyFrame(frame, expectedPrev); err != nil {
			return VerificationResult{
				Valid:         false,
				FramesChecked: result.FramesChecked,
				FailedIndex:   i,
				Reason:        err.Error(),
			}
		}
		expectedPrev = frame.Hash
	}
	return result
}
