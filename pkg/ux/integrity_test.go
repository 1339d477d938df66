// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"testing"
)

// chainFrames builds a valid chain the way the server does: assign ID
// and timestamp, link PrevHash, then compute Hash.
func chainFrames(frames []Frame) []Frame {
	v := NewChainVerifier()
	prev := ""
	out := make([]Frame, len(frames))
	for i, frame := range frames {
		frame.ID = frameID(i)
		frame.CreatedAt = 1756339200000 + int64(i)
		frame.PrevHash = prev
		frame.Hash = v.ComputeHash(frame)
		prev = frame.Hash
		out[i] = frame
	}
	return out
}

func frameID(i int) string {
	ids := []string{
		"3f1c9a52-0f0e-4c8f-9a44-8d1a2f6e7b01",
		"3f1c9a52-0f0e-4c8f-9a44-8d1a2f6e7b02",
		"3f1c9a52-0f0e-4c8f-9a44-8d1a2f6e7b03",
		"3f1c9a52-0f0e-4c8f-9a44-8d1a2f6e7b04",
	}
	return ids[i%len(ids)]
}

func TestChainVerifier_ValidChain(t *testing.T) {
	frames := chainFrames([]Frame{
		{Type: FrameChunk, Text: "The court "},
		{Type: FrameChunk, Text: "may order costs."},
		{Type: FrameDone, Usage: &Usage{PromptTokenCount: 10, CandidatesTokenCount: 4, TotalTokenCount: 14}},
	})

	result := NewChainVerifier().VerifyChain(frames)
	if !result.Valid {
		t.Fatalf("VerifyChain() invalid: %s (frame %d)", result.Reason, result.FailedIndex)
	}
	if result.FramesChecked != 3 {
		t.Errorf("FramesChecked = %d, want 3", result.FramesChecked)
	}
	if result.FailedIndex != -1 {
		t.Errorf("FailedIndex = %d, want -1", result.FailedIndex)
	}
}

func TestChainVerifier_EmptyChain(t *testing.T) {
	result := NewChainVerifier().VerifyChain(nil)
	if !result.Valid {
		t.Errorf("empty chain should verify")
	}
	if result.FramesChecked != 0 {
		t.Errorf("FramesChecked = %d, want 0", result.FramesChecked)
	}
}

func TestChainVerifier_TamperedText(t *testing.T) {
	frames := chainFrames([]Frame{
		{Type: FrameChunk, Text: "original"},
		{Type: FrameDone, Usage: &Usage{TotalTokenCount: 1}},
	})
	frames[0].Text = "tampered"

	result := NewChainVerifier().VerifyChain(frames)
	if result.Valid {
		t.Fatal("VerifyChain() = valid, want failure on tampered text")
	}
	if result.FailedIndex != 0 {
		t.Errorf("FailedIndex = %d, want 0", result.FailedIndex)
	}
}

func TestChainVerifier_TamperedUsage(t *testing.T) {
	frames := chainFrames([]Frame{
		{Type: FrameChunk, Text: "answer"},
		{Type: FrameDone, Usage: &Usage{PromptTokenCount: 10, CandidatesTokenCount: 5, TotalTokenCount: 15}},
	})
	frames[1].Usage.TotalTokenCount = 9000

	result := NewChainVerifier().VerifyChain(frames)
	if result.Valid {
		t.Fatal("VerifyChain() = valid, want failure on tampered usage")
	}
	if result.FailedIndex != 1 {
		t.Errorf("FailedIndex = %d, want 1", result.FailedIndex)
	}
}

func TestChainVerifier_BrokenLink(t *testing.T) {
	frames := chainFrames([]Frame{
		{Type: FrameChunk, Text: "a"},
		{Type: FrameChunk, Text: "b"},
		{Type: FrameDone, Usage: &Usage{}},
	})
	// Drop a middle frame; the next PrevHash no longer links.
	spliced := []Frame{frames[0], frames[2]}

	result := NewChainVerifier().VerifyChain(spliced)
	if result.Valid {
		t.Fatal("VerifyChain() = valid, want broken link")
	}
	if result.FailedIndex != 1 {
		t.Errorf("FailedIndex = %d, want 1", result.FailedIndex)
	}
}

func TestChainVerifier_FirstFrameMustHaveEmptyPrevHash(t *testing.T) {
	frames := chainFrames([]Frame{
		{Type: FrameChunk, Text: "a"},
		{Type: FrameDone, Usage: &Usage{}},
	})
	// Pretend the stream started mid-chain.
	result := NewChainVerifier().VerifyChain(frames[1:])
	if result.Valid {
		t.Fatal("VerifyChain() = valid, want failure for nonempty first PrevHash")
	}
	if result.FailedIndex != 0 {
		t.Errorf("FailedIndex = %d, want 0", result.FailedIndex)
	}
}

func TestChainVerifier_VerifyFrame(t *testing.T) {
	v := NewChainVerifier()
	frames := chainFrames([]Frame{{Type: FrameChunk, Text: "x"}})

	if err := v.VerifyFrame(frames[0], ""); err != nil {
		t.Errorf("VerifyFrame() error = %v, want nil", err)
	}
	if err := v.VerifyFrame(frames[0], "deadbeef"); err == nil {
		t.Error("VerifyFrame() with wrong expectedPrev should fail")
	}
}
