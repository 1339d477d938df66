// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestChatStreamRequestValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     ChatStreamRequest
		wantErr bool
	}{
		{
			name: "valid new conversation",
			req:  ChatStreamRequest{Content: "What is adverse possession?"},
		},
		{
			name: "valid existing conversation",
			req: ChatStreamRequest{
				ConversationID: "550e8400-e29b-41d4-a716-446655440000",
				Content:        "And in California?",
			},
		},
		{
			name:    "missing content",
			req:     ChatStreamRequest{},
			wantErr: true,
		},
		{
			name: "malformed conversation id",
			req: ChatStreamRequest{
				ConversationID: "not-a-uuid",
				Content:        "hello",
			},
			wantErr: true,
		},
		{
			name: "content over byte ceiling",
			req: ChatStreamRequest{
				Content: strings.Repeat("a", MaxMessageContentBytes+1),
			},
			wantErr: true,
		},
		{
			name: "content exactly at ceiling",
			req: ChatStreamRequest{
				Content: strings.Repeat("a", MaxMessageContentBytes),
			},
		},
		{
			name: "multibyte content measured in bytes",
			req: ChatStreamRequest{
				// Each rune is 3 bytes; rune count is under the limit
				// but byte count is over.
				Content: strings.Repeat("法", MaxMessageContentBytes/3+1),
			},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestRenameConversationRequestValidate(t *testing.T) {
	ok := RenameConversationRequest{Title: "Easement dispute"}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid title rejected: %v", err)
	}
	empty := RenameConversationRequest{}
	if err := empty.Validate(); err == nil {
		t.Error("empty title accepted")
	}
	long := RenameConversationRequest{Title: strings.Repeat("t", MaxTitleBytes+1)}
	if err := long.Validate(); err == nil {
		t.Error("oversized title accepted")
	}
}

func TestStreamFrameWireShape(t *testing.T) {
	t.Run("chunk omits usage and message", func(t *testing.T) {
		raw, err := json.Marshal(ChunkFrame("hello"))
		if err != nil {
			t.Fatal(err)
		}
		s := string(raw)
		if !strings.Contains(s, `"type":"chunk"`) || !strings.Contains(s, `"text":"hello"`) {
			t.Errorf("chunk frame: %s", s)
		}
		if strings.Contains(s, "usage") || strings.Contains(s, "message") {
			t.Errorf("chunk frame leaks fields: %s", s)
		}
	})

	t.Run("done carries camelCase usage keys", func(t *testing.T) {
		raw, err := json.Marshal(DoneFrame(UsageCounts{
			PromptTokenCount:     10,
			CandidatesTokenCount: 20,
			TotalTokenCount:      30,
		}))
		if err != nil {
			t.Fatal(err)
		}
		s := string(raw)
		for _, key := range []string{"promptTokenCount", "candidatesTokenCount", "totalTokenCount"} {
			if !strings.Contains(s, key) {
				t.Errorf("done frame missing %s: %s", key, s)
			}
		}
	})

	t.Run("error carries message only", func(t *testing.T) {
		raw, err := json.Marshal(ErrorFrame("generation failed"))
		if err != nil {
			t.Fatal(err)
		}
		s := string(raw)
		if !strings.Contains(s, `"type":"error"`) || !strings.Contains(s, `"message":"generation failed"`) {
			t.Errorf("error frame: %s", s)
		}
		if strings.Contains(s, "text") {
			t.Errorf("error frame leaks text field: %s", s)
		}
	})
}
