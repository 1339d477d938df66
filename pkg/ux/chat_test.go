// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// chatStreamServer serves a chained SSE stream for every POST.
func chatStreamServer(t *testing.T, conversationID string, frames []Frame) *httptest.Server {
	t.Helper()
	chained := chainFrames(frames)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/stream" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-Conversation-Id", conversationID)
		w.WriteHeader(http.StatusOK)
		for _, frame := range chained {
			data, err := json.Marshal(frame)
			if err != nil {
				t.Errorf("marshal frame: %v", err)
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data)
		}
	}))
}

func TestChatClient_Send(t *testing.T) {
	server := chatStreamServer(t, "conv-123", []Frame{
		{Type: FrameChunk, Text: "Notice is "},
		{Type: FrameChunk, Text: "required."},
		{Type: FrameDone, Usage: &Usage{PromptTokenCount: 8, CandidatesTokenCount: 3, TotalTokenCount: 11}},
	})
	defer server.Close()

	client := NewChatClient(ChatConfig{
		BaseURL:         server.URL,
		VerifyIntegrity: true,
	})

	var out strings.Builder
	result, err := client.Send(context.Background(), "Is notice required?", &out)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if result.Answer != "Notice is required." {
		t.Errorf("Answer = %q", result.Answer)
	}
	if out.String() != "Notice is required." {
		t.Errorf("streamed output = %q", out.String())
	}
	if result.Usage == nil || result.Usage.TotalTokenCount != 11 {
		t.Errorf("Usage = %+v, want total 11", result.Usage)
	}
	if client.ConversationID() != "conv-123" {
		t.Errorf("ConversationID() = %q, want conv-123", client.ConversationID())
	}
}

func TestChatClient_SendReusesConversation(t *testing.T) {
	var gotConversationID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotConversationID = req.ConversationID
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-Conversation-Id", "conv-9")
		for _, frame := range chainFrames([]Frame{{Type: FrameDone, Usage: &Usage{}}}) {
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data)
		}
	}))
	defer server.Close()

	client := NewChatClient(ChatConfig{BaseURL: server.URL})

	if _, err := client.Send(context.Background(), "first", nil); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if gotConversationID != "" {
		t.Errorf("first request carried conversation_id %q, want empty", gotConversationID)
	}

	if _, err := client.Send(context.Background(), "second", nil); err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	if gotConversationID != "conv-9" {
		t.Errorf("second request conversation_id = %q, want conv-9", gotConversationID)
	}
}

func TestChatClient_RejectionSurfacesServerMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"Too many requests. Please slow down."}`)
	}))
	defer server.Close()

	client := NewChatClient(ChatConfig{BaseURL: server.URL})
	_, err := client.Send(context.Background(), "hello", nil)
	if err == nil {
		t.Fatal("Send() error = nil, want rejection")
	}
	if !strings.Contains(err.Error(), "Too many requests") {
		t.Errorf("error = %v, want server message", err)
	}
}

func TestChatClient_IntegrityFailureDetected(t *testing.T) {
	frames := chainFrames([]Frame{
		{Type: FrameChunk, Text: "clean"},
		{Type: FrameDone, Usage: &Usage{}},
	})
	frames[0].Text = "tampered"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data)
		}
	}))
	defer server.Close()

	client := NewChatClient(ChatConfig{BaseURL: server.URL, VerifyIntegrity: true})
	_, err := client.Send(context.Background(), "q", nil)
	if err == nil {
		t.Fatal("Send() error = nil, want integrity failure")
	}
	if !strings.Contains(err.Error(), "integrity") {
		t.Errorf("error = %v, want integrity failure", err)
	}
}

func TestChatClient_SendsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		for _, frame := range chainFrames([]Frame{{Type: FrameDone, Usage: &Usage{}}}) {
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data)
		}
	}))
	defer server.Close()

	client := NewChatClient(ChatConfig{BaseURL: server.URL, Token: "tok-1"})
	if _, err := client.Send(context.Background(), "q", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want Bearer tok-1", gotAuth)
	}
}
