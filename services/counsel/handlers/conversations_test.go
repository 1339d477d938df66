// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/briefwise/briefwise/pkg/extensions"
	"github.com/briefwise/briefwise/services/counsel/datatypes"
	"github.com/briefwise/briefwise/services/counsel/middleware"
	"github.com/briefwise/briefwise/services/counsel/storage"
	"github.com/briefwise/briefwise/services/counsel/usage"
)

type crudHarness struct {
	router *gin.Engine
	store  *storage.Store
}

func newCRUDHarness(t *testing.T) *crudHarness {
	t.Helper()

	store, err := storage.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ledger, err := usage.NewLedger(store, usage.LedgerConfig{
		FreeLimit: 50,
		Timezone:  "UTC",
	}, nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	router := gin.New()
	router.Use(middleware.AuthMiddleware(&extensions.NopAuthProvider{}))
	router.GET("/v1/conversations", ListConversations(store))
	router.GET("/v1/conversations/:id", GetConversation(store))
	router.PATCH("/v1/conversations/:id", RenameConversation(store))
	router.DELETE("/v1/conversations/:id", DeleteConversation(store))
	router.GET("/v1/usage", GetUsage(ledger))

	return &crudHarness{router: router, store: store}
}

// seedConversation writes one full exchange and returns its ID.
func (h *crudHarness) seedConversation(t *testing.T, userID, question, answer string) string {
	t.Helper()
	res, err := h.store.AppendUserMessage(context.Background(), storage.AppendParams{
		UserID:       userID,
		Content:      question,
		Period:       "2026-03",
		QuotaLimit:   50,
		RetentionCap: 25,
	})
	if err != nil {
		t.Fatalf("seed user message: %v", err)
	}
	if _, err := h.store.FinalizeAssistantMessage(context.Background(), res.ConversationID, answer, 10, 5, 15); err != nil {
		t.Fatalf("seed assistant message: %v", err)
	}
	return res.ConversationID
}

func (h *crudHarness) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	h.router.ServeHTTP(w, req)
	return w
}

func TestListConversations(t *testing.T) {
	h := newCRUDHarness(t)
	h.seedConversation(t, "local-user", "first question", "first answer")
	h.seedConversation(t, "local-user", "second question", "second answer")
	h.seedConversation(t, "someone-else", "not mine", "not yours")

	w := h.do("GET", "/v1/conversations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Conversations []datatypes.ConversationSummary `json:"conversations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Conversations) != 2 {
		t.Errorf("conversation count %d", len(resp.Conversations))
	}
}

func TestGetConversationDetail(t *testing.T) {
	h := newCRUDHarness(t)
	id := h.seedConversation(t, "local-user", "what is a tort?", "A civil wrong.")

	w := h.do("GET", "/v1/conversations/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var detail datatypes.ConversationDetail
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.ID != id {
		t.Errorf("id %q", detail.ID)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("message count %d", len(detail.Messages))
	}
	if detail.Messages[0].Sender != "user" || detail.Messages[0].Content != "what is a tort?" {
		t.Errorf("first message: %+v", detail.Messages[0])
	}
	if detail.Messages[1].Sender != "assistant" || detail.Messages[1].Content != "A civil wrong." {
		t.Errorf("second message: %+v", detail.Messages[1])
	}
}

func TestGetConversationOwnership(t *testing.T) {
	h := newCRUDHarness(t)
	theirs := h.seedConversation(t, "someone-else", "their question", "their answer")

	// Another user's conversation reads as missing, not forbidden.
	w := h.do("GET", "/v1/conversations/"+theirs, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d", w.Code)
	}
}

func TestRenameConversation(t *testing.T) {
	h := newCRUDHarness(t)
	id := h.seedConversation(t, "local-user", "question", "answer")

	w := h.do("PATCH", "/v1/conversations/"+id, `{"title":"Costs on appeal"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	detail := h.do("GET", "/v1/conversations/"+id, "")
	var got datatypes.ConversationDetail
	if err := json.Unmarshal(detail.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Title != "Costs on appeal" {
		t.Errorf("title %q", got.Title)
	}
}

func TestRenameConversationValidation(t *testing.T) {
	h := newCRUDHarness(t)
	id := h.seedConversation(t, "local-user", "question", "answer")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty title", `{"title":""}`, http.StatusBadRequest},
		{"oversized title", `{"title":"` + strings.Repeat("a", datatypes.MaxTitleBytes+1) + `"}`, http.StatusBadRequest},
		{"unknown conversation", `{"title":"ok"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/v1/conversations/" + id
			if tt.name == "unknown conversation" {
				path = "/v1/conversations/6ba7b810-9dad-41d1-80b4-00c04fd430c8"
			}
			w := h.do("PATCH", path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestDeleteConversation(t *testing.T) {
	h := newCRUDHarness(t)
	id := h.seedConversation(t, "local-user", "question", "answer")

	w := h.do("DELETE", "/v1/conversations/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	if got := h.do("GET", "/v1/conversations/"+id, ""); got.Code != http.StatusNotFound {
		t.Errorf("status after delete %d", got.Code)
	}

	// Deleting again is a 404, not an error.
	if again := h.do("DELETE", "/v1/conversations/"+id, ""); again.Code != http.StatusNotFound {
		t.Errorf("second delete status %d", again.Code)
	}
}

func TestGetUsageSnapshot(t *testing.T) {
	h := newCRUDHarness(t)
	h.seedConversation(t, "local-user", "question", "answer")

	w := h.do("GET", "/v1/usage", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var snap datatypes.UsageSnapshotResponse
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Limit != 50 || snap.Plan != "free" {
		t.Errorf("snapshot: %+v", snap)
	}
	if snap.Remaining != snap.Limit-snap.Used {
		t.Errorf("remaining %d with used %d, limit %d", snap.Remaining, snap.Used, snap.Limit)
	}
	if snap.Source != "free" {
		t.Errorf("source = %q", snap.Source)
	}
	if snap.PeriodStart == "" || snap.PeriodEnd == "" {
		t.Errorf("period bounds missing: %+v", snap)
	}
}
