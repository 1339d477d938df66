// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/briefwise/briefwise/services/counsel/datatypes"
	"github.com/briefwise/briefwise/services/counsel/middleware"
	"github.com/briefwise/briefwise/services/counsel/storage"
)

// ListConversations handles GET /v1/conversations. Conversations are
// returned most recently updated first.
func ListConversations(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo := middleware.GetAuthInfo(c)
		if authInfo == nil {
			c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"})
			return
		}

		conversations, err := store.ListConversations(c.Request.Context(), authInfo.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to list conversations"})
			return
		}

		summaries := make([]datatypes.ConversationSummary, 0, len(conversations))
		for _, conv := range conversations {
			summaries = append(summaries, conversationSummary(conv))
		}
		c.JSON(http.StatusOK, gin.H{"conversations": summaries})
	}
}

// GetConversation handles GET /v1/conversations/:id, returning the
// conversation with its full message history in chronological order.
// Ownership is enforced in storage; another user's conversation is
// indistinguishable from a missing one.
func GetConversation(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo := middleware.GetAuthInfo(c)
		if authInfo == nil {
			c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"})
			return
		}
		conversationID := c.Param("id")

		conv, err := store.GetConversation(c.Request.Context(), authInfo.UserID, conversationID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to load conversation"})
			return
		}

		messages, err := store.ListAllMessages(c.Request.Context(), authInfo.UserID, conversationID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to load messages"})
			return
		}

		detail := datatypes.ConversationDetail{
			ConversationSummary: conversationSummary(*conv),
			Messages:            make([]datatypes.MessageView, 0, len(messages)),
		}
		for _, m := range messages {
			detail.Messages = append(detail.Messages, datatypes.MessageView{
				ID:        m.ID,
				Sender:    m.Sender,
				Content:   m.Content,
				CreatedAt: m.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, detail)
	}
}

// RenameConversation handles PATCH /v1/conversations/:id. A rename
// sticks: the async title generator refuses to overwrite a title the
// user has set.
func RenameConversation(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo := middleware.GetAuthInfo(c)
		if authInfo == nil {
			c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"})
			return
		}

		var req datatypes.RenameConversationRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		err := store.RenameConversation(c.Request.Context(), authInfo.UserID, c.Param("id"), req.Title)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to rename conversation"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "renamed"})
	}
}

// DeleteConversation handles DELETE /v1/conversations/:id. Messages are
// removed with the conversation; usage counters are not refunded.
func DeleteConversation(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo := middleware.GetAuthInfo(c)
		if authInfo == nil {
			c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"})
			return
		}

		err := store.DeleteConversation(c.Request.Context(), authInfo.UserID, c.Param("id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to delete conversation"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "deleted_conversation_id": c.Param("id")})
	}
}

func conversationSummary(conv storage.Conversation) datatypes.ConversationSummary {
	return datatypes.ConversationSummary{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
}
