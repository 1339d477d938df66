// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// AppendParams is the input to AppendUserMessage.
type AppendParams struct {
	UserID string

	// ConversationID is empty to start a new conversation.
	ConversationID string

	// Content is the user message, already screened and filtered.
	Content string

	// Period is the quota period key (YYYY-MM) and QuotaLimit the
	// caller-resolved entitlement for it.
	Period     string
	QuotaLimit int

	// RetentionCap is the per-user conversation cap enforced when a new
	// conversation is created.
	RetentionCap int
}

// AppendResult reports what AppendUserMessage persisted.
type AppendResult struct {
	ConversationID      string
	MessageID           string
	CreatedConversation bool

	// Used is the quota counter after reservation.
	Used int

	// EvictedConversations counts cap evictions performed inline.
	EvictedConversations int
}

// AppendUserMessage atomically records one admitted user message.
//
// In a single transaction it: resolves or creates the conversation,
// reserves one unit of monthly quota via a conditional update, inserts
// the message, bumps conversation recency, and (for new conversations)
// evicts the user's oldest conversations beyond the retention cap.
//
// Returns ErrQuotaExceeded with nothing persisted when the entitlement
// is exhausted, and ErrNotFound when ConversationID is set but absent
// or owned by someone else. Quota is counted as stored user messages,
// so a rollback here can never leak a charge.
func (s *Store) AppendUserMessage(ctx context.Context, p AppendParams) (*AppendResult, error) {
	if p.UserID == "" || p.Content == "" {
		return nil, fmt.Errorf("append: user id and content required")
	}
	now := s.now()
	res := &AppendResult{ConversationID: p.ConversationID}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Step 1: resolve or create the conversation.
		if p.ConversationID == "" {
			res.ConversationID = uuid.NewString()
			res.CreatedConversation = true
			_, err := s.sb.Insert("conversations").
				Columns("id", "user_id", "title", "created_at", "updated_at").
				Values(res.ConversationID, p.UserID, "New conversation", now, now).
				RunWith(tx).ExecContext(ctx)
			if err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
		} else {
			var owner string
			err := s.sb.Select("user_id").From("conversations").
				Where(sq.Eq{"id": p.ConversationID}).
				RunWith(tx).QueryRowContext(ctx).Scan(&owner)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != p.UserID) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("resolve conversation: %w", err)
			}
		}

		// Step 2: reserve quota with a conditional update.
		used, err := s.reserveQuota(ctx, tx, p.UserID, p.Period, p.QuotaLimit)
		if err != nil {
			return err
		}
		res.Used = used

		// Step 3: insert the user message.
		res.MessageID = uuid.NewString()
		_, err = s.sb.Insert("messages").
			Columns("id", "conversation_id", "sender", "content", "created_at").
			Values(res.MessageID, res.ConversationID, SenderUser, p.Content, now).
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		// Step 4: bump conversation recency.
		_, err = s.sb.Update("conversations").
			Set("updated_at", now).
			Where(sq.Eq{"id": res.ConversationID}).
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}

		// Step 5: enforce the retention cap when a conversation was added.
		if res.CreatedConversation && p.RetentionCap > 0 {
			evicted, err := s.evictOverCap(ctx, tx, p.UserID, p.RetentionCap)
			if err != nil {
				return err
			}
			res.EvictedConversations = evicted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// reserveQuota increments the period counter only while under the
// limit. The conditional upsert is a single statement, so concurrent
// reservations cannot race a missed UPDATE into a duplicate-key INSERT
// and the row can never exceed the limit regardless of interleaving.
func (s *Store) reserveQuota(ctx context.Context, tx *sql.Tx, userID, period string, limit int) (int, error) {
	if limit <= 0 {
		return 0, ErrQuotaExceeded
	}
	result, err := s.sb.Insert("usage_counters").
		Columns("user_id", "period", "used").
		Values(userID, period, 1).
		Suffix("ON CONFLICT (user_id, period) DO UPDATE SET used = usage_counters.used + 1 WHERE usage_counters.used < ?", limit).
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reserve quota: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reserve quota: %w", err)
	}
	if affected == 0 {
		// Conflict with the guard unmet: the limit is reached.
		var used int
		err := s.sb.Select("used").From("usage_counters").
			Where(sq.Eq{"user_id": userID, "period": period}).
			RunWith(tx).QueryRowContext(ctx).Scan(&used)
		if err != nil {
			return 0, fmt.Errorf("read quota counter: %w", err)
		}
		return used, ErrQuotaExceeded
	}

	var used int
	err = s.sb.Select("used").From("usage_counters").
		Where(sq.Eq{"user_id": userID, "period": period}).
		RunWith(tx).QueryRowContext(ctx).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("read quota counter: %w", err)
	}
	return used, nil
}

// FinalizeAssistantMessage persists the assembled model response with
// its token accounting and bumps conversation recency. Called only when
// the stream completed; canceled or failed generations persist nothing.
func (s *Store) FinalizeAssistantMessage(ctx context.Context, conversationID, content string, promptTokens, candidateTokens, totalTokens int) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("finalize: conversation id required")
	}
	now := s.now()
	messageID := uuid.NewString()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := s.sb.Select("1").From("conversations").
			Where(sq.Eq{"id": conversationID}).
			RunWith(tx).QueryRowContext(ctx).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			// The conversation was evicted mid-stream; drop the response.
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("resolve conversation: %w", err)
		}

		_, err = s.sb.Insert("messages").
			Columns("id", "conversation_id", "sender", "content",
				"prompt_tokens", "candidate_tokens", "total_tokens", "created_at").
			Values(messageID, conversationID, SenderAssistant, content,
				promptTokens, candidateTokens, totalTokens, now).
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("insert assistant message: %w", err)
		}

		_, err = s.sb.Update("conversations").
			Set("updated_at", now).
			Where(sq.Eq{"id": conversationID}).
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// ListRecentMessages returns the newest limit messages of a conversation
// in chronological order, for building model context.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.sb.Select("id", "conversation_id", "sender", "content",
		"prompt_tokens", "candidate_tokens", "total_tokens", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Content,
			&m.PromptTokens, &m.CandidateTokens, &m.TotalTokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
