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
)

// ListConversations returns the user's conversations newest-activity
// first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.sb.Select("id", "user_id", "title", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC", "id DESC").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns one conversation with ownership enforced.
func (s *Store) GetConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	var c Conversation
	err := s.sb.Select("id", "user_id", "title", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"id": conversationID, "user_id": userID}).
		RunWith(s.db).QueryRowContext(ctx).
		Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// ListAllMessages returns every message of an owned conversation in
// chronological order.
func (s *Store) ListAllMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.sb.Select("id", "conversation_id", "sender", "content",
		"prompt_tokens", "candidate_tokens", "total_tokens", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at ASC", "id ASC").
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
	return out, rows.Err()
}

// RenameConversation sets the title of an owned conversation. Renames
// do not bump updated_at: recency tracks message activity only, so a
// rename cannot shield a stale conversation from retention.
func (s *Store) RenameConversation(ctx context.Context, userID, conversationID, title string) error {
	result, err := s.sb.Update("conversations").
		Set("title", title).
		Where(sq.Eq{"id": conversationID, "user_id": userID}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTitleIfDefault replaces the placeholder title with a generated
// one. No-op when the user already renamed the conversation.
func (s *Store) SetTitleIfDefault(ctx context.Context, conversationID, title string) error {
	_, err := s.sb.Update("conversations").
		Set("title", title).
		Where(sq.Eq{"id": conversationID, "title": "New conversation"}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("set generated title: %w", err)
	}
	return nil
}

// DeleteConversation removes an owned conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := s.sb.Select("user_id").From("conversations").
			Where(sq.Eq{"id": conversationID}).
			RunWith(tx).QueryRowContext(ctx).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("resolve conversation: %w", err)
		}
		if err := s.deleteConversationTx(ctx, tx, conversationID); err != nil {
			return err
		}
		return nil
	})
}

// deleteConversationTx removes one conversation and its messages inside
// an open transaction. Messages go first so the delete is portable even
// without foreign-key cascade enabled.
func (s *Store) deleteConversationTx(ctx context.Context, tx *sql.Tx, conversationID string) error {
	_, err := s.sb.Delete("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	_, err = s.sb.Delete("conversations").
		Where(sq.Eq{"id": conversationID}).
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// CountConversations returns the user's current conversation count.
func (s *Store) CountConversations(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.sb.Select("COUNT(*)").From("conversations").
		Where(sq.Eq{"user_id": userID}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}
