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
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// evictOverCap deletes the user's oldest-activity conversations beyond
// cap, inside an open transaction. Ties on updated_at break by id so
// the eviction order is deterministic across backends.
func (s *Store) evictOverCap(ctx context.Context, tx *sql.Tx, userID string, cap int) (int, error) {
	rows, err := s.sb.Select("id").From("conversations").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC", "id DESC").
		RunWith(tx).QueryContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list for eviction: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) <= cap {
		return 0, nil
	}

	evicted := 0
	for _, id := range ids[cap:] {
		if err := s.deleteConversationTx(ctx, tx, id); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// EnforceRetentionCap applies the cap for one user outside the message
// write path. Used by the background sweeper and after config changes
// that lower the cap.
func (s *Store) EnforceRetentionCap(ctx context.Context, userID string, cap int) (int, error) {
	if cap <= 0 {
		return 0, fmt.Errorf("retention cap must be positive")
	}
	var evicted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.evictOverCap(ctx, tx, userID, cap)
		evicted = n
		return err
	})
	return evicted, err
}

// ListUsersOverCap returns user IDs whose conversation count exceeds
// cap. Drives the background sweeper.
func (s *Store) ListUsersOverCap(ctx context.Context, cap int) ([]string, error) {
	rows, err := s.sb.Select("user_id").From("conversations").
		GroupBy("user_id").
		Having("COUNT(*) > ?", cap).
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users over cap: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
