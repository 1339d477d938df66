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

// GetUsage returns the used count for one user and period. A missing
// counter row reads as zero.
func (s *Store) GetUsage(ctx context.Context, userID, period string) (int, error) {
	var used int
	err := s.sb.Select("used").From("usage_counters").
		Where(sq.Eq{"user_id": userID, "period": period}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return used, nil
}

// RecountUsage rebuilds one counter from stored user messages. The
// counter is derivable state; this is the repair path if a counter is
// ever suspected of drifting. Returns the recounted value.
//
// The period is matched on message timestamps formatted as YYYY-MM in
// UTC storage time, which matches how period keys are minted when the
// quota timezone is UTC. Deployments using another quota timezone
// should treat recount output as an approximation for that edge month.
func (s *Store) RecountUsage(ctx context.Context, userID, period string) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := s.sb.Select("COUNT(*)").
			From("messages m").
			Join("conversations c ON c.id = m.conversation_id").
			Where(sq.Eq{"c.user_id": userID, "m.sender": SenderUser}).
			Where(periodExpr(s.driver), period).
			RunWith(tx).QueryRowContext(ctx).Scan(&count)
		if err != nil {
			return fmt.Errorf("recount: %w", err)
		}

		result, err := s.sb.Update("usage_counters").
			Set("used", count).
			Where(sq.Eq{"user_id": userID, "period": period}).
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("store recount: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 && count > 0 {
			_, err := s.sb.Insert("usage_counters").
				Columns("user_id", "period", "used").
				Values(userID, period, count).
				RunWith(tx).ExecContext(ctx)
			if err != nil {
				return fmt.Errorf("init recount counter: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// periodExpr renders the month-bucket predicate per backend dialect.
// SQLite stores timestamps as text in a layout strftime does not parse,
// so the YYYY-MM bucket is read positionally from the prefix.
func periodExpr(driver string) string {
	if driver == "postgres" {
		return "to_char(m.created_at, 'YYYY-MM') = ?"
	}
	return "substr(m.created_at, 1, 7) = ?"
}

// GetSubscription returns the user's subscription row, or ErrNotFound.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	err := s.sb.Select("user_id", "plan_id", "status", "updated_at").
		From("subscriptions").
		Where(sq.Eq{"user_id": userID}).
		RunWith(s.db).QueryRowContext(ctx).
		Scan(&sub.UserID, &sub.PlanID, &sub.Status, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// UpsertSubscription mirrors a billing-system state change.
func (s *Store) UpsertSubscription(ctx context.Context, sub Subscription) error {
	if sub.UserID == "" || sub.PlanID == "" {
		return fmt.Errorf("subscription requires user and plan")
	}
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := s.sb.Update("subscriptions").
			Set("plan_id", sub.PlanID).
			Set("status", sub.Status).
			Set("updated_at", now).
			Where(sq.Eq{"user_id": sub.UserID}).
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			_, err := s.sb.Insert("subscriptions").
				Columns("user_id", "plan_id", "status", "updated_at").
				Values(sub.UserID, sub.PlanID, sub.Status, now).
				RunWith(tx).ExecContext(ctx)
			if err != nil {
				return fmt.Errorf("insert subscription: %w", err)
			}
		}
		return nil
	})
}

// maxExcerptBytes bounds stored guardrail excerpts.
const maxExcerptBytes = 512

// RecordSuspiciousQuery stores a guardrail rejection for abuse review.
// The excerpt is truncated; full content is never retained.
func (s *Store) RecordSuspiciousQuery(ctx context.Context, q SuspiciousQuery) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.now()
	}
	if len(q.Excerpt) > maxExcerptBytes {
		q.Excerpt = q.Excerpt[:maxExcerptBytes]
	}
	_, err := s.sb.Insert("suspicious_queries").
		Columns("id", "user_id", "excerpt", "reason", "confidence", "created_at").
		Values(q.ID, q.UserID, q.Excerpt, q.Reason, q.Confidence, q.CreatedAt).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("record suspicious query: %w", err)
	}
	return nil
}

// ListSuspiciousQueries returns recent rejections for one user, newest
// first. For the admin review tooling.
func (s *Store) ListSuspiciousQueries(ctx context.Context, userID string, limit int) ([]SuspiciousQuery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sb.Select("id", "user_id", "excerpt", "reason", "confidence", "created_at").
		From("suspicious_queries").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list suspicious queries: %w", err)
	}
	defer rows.Close()

	var out []SuspiciousQuery
	for rows.Next() {
		var q SuspiciousQuery
		if err := rows.Scan(&q.ID, &q.UserID, &q.Excerpt, &q.Reason, &q.Confidence, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suspicious query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
