package store

import (
	"context"
	"fmt"
	"time"
)

// PurgeExpiredCooldowns deletes every cooldown row whose window has
// passed, for any rule and scope.
func (s *Store) PurgeExpiredCooldowns(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cooldowns WHERE expires_at <= ?
	`, now.Unix())
	if err != nil {
		return fmt.Errorf("purge cooldowns: %w", err)
	}
	return nil
}

// CooldownActive reports whether an unexpired cooldown exists for the
// (ruleID, scopeKey) key.
func (s *Store) CooldownActive(ctx context.Context, ruleID, scopeKey string, now time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cooldowns
		WHERE rule_id = ? AND scope_key = ? AND expires_at > ?
	`, ruleID, scopeKey, now.Unix()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query cooldown: %w", err)
	}
	return count > 0, nil
}

// UpsertCooldown sets the expiry for (ruleID, scopeKey), overwriting
// any existing window. The primary-key conflict clause makes the claim
// atomic: two concurrent handlers for the same chat cannot both insert.
func (s *Store) UpsertCooldown(ctx context.Context, ruleID, scopeKey string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldowns (rule_id, scope_key, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(rule_id, scope_key) DO UPDATE SET
			expires_at = excluded.expires_at
	`, ruleID, scopeKey, expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert cooldown: %w", err)
	}
	return nil
}
