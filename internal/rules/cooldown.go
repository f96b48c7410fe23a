package rules

import (
	"context"
	"fmt"
	"time"
)

// CooldownStore is the durable backing for cooldown windows. The
// upsert must be atomic on the (ruleID, scopeKey) key so that two
// concurrent handlers for the same chat cannot both claim the window.
type CooldownStore interface {
	PurgeExpiredCooldowns(ctx context.Context, now time.Time) error
	CooldownActive(ctx context.Context, ruleID, scopeKey string, now time.Time) (bool, error)
	UpsertCooldown(ctx context.Context, ruleID, scopeKey string, expiresAt time.Time) error
}

// CooldownTracker suppresses repeat fires of a rule for a scope
// (typically the originating chat) until the window expires. Backed by
// the store rather than an in-process map so correctness survives
// restarts and multiple concurrent handlers.
type CooldownTracker struct {
	store CooldownStore
	now   func() time.Time
}

// NewCooldownTracker creates a tracker over the given store.
func NewCooldownTracker(store CooldownStore) *CooldownTracker {
	return &CooldownTracker{store: store, now: time.Now}
}

// IsOnCooldown reports whether (ruleID, scopeKey) is inside an active
// window. Expired entries for any key are purged first.
func (t *CooldownTracker) IsOnCooldown(ctx context.Context, ruleID, scopeKey string) (bool, error) {
	now := t.now()
	if err := t.store.PurgeExpiredCooldowns(ctx, now); err != nil {
		return false, fmt.Errorf("purge expired cooldowns: %w", err)
	}
	active, err := t.store.CooldownActive(ctx, ruleID, scopeKey, now)
	if err != nil {
		return false, fmt.Errorf("cooldown lookup %s/%s: %w", ruleID, scopeKey, err)
	}
	return active, nil
}

// SetCooldown opens (or overwrites) the window for (ruleID, scopeKey)
// to now + seconds. Upsert semantics: an existing entry is extended,
// never accumulated. Callers only invoke this for seconds > 0.
func (t *CooldownTracker) SetCooldown(ctx context.Context, ruleID, scopeKey string, seconds int) error {
	expires := t.now().Add(time.Duration(seconds) * time.Second)
	if err := t.store.UpsertCooldown(ctx, ruleID, scopeKey, expires); err != nil {
		return fmt.Errorf("set cooldown %s/%s: %w", ruleID, scopeKey, err)
	}
	return nil
}
