package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bakeable/ha-add-on-whatsapp-api/internal/rules"
)

// AppendRuleFire appends one immutable fire record. Per-action
// outcomes are serialized as JSON. ON CONFLICT DO NOTHING keeps the
// append idempotent on the record id.
func (s *Store) AppendRuleFire(ctx context.Context, fire *rules.RuleFire) error {
	actions, err := json.Marshal(fire.Actions)
	if err != nil {
		return fmt.Errorf("append rule fire: marshal actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_fires
		(id, rule_id, rule_name, message_ref, chat_id, sender_id,
		 matched_text, actions, success, error_summary, event_type, fired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		fire.ID,
		fire.RuleID,
		fire.RuleName,
		fire.MessageRef,
		fire.ChatID,
		fire.SenderID,
		fire.MatchedText,
		string(actions),
		boolToInt(fire.Success),
		fire.ErrorSummary,
		fire.EventType,
		fire.FiredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append rule fire: %w", err)
	}
	return nil
}

// RecentFires returns the newest fire records, most recent first.
// Returns an empty slice (not nil) when the log is empty.
func (s *Store) RecentFires(ctx context.Context, limit int) ([]rules.RuleFire, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, rule_name, message_ref, chat_id, sender_id,
		       matched_text, actions, success, error_summary, event_type, fired_at
		FROM rule_fires
		ORDER BY fired_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query rule fires: %w", err)
	}
	defer rows.Close()

	fires := []rules.RuleFire{}
	for rows.Next() {
		var (
			fire    rules.RuleFire
			actions string
			success int
			firedAt string
		)
		err := rows.Scan(
			&fire.ID, &fire.RuleID, &fire.RuleName, &fire.MessageRef,
			&fire.ChatID, &fire.SenderID, &fire.MatchedText, &actions,
			&success, &fire.ErrorSummary, &fire.EventType, &firedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan rule fire: %w", err)
		}

		if err := json.Unmarshal([]byte(actions), &fire.Actions); err != nil {
			return nil, fmt.Errorf("decode fire actions %s: %w", fire.ID, err)
		}
		fire.Success = success != 0
		if t, parseErr := time.Parse(time.RFC3339Nano, firedAt); parseErr == nil {
			fire.FiredAt = t
		}
		fires = append(fires, fire)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rule fires: %w", err)
	}
	return fires, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
