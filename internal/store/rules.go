package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bakeable/ha-add-on-whatsapp-api/internal/rules"
)

// ActiveRuleSet returns the single persisted rule set, or nil when no
// rule set has been saved yet.
func (s *Store) ActiveRuleSet(ctx context.Context) (*rules.StoredRuleSet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT revision, source, canonical, parsed, updated_at
		FROM rule_sets
		WHERE id = 1
	`)

	var (
		stored    rules.StoredRuleSet
		parsed    string
		updatedAt string
	)
	err := row.Scan(&stored.Revision, &stored.Source, &stored.Canonical, &parsed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read active rule set: %w", err)
	}

	stored.Parsed = []byte(parsed)
	if t, parseErr := time.Parse(time.RFC3339Nano, updatedAt); parseErr == nil {
		stored.UpdatedAt = t
	}
	return &stored, nil
}

// SaveRuleSet upserts the single active rule set, incrementing its
// revision, and returns the new revision. The whole save runs in one
// transaction so a concurrent reader never observes a half-written
// row.
func (s *Store) SaveRuleSet(ctx context.Context, source, canonical string, parsed []byte) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("save rule set: begin tx: %w", err)
	}
	defer tx.Rollback()

	var revision int
	err = tx.QueryRowContext(ctx, `SELECT revision FROM rule_sets WHERE id = 1`).Scan(&revision)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("save rule set: read revision: %w", err)
	}
	revision++

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rule_sets (id, revision, source, canonical, parsed, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			revision   = excluded.revision,
			source     = excluded.source,
			canonical  = excluded.canonical,
			parsed     = excluded.parsed,
			updated_at = excluded.updated_at
	`,
		revision,
		source,
		canonical,
		string(parsed),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("save rule set: upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save rule set: commit: %w", err)
	}
	return revision, nil
}
