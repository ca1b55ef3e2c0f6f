package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
)

// =============================================================================
// TIER STORE (loyalty.TierStore)
// =============================================================================

const tierColumns = `id, scope, name, cashback_percent, min_spend, period, window_days, is_active, created_at`

func (s *Store) CreateTier(ctx context.Context, t *loyalty.Tier) error {
	var minSpend sql.NullString
	if t.MinSpend != nil {
		minSpend = sql.NullString{String: t.MinSpend.String(), Valid: true}
	}
	_, err := s.exec.ExecContext(ctx, `
		INSERT INTO tiers (id, scope, name, cashback_percent, min_spend, period, window_days, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.Scope,
		t.Name,
		t.CashbackPercent.String(),
		minSpend,
		t.Period,
		t.WindowDays,
		t.IsActive,
		t.CreatedAt.UTC().Format(timeFormat),
	)
	// The partial unique index rejects a second active base tier.
	if isUniqueConstraintError(err) {
		return loyalty.ErrDuplicateBaseTier
	}
	if err != nil {
		return fmt.Errorf("failed to create tier: %w", err)
	}
	return nil
}

func (s *Store) GetTier(ctx context.Context, id string) (*loyalty.Tier, error) {
	row := s.exec.QueryRowContext(ctx, `SELECT `+tierColumns+` FROM tiers WHERE id = ?`, id)
	t, err := scanTier(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ListActiveTiers returns the scope's active tiers, MinSpend ascending
// with the base tier first.
func (s *Store) ListActiveTiers(ctx context.Context, scope loyalty.Scope) ([]loyalty.Tier, error) {
	rows, err := s.exec.QueryContext(ctx, `
		SELECT `+tierColumns+` FROM tiers
		WHERE scope = ? AND is_active = 1
		ORDER BY min_spend IS NOT NULL, CAST(min_spend AS REAL) ASC`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query tiers: %w", err)
	}
	defer rows.Close()

	var tiers []loyalty.Tier
	for rows.Next() {
		t, err := scanTier(rows.Scan)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, *t)
	}
	return tiers, rows.Err()
}

func (s *Store) DeactivateTier(ctx context.Context, id string) error {
	res, err := s.exec.ExecContext(ctx, `UPDATE tiers SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate tier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrTierNotFound
	}
	return nil
}

func scanTier(scan func(...any) error) (*loyalty.Tier, error) {
	var (
		t         loyalty.Tier
		percent   string
		minSpend  sql.NullString
		createdAt string
	)
	err := scan(&t.ID, &t.Scope, &t.Name, &percent, &minSpend, &t.Period, &t.WindowDays, &t.IsActive, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan tier: %w", err)
	}
	t.CashbackPercent = parseDecimal(percent)
	if minSpend.Valid {
		d := parseDecimal(minSpend.String)
		t.MinSpend = &d
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

func (s *Store) ActiveMembership(ctx context.Context, customerID string) (*loyalty.Membership, error) {
	row := s.exec.QueryRowContext(ctx, `
		SELECT id, customer_id, tier_id, is_active, assignment_type, started_at, ended_at
		FROM memberships
		WHERE customer_id = ? AND is_active = 1`, customerID)

	var (
		m         loyalty.Membership
		startedAt string
		endedAt   sql.NullString
	)
	err := row.Scan(&m.ID, &m.CustomerID, &m.TierID, &m.IsActive, &m.AssignmentType, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan membership: %w", err)
	}
	m.StartedAt = parseTime(startedAt)
	m.EndedAt = parseNullTime(endedAt)
	return &m, nil
}

func (s *Store) CreateMembership(ctx context.Context, m *loyalty.Membership) error {
	_, err := s.exec.ExecContext(ctx, `
		INSERT INTO memberships (id, customer_id, tier_id, is_active, assignment_type, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.CustomerID,
		m.TierID,
		m.IsActive,
		m.AssignmentType,
		m.StartedAt.UTC().Format(timeFormat),
		nullTime(m.EndedAt),
	)
	if err != nil {
		// The partial unique index catches a second active membership -
		// that would be an evaluator bug, so surface it as-is.
		return fmt.Errorf("failed to create membership: %w", err)
	}
	return nil
}

func (s *Store) EndMembership(ctx context.Context, membershipID string, at time.Time) error {
	res, err := s.exec.ExecContext(ctx, `
		UPDATE memberships SET is_active = 0, ended_at = ? WHERE id = ? AND is_active = 1`,
		at.UTC().Format(timeFormat), membershipID)
	if err != nil {
		return fmt.Errorf("failed to end membership: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("membership %s not found or already ended", membershipID)
	}
	return nil
}

// =============================================================================
// TIER CHANGE LOG (append-only)
// =============================================================================

func (s *Store) AppendChangeLog(ctx context.Context, entry *loyalty.TierChangeLog) error {
	var fromTier sql.NullString
	if entry.FromTierID != nil {
		fromTier = sql.NullString{String: *entry.FromTierID, Valid: true}
	}
	_, err := s.exec.ExecContext(ctx, `
		INSERT INTO tier_change_log (id, customer_id, from_tier_id, to_tier_id, change_type, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.CustomerID,
		fromTier,
		entry.ToTierID,
		entry.ChangeType,
		nullString(entry.Reason),
		entry.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to append change log: %w", err)
	}
	return nil
}

func (s *Store) ChangeLogs(ctx context.Context, customerID string) ([]loyalty.TierChangeLog, error) {
	rows, err := s.exec.QueryContext(ctx, `
		SELECT id, customer_id, from_tier_id, to_tier_id, change_type, reason, created_at
		FROM tier_change_log
		WHERE customer_id = ?
		ORDER BY created_at ASC, rowid ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var logs []loyalty.TierChangeLog
	for rows.Next() {
		var (
			entry     loyalty.TierChangeLog
			fromTier  sql.NullString
			reason    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.CustomerID, &fromTier, &entry.ToTierID,
			&entry.ChangeType, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan change log: %w", err)
		}
		if fromTier.Valid {
			from := fromTier.String
			entry.FromTierID = &from
		}
		entry.Reason = reason.String
		entry.CreatedAt = parseTime(createdAt)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
