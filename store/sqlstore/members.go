package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// MEMBERSHIPS (auth.MemberLookup)
// =============================================================================

var _ auth.MemberLookup = (*Store)(nil)

func (s *Store) Membership(ctx context.Context, orgID, userID string) (auth.Membership, bool, error) {
	var m auth.Membership
	err := s.queryRow(ctx, `
		SELECT org_id, user_id, role, status, email
		FROM organization_members
		WHERE org_id = ? AND user_id = ?`, orgID, userID,
	).Scan(&m.OrgID, &m.UserID, &m.Role, &m.Status, &m.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Membership{}, false, nil
	}
	if err != nil {
		return auth.Membership{}, false, fmt.Errorf("failed to load membership: %w", err)
	}
	return m, true, nil
}

// SaveMember inserts or replaces a membership row.
func (s *Store) SaveMember(ctx context.Context, m auth.Membership) error {
	if m.Status == "" {
		m.Status = auth.MemberActive
	}
	_, err := s.exec(ctx, `
		INSERT INTO organization_members (org_id, user_id, role, status, email, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, user_id) DO UPDATE
		SET role = excluded.role, status = excluded.status, email = excluded.email`,
		m.OrgID, m.UserID, m.Role, m.Status, m.Email, timestamp(timeNow()),
	)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

// =============================================================================
// SETTINGS (organization_due_settings)
// =============================================================================

func (q *queries) Settings(ctx context.Context, orgID string) (dues.Settings, error) {
	s := dues.Settings{OrgID: orgID}
	err := q.queryRow(ctx, `
		SELECT late_fee_rate, late_fee_grace_days, reminder_days_before
		FROM organization_due_settings WHERE org_id = ?`, orgID,
	).Scan(&s.LateFeeRate, &s.LateFeeGraceDays, &s.ReminderDaysBefore)
	if err != nil {
		return dues.Settings{}, notFound(err, "settings for organization", orgID)
	}
	return s, nil
}

func (q *queries) SaveSettings(ctx context.Context, s dues.Settings) error {
	_, err := q.exec(ctx, `
		INSERT INTO organization_due_settings (org_id, late_fee_rate, late_fee_grace_days, reminder_days_before, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (org_id) DO UPDATE
		SET late_fee_rate = excluded.late_fee_rate,
		    late_fee_grace_days = excluded.late_fee_grace_days,
		    reminder_days_before = excluded.reminder_days_before,
		    updated_at = excluded.updated_at`,
		s.OrgID, s.LateFeeRate, s.LateFeeGraceDays, s.ReminderDaysBefore, timestamp(timeNow()),
	)
	return err
}

// =============================================================================
// AUDIT (append-only)
// =============================================================================

func (q *queries) AppendAudit(ctx context.Context, e generic.AuditEntry, at time.Time) error {
	values, err := json.Marshal(e.NewValue)
	if err != nil {
		return fmt.Errorf("failed to encode audit values: %w", err)
	}
	_, err = q.exec(ctx, `
		INSERT INTO audit_logs (id, table_name, record_id, actor_id, action, new_values, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		generic.NewID(), e.Table, e.RecordID, e.ActorID, e.Action, string(values), timestamp(at),
	)
	return err
}

// AuditTrail returns the audit entries of one record, oldest first.
func (s *Store) AuditTrail(ctx context.Context, table, recordID string) ([]generic.AuditEntry, error) {
	rows, err := s.query(ctx, `
		SELECT table_name, record_id, actor_id, action, new_values
		FROM audit_logs
		WHERE table_name = ? AND record_id = ?
		ORDER BY created_at ASC, id ASC`, table, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var (
			e      generic.AuditEntry
			values string
		)
		if err := rows.Scan(&e.Table, &e.RecordID, &e.ActorID, &e.Action, &values); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(values), &e.NewValue); err != nil {
			return nil, fmt.Errorf("corrupt audit values: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
