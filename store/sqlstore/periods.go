package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// PERIODS
// =============================================================================

const periodColumns = `id, org_id, name, start_date, due_date, status, created_by, created_at, reminder_sent_at, closed_at`

func (q *queries) InsertPeriod(ctx context.Context, p dues.Period) error {
	_, err := q.exec(ctx, `
		INSERT INTO dues_periods (`+periodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Name, p.StartDate.String(), p.DueDate.String(), p.Status,
		p.CreatedBy, timestamp(p.CreatedAt), nullTimestamp(p.ReminderSentAt), nullTimestamp(p.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert period: %w", err)
	}
	return nil
}

func (q *queries) Period(ctx context.Context, id string) (dues.Period, error) {
	row := q.queryRow(ctx, `SELECT `+periodColumns+` FROM dues_periods WHERE id = ?`, id)
	p, err := scanPeriod(row)
	if err != nil {
		return dues.Period{}, notFound(err, "period", id)
	}
	return p, nil
}

func (q *queries) Periods(ctx context.Context, orgID string) ([]dues.Period, error) {
	return q.queryPeriods(ctx, `
		SELECT `+periodColumns+` FROM dues_periods
		WHERE org_id = ?
		ORDER BY start_date DESC, created_at DESC`, orgID)
}

func (q *queries) TransitionPeriod(ctx context.Context, id string, from []dues.PeriodStatus, to dues.PeriodStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{to}
	set := `status = ?`
	if to == dues.PeriodClosed {
		set += `, closed_at = ?`
		args = append(args, timestamp(at))
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, s)
	}
	return q.execChanged(ctx, `
		UPDATE dues_periods SET `+set+`
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
}

func (q *queries) DeleteDraftPeriod(ctx context.Context, id string) (bool, error) {
	return q.execChanged(ctx, `
		DELETE FROM dues_periods
		WHERE id = ? AND status = 'draft'
		  AND NOT EXISTS (
		      SELECT 1 FROM unit_dues d
		      WHERE d.period_id = dues_periods.id AND d.status <> 'cancelled'
		  )`, id)
}

func (q *queries) RemindablePeriods(ctx context.Context) ([]dues.Period, error) {
	return q.queryPeriods(ctx, `
		SELECT `+periodColumns+` FROM dues_periods
		WHERE status = 'active' AND reminder_sent_at IS NULL
		ORDER BY due_date ASC`)
}

func (q *queries) MarkReminderSent(ctx context.Context, id string, at time.Time) (bool, error) {
	return q.execChanged(ctx, `
		UPDATE dues_periods SET reminder_sent_at = ?
		WHERE id = ? AND reminder_sent_at IS NULL`, timestamp(at), id)
}

func (q *queries) queryPeriods(ctx context.Context, query string, args ...any) ([]dues.Period, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var out []dues.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPeriod(s scanner) (dues.Period, error) {
	var (
		p                   dues.Period
		start, due, created string
		reminded, closed    sql.NullString
	)
	err := s.Scan(&p.ID, &p.OrgID, &p.Name, &start, &due, &p.Status, &p.CreatedBy, &created, &reminded, &closed)
	if err != nil {
		return dues.Period{}, err
	}
	if p.StartDate, err = parseDate(start); err != nil {
		return dues.Period{}, err
	}
	if p.DueDate, err = parseDate(due); err != nil {
		return dues.Period{}, err
	}
	if p.CreatedAt, err = parseTimestamp(created); err != nil {
		return dues.Period{}, err
	}
	if p.ReminderSentAt, err = parseNullTimestamp(reminded); err != nil {
		return dues.Period{}, err
	}
	if p.ClosedAt, err = parseNullTimestamp(closed); err != nil {
		return dues.Period{}, err
	}
	return p, nil
}
