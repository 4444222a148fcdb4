package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// CHARGES (unit_dues)
// =============================================================================

const chargeColumns = `id, org_id, period_id, unit_id, due_type_id, amount, status, created_by, note, created_at, updated_at`

const insertCharge = `
	INSERT INTO unit_dues (` + chargeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func chargeArgs(c dues.Charge) []any {
	return []any{
		c.ID, c.OrgID, c.PeriodID, c.UnitID, c.DueTypeID, c.Amount, c.Status,
		c.CreatedBy, c.Note, timestamp(c.CreatedAt), timestamp(c.UpdatedAt),
	}
}

func (q *queries) InsertCharge(ctx context.Context, c dues.Charge) error {
	_, err := q.exec(ctx, insertCharge, chargeArgs(c)...)
	if isUniqueViolation(err) {
		return generic.Conflict("a live charge already exists for this unit, due type and period")
	}
	if err != nil {
		return fmt.Errorf("failed to insert charge: %w", err)
	}
	return nil
}

// InsertChargesIgnoringDuplicates relies on the partial unique index over
// live (period, unit, due type) triples.
func (q *queries) InsertChargesIgnoringDuplicates(ctx context.Context, cs []dues.Charge) (int, error) {
	inserted := 0
	for _, c := range cs {
		n, err := q.execCount(ctx, insertCharge+` ON CONFLICT DO NOTHING`, chargeArgs(c)...)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert charge for unit %s: %w", c.UnitID, err)
		}
		inserted += n
	}
	return inserted, nil
}

func (q *queries) Charge(ctx context.Context, id string) (dues.Charge, error) {
	row := q.queryRow(ctx, `SELECT `+chargeColumns+` FROM unit_dues WHERE id = ?`, id)
	c, err := scanCharge(row)
	if err != nil {
		return dues.Charge{}, notFound(err, "charge", id)
	}
	return c, nil
}

func (q *queries) Charges(ctx context.Context, orgID, periodID string) ([]dues.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM unit_dues WHERE org_id = ?`
	args := []any{orgID}
	if periodID != "" {
		query += ` AND period_id = ?`
		args = append(args, periodID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var out []dues.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) CountLiveCharges(ctx context.Context, periodID string) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM unit_dues WHERE period_id = ? AND status <> 'cancelled'`, periodID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count charges: %w", err)
	}
	return n, nil
}

func (q *queries) SetChargeStatus(ctx context.Context, id string, status dues.ChargeStatus, at time.Time) error {
	ok, err := q.execChanged(ctx, `UPDATE unit_dues SET status = ?, updated_at = ? WHERE id = ?`, status, timestamp(at), id)
	if err != nil {
		return err
	}
	if !ok {
		return generic.NotFound("charge %s not found", id)
	}
	return nil
}

func scanCharge(s scanner) (dues.Charge, error) {
	var (
		c                dues.Charge
		created, updated string
	)
	err := s.Scan(&c.ID, &c.OrgID, &c.PeriodID, &c.UnitID, &c.DueTypeID, &c.Amount, &c.Status, &c.CreatedBy, &c.Note, &created, &updated)
	if err != nil {
		return dues.Charge{}, err
	}
	if c.CreatedAt, err = parseTimestamp(created); err != nil {
		return dues.Charge{}, err
	}
	if c.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return dues.Charge{}, err
	}
	return c, nil
}

// =============================================================================
// PAYMENTS - Soft-deleted through cancelled_at, never removed
// =============================================================================

const paymentColumns = `id, org_id, unit_due_id, receipt_number, amount, paid_at, payment_method, collected_by,
	is_overpayment, overpayment_amount, note, created_at, cancelled_at, cancelled_by`

func (q *queries) InsertPayment(ctx context.Context, p dues.Payment) error {
	_, err := q.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.ChargeID, p.ReceiptNumber, p.Amount, timestamp(p.PaidAt), p.Method, p.CollectedBy,
		flag(p.IsOverpayment), p.OverpaymentAmount, p.Note, timestamp(p.CreatedAt),
		nullTimestamp(p.CancelledAt), nullString(p.CancelledBy),
	)
	if isUniqueViolation(err) {
		return generic.Conflict("receipt number %s is already in use", p.ReceiptNumber)
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (q *queries) Payment(ctx context.Context, id string) (dues.Payment, error) {
	row := q.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if err != nil {
		return dues.Payment{}, notFound(err, "payment", id)
	}
	return p, nil
}

func (q *queries) PaymentsByCharge(ctx context.Context, chargeID string) ([]dues.Payment, error) {
	rows, err := q.query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE unit_due_id = ?
		ORDER BY paid_at ASC, created_at ASC`, chargeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []dues.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *queries) LivePaymentTotal(ctx context.Context, chargeID string) (decimal.Decimal, error) {
	totals, err := q.amountsByCharge(ctx, `
		SELECT unit_due_id, amount FROM payments
		WHERE unit_due_id = ? AND cancelled_at IS NULL`, chargeID)
	if err != nil {
		return decimal.Zero, err
	}
	return generic.Sum(totals[chargeID]...), nil
}

func (q *queries) LivePaymentTotals(ctx context.Context, orgID, periodID string) (map[string]decimal.Decimal, error) {
	query := `
		SELECT p.unit_due_id, p.amount FROM payments p
		JOIN unit_dues d ON d.id = p.unit_due_id
		WHERE p.org_id = ? AND p.cancelled_at IS NULL`
	args := []any{orgID}
	if periodID != "" {
		query += ` AND d.period_id = ?`
		args = append(args, periodID)
	}
	return q.sumsByCharge(ctx, query, args...)
}

func (q *queries) UpdatePayment(ctx context.Context, p dues.Payment) (bool, error) {
	ok, err := q.execChanged(ctx, `
		UPDATE payments
		SET receipt_number = ?, amount = ?, paid_at = ?, payment_method = ?, note = ?
		WHERE id = ? AND cancelled_at IS NULL`,
		p.ReceiptNumber, p.Amount, timestamp(p.PaidAt), p.Method, p.Note, p.ID,
	)
	if isUniqueViolation(err) {
		return false, generic.Conflict("receipt number %s is already in use", p.ReceiptNumber)
	}
	return ok, err
}

func (q *queries) CancelPayment(ctx context.Context, id, by string, at time.Time) (bool, error) {
	return q.execChanged(ctx, `
		UPDATE payments SET cancelled_at = ?, cancelled_by = ?
		WHERE id = ? AND cancelled_at IS NULL`, timestamp(at), by, id)
}

func (q *queries) CancelLivePayments(ctx context.Context, chargeID, by string, at time.Time) (int, error) {
	return q.execCount(ctx, `
		UPDATE payments SET cancelled_at = ?, cancelled_by = ?
		WHERE unit_due_id = ? AND cancelled_at IS NULL`, timestamp(at), by, chargeID)
}

func scanPayment(s scanner) (dues.Payment, error) {
	var (
		p                  dues.Payment
		paidAt, created    string
		cancelledAt, byWho sql.NullString
	)
	err := s.Scan(&p.ID, &p.OrgID, &p.ChargeID, &p.ReceiptNumber, &p.Amount, &paidAt, &p.Method, &p.CollectedBy,
		&p.IsOverpayment, &p.OverpaymentAmount, &p.Note, &created, &cancelledAt, &byWho)
	if err != nil {
		return dues.Payment{}, err
	}
	if p.PaidAt, err = parseTimestamp(paidAt); err != nil {
		return dues.Payment{}, err
	}
	if p.CreatedAt, err = parseTimestamp(created); err != nil {
		return dues.Payment{}, err
	}
	if p.CancelledAt, err = parseNullTimestamp(cancelledAt); err != nil {
		return dues.Payment{}, err
	}
	p.CancelledBy = byWho.String
	return p, nil
}

// =============================================================================
// LATE FEES
// =============================================================================

const lateFeeColumns = `id, org_id, unit_due_id, amount, fee_rate, days_overdue, status, applied_by, applied_at, note, cancelled_by, cancelled_at`

func (q *queries) InsertLateFee(ctx context.Context, f dues.LateFee) error {
	_, err := q.exec(ctx, `
		INSERT INTO late_fees (`+lateFeeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OrgID, f.ChargeID, f.Amount, f.Rate, f.DaysOverdue, f.Status, f.AppliedBy,
		timestamp(f.AppliedAt), f.Note, nullString(f.CancelledBy), nullTimestamp(f.CancelledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert late fee: %w", err)
	}
	return nil
}

func (q *queries) LateFee(ctx context.Context, id string) (dues.LateFee, error) {
	row := q.queryRow(ctx, `SELECT `+lateFeeColumns+` FROM late_fees WHERE id = ?`, id)
	f, err := scanLateFee(row)
	if err != nil {
		return dues.LateFee{}, notFound(err, "late fee", id)
	}
	return f, nil
}

func (q *queries) LateFeesByCharge(ctx context.Context, chargeID string) ([]dues.LateFee, error) {
	rows, err := q.query(ctx, `
		SELECT `+lateFeeColumns+` FROM late_fees
		WHERE unit_due_id = ?
		ORDER BY applied_at ASC`, chargeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query late fees: %w", err)
	}
	defer rows.Close()

	var out []dues.LateFee
	for rows.Next() {
		f, err := scanLateFee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (q *queries) ActiveLateFeeTotals(ctx context.Context, orgID, periodID string) (map[string]decimal.Decimal, error) {
	query := `
		SELECT f.unit_due_id, f.amount FROM late_fees f
		JOIN unit_dues d ON d.id = f.unit_due_id
		WHERE f.org_id = ? AND f.status = 'active'`
	args := []any{orgID}
	if periodID != "" {
		query += ` AND d.period_id = ?`
		args = append(args, periodID)
	}
	return q.sumsByCharge(ctx, query, args...)
}

func (q *queries) CancelLateFee(ctx context.Context, id, by, note string, at time.Time) (bool, error) {
	return q.execChanged(ctx, `
		UPDATE late_fees SET status = 'cancelled', cancelled_by = ?, cancelled_at = ?, note = ?
		WHERE id = ? AND status = 'active'`, by, timestamp(at), note, id)
}

func (q *queries) CancelActiveLateFees(ctx context.Context, chargeID, by, note string, at time.Time) (int, error) {
	return q.execCount(ctx, `
		UPDATE late_fees SET status = 'cancelled', cancelled_by = ?, cancelled_at = ?, note = ?
		WHERE unit_due_id = ? AND status = 'active'`, by, timestamp(at), note, chargeID)
}

func scanLateFee(s scanner) (dues.LateFee, error) {
	var (
		f                dues.LateFee
		applied          string
		byWho, cancelled sql.NullString
	)
	err := s.Scan(&f.ID, &f.OrgID, &f.ChargeID, &f.Amount, &f.Rate, &f.DaysOverdue, &f.Status, &f.AppliedBy,
		&applied, &f.Note, &byWho, &cancelled)
	if err != nil {
		return dues.LateFee{}, err
	}
	if f.AppliedAt, err = parseTimestamp(applied); err != nil {
		return dues.LateFee{}, err
	}
	if f.CancelledAt, err = parseNullTimestamp(cancelled); err != nil {
		return dues.LateFee{}, err
	}
	f.CancelledBy = byWho.String
	return f, nil
}

// =============================================================================
// AGGREGATION
// =============================================================================

// sumsByCharge runs a (charge id, amount) query and totals per charge.
func (q *queries) sumsByCharge(ctx context.Context, query string, args ...any) (map[string]decimal.Decimal, error) {
	amounts, err := q.amountsByCharge(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(amounts))
	for id, values := range amounts {
		out[id] = generic.Sum(values...)
	}
	return out, nil
}

func (q *queries) amountsByCharge(ctx context.Context, query string, args ...any) (map[string][]decimal.Decimal, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query amounts: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]decimal.Decimal)
	for rows.Next() {
		var (
			id     string
			amount decimal.Decimal
		)
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, err
		}
		out[id] = append(out[id], amount)
	}
	return out, rows.Err()
}
