package sqlstore

import (
	"context"
	"fmt"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// DUE TYPES
// =============================================================================

const dueTypeColumns = `id, org_id, name, description, default_amount, category_amounts, is_active, created_at`

func (q *queries) InsertDueType(ctx context.Context, dt dues.DueType) error {
	_, err := q.exec(ctx, `
		INSERT INTO due_types (id, org_id, name, normalized_name, description, default_amount, category_amounts, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dt.ID, dt.OrgID, dt.Name, dues.NormalizeName(dt.Name), dt.Description,
		dt.DefaultAmount, dt.CategoryAmounts, flag(dt.IsActive), timestamp(dt.CreatedAt),
	)
	if isUniqueViolation(err) {
		return generic.Conflict("a due type named %q already exists", dt.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert due type: %w", err)
	}
	return nil
}

func (q *queries) DueType(ctx context.Context, id string) (dues.DueType, error) {
	row := q.queryRow(ctx, `SELECT `+dueTypeColumns+` FROM due_types WHERE id = ?`, id)
	dt, err := scanDueType(row)
	if err != nil {
		return dues.DueType{}, notFound(err, "due type", id)
	}
	return dt, nil
}

func (q *queries) DueTypes(ctx context.Context, orgID string, activeOnly bool) ([]dues.DueType, error) {
	query := `SELECT ` + dueTypeColumns + ` FROM due_types WHERE org_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := q.query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query due types: %w", err)
	}
	defer rows.Close()

	var out []dues.DueType
	for rows.Next() {
		dt, err := scanDueType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	return out, rows.Err()
}

func (q *queries) UpdateDueType(ctx context.Context, dt dues.DueType) error {
	ok, err := q.execChanged(ctx, `
		UPDATE due_types
		SET name = ?, normalized_name = ?, description = ?, default_amount = ?, category_amounts = ?, is_active = ?
		WHERE id = ?`,
		dt.Name, dues.NormalizeName(dt.Name), dt.Description, dt.DefaultAmount, dt.CategoryAmounts, flag(dt.IsActive), dt.ID,
	)
	if isUniqueViolation(err) {
		return generic.Conflict("a due type named %q already exists", dt.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to update due type: %w", err)
	}
	if !ok {
		return generic.NotFound("due type %s not found", dt.ID)
	}
	return nil
}

func (q *queries) DueTypeNameTaken(ctx context.Context, orgID, normalizedName, excludeID string) (bool, error) {
	var n int
	err := q.queryRow(ctx, `
		SELECT COUNT(*) FROM due_types
		WHERE org_id = ? AND normalized_name = ? AND id <> ?`,
		orgID, normalizedName, excludeID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check due type name: %w", err)
	}
	return n > 0, nil
}

func scanDueType(s scanner) (dues.DueType, error) {
	var (
		dt      dues.DueType
		created string
	)
	err := s.Scan(&dt.ID, &dt.OrgID, &dt.Name, &dt.Description, &dt.DefaultAmount, &dt.CategoryAmounts, &dt.IsActive, &created)
	if err != nil {
		return dues.DueType{}, err
	}
	if dt.CreatedAt, err = parseTimestamp(created); err != nil {
		return dues.DueType{}, err
	}
	return dt, nil
}

// =============================================================================
// UNITS
// =============================================================================

// A unit is occupied while it has at least one active resident.
const unitSelect = `
	SELECT u.id, u.org_id, u.unit_number, COALESCE(u.category, ''),
	       CASE WHEN EXISTS (
	           SELECT 1 FROM unit_residents r WHERE r.unit_id = u.id AND r.status = 'active'
	       ) THEN 1 ELSE 0 END
	FROM units u`

func (q *queries) Unit(ctx context.Context, id string) (dues.Unit, error) {
	row := q.queryRow(ctx, unitSelect+` WHERE u.id = ? AND u.deleted_at IS NULL`, id)
	u, err := scanUnit(row)
	if err != nil {
		return dues.Unit{}, notFound(err, "unit", id)
	}
	return u, nil
}

func (q *queries) Units(ctx context.Context, orgID string) ([]dues.Unit, error) {
	rows, err := q.query(ctx, unitSelect+`
		WHERE u.org_id = ? AND u.deleted_at IS NULL
		ORDER BY u.unit_number ASC, u.id ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	var out []dues.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (q *queries) UnitRecipients(ctx context.Context, unitID string) ([]dues.Recipient, error) {
	rows, err := q.query(ctx, `
		SELECT r.user_id, COALESCE(m.email, ''), u.unit_number
		FROM unit_residents r
		JOIN units u ON u.id = r.unit_id
		LEFT JOIN organization_members m ON m.org_id = u.org_id AND m.user_id = r.user_id
		WHERE r.unit_id = ? AND r.status = 'active'
		ORDER BY r.user_id ASC`, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unit recipients: %w", err)
	}
	defer rows.Close()

	var out []dues.Recipient
	for rows.Next() {
		var r dues.Recipient
		if err := rows.Scan(&r.UserID, &r.Email, &r.UnitNumber); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *queries) ResidentUnitIDs(ctx context.Context, orgID, userID string) ([]string, error) {
	rows, err := q.query(ctx, `
		SELECT DISTINCT u.id
		FROM unit_residents r
		JOIN units u ON u.id = r.unit_id
		WHERE u.org_id = ? AND u.deleted_at IS NULL
		  AND r.user_id = ? AND r.status = 'active'
		ORDER BY u.id ASC`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query resident units: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanUnit(s scanner) (dues.Unit, error) {
	var (
		u        dues.Unit
		occupied int
	)
	if err := s.Scan(&u.ID, &u.OrgID, &u.Number, &u.Category, &occupied); err != nil {
		return dues.Unit{}, err
	}
	u.Occupied = occupied == 1
	return u, nil
}

// =============================================================================
// DIRECTORY WRITES - Units, residents and members are owned by other
// subsystems; these exist for seeding and tests.
// =============================================================================

// UnitRecord is a unit as stored, before occupancy is derived.
type UnitRecord struct {
	ID       string
	OrgID    string
	Number   string
	Category string
}

func (s *Store) InsertUnit(ctx context.Context, u UnitRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO units (id, org_id, unit_number, category, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.OrgID, u.Number, nullString(u.Category), timestamp(timeNow()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert unit: %w", err)
	}
	return nil
}

// DeleteUnit soft-deletes a unit; it drops out of every future accrual.
func (s *Store) DeleteUnit(ctx context.Context, id string) error {
	ok, err := s.execChanged(ctx, `UPDATE units SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, timestamp(timeNow()), id)
	if err != nil {
		return fmt.Errorf("failed to delete unit: %w", err)
	}
	if !ok {
		return generic.NotFound("unit %s not found", id)
	}
	return nil
}

// AddResident links an active resident to a unit, making it occupied.
func (s *Store) AddResident(ctx context.Context, unitID, userID string) error {
	_, err := s.exec(ctx, `
		INSERT INTO unit_residents (id, unit_id, user_id, status, created_at)
		VALUES (?, ?, ?, 'active', ?)`,
		generic.NewID(), unitID, userID, timestamp(timeNow()),
	)
	if err != nil {
		return fmt.Errorf("failed to add resident: %w", err)
	}
	return nil
}

// MoveOutResidents marks every resident of a unit as moved out.
func (s *Store) MoveOutResidents(ctx context.Context, unitID string) error {
	_, err := s.exec(ctx, `UPDATE unit_residents SET status = 'moved_out' WHERE unit_id = ? AND status = 'active'`, unitID)
	if err != nil {
		return fmt.Errorf("failed to move out residents: %w", err)
	}
	return nil
}
