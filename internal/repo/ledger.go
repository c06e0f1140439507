package repo

import (
	"context"
	"database/sql"
	"strings"

	"rotaguard/internal/domain"
)

const staffColumns = `id,name,unit,role,active,created_at`

func scanStaff(sc interface{ Scan(...any) error }) (domain.Staff, error) {
	var s domain.Staff
	err := sc.Scan(&s.ID, &s.Name, &s.Unit, &s.Role, &s.Active, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertStaff(ctx context.Context, tx *sql.Tx, s domain.Staff) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO staff(`+staffColumns+`) VALUES (?,?,?,?,?,?)`),
		s.ID, s.Name, s.Unit, s.Role, s.Active, s.CreatedAt)
	return err
}

func (r Repo) GetStaff(ctx context.Context, id string) (domain.Staff, error) {
	return scanStaff(r.DB.QueryRowContext(ctx, r.q(`SELECT `+staffColumns+` FROM staff WHERE id=?`), id))
}

func (r Repo) SetStaffActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE staff SET active=? WHERE id=?`), active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaff lists staff ordered by id. An empty unit matches all units.
func (r Repo) ListStaff(ctx context.Context, unit string, activeOnly bool) ([]domain.Staff, error) {
	var clauses []string
	var args []any
	if unit != "" {
		clauses = append(clauses, "unit=?")
		args = append(args, unit)
	}
	if activeOnly {
		clauses = append(clauses, "active=?")
		args = append(args, true)
	}
	query := `SELECT ` + staffColumns + ` FROM staff`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Staff
	for rows.Next() {
		s, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ActiveStaff is the staff roster the rule checkers evaluate.
func (r Repo) ActiveStaff(ctx context.Context) ([]domain.Staff, error) {
	return r.ListStaff(ctx, "", true)
}

const shiftColumns = `id,unit,staff_id,shift_date,shift_type,start_time,end_time,status,source_response_id,created_at`

func scanShift(sc interface{ Scan(...any) error }) (domain.Shift, error) {
	var s domain.Shift
	var src sql.NullString
	err := sc.Scan(&s.ID, &s.Unit, &s.StaffID, &s.ShiftDate, &s.ShiftType, &s.StartTime, &s.EndTime, &s.Status, &src, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.SourceResponseID = stringPtr(src)
	return s, err
}

func (r Repo) InsertShift(ctx context.Context, tx *sql.Tx, s domain.Shift) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO shifts(`+shiftColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		s.ID, s.Unit, s.StaffID, s.ShiftDate, s.ShiftType, s.StartTime, s.EndTime, s.Status, nullableStringPtr(s.SourceResponseID), s.CreatedAt)
	return err
}

func (r Repo) GetShift(ctx context.Context, id string) (domain.Shift, error) {
	return scanShift(r.DB.QueryRowContext(ctx, r.q(`SELECT `+shiftColumns+` FROM shifts WHERE id=?`), id))
}

func (r Repo) UpdateShiftStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE shifts SET status=? WHERE id=?`), status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasShift reports whether the staff member already holds a live shift in the slot.
func (r Repo) HasShift(ctx context.Context, tx *sql.Tx, staffID, unit, date, shiftType string) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, r.q(`SELECT COUNT(1) FROM shifts WHERE staff_id=? AND unit=? AND shift_date=? AND shift_type=? AND status<>?`),
		staffID, unit, date, shiftType, domain.ShiftCancelled).Scan(&n)
	return n > 0, err
}

type ShiftFilter struct {
	StaffID          string
	Unit             string
	From             string
	To               string
	Status           string
	Statuses         []string
	IncludeCancelled bool
}

func (r Repo) ListShifts(ctx context.Context, f ShiftFilter) ([]domain.Shift, error) {
	var clauses []string
	var args []any
	if f.StaffID != "" {
		clauses = append(clauses, "staff_id=?")
		args = append(args, f.StaffID)
	}
	if f.Unit != "" {
		clauses = append(clauses, "unit=?")
		args = append(args, f.Unit)
	}
	if f.From != "" {
		clauses = append(clauses, "shift_date>=?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "shift_date<=?")
		args = append(args, f.To)
	}
	switch {
	case f.Status != "":
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	case len(f.Statuses) > 0:
		clauses = append(clauses, "status IN (?"+strings.Repeat(",?", len(f.Statuses)-1)+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	case !f.IncludeCancelled:
		clauses = append(clauses, "status<>?")
		args = append(args, domain.ShiftCancelled)
	}
	query := `SELECT ` + shiftColumns + ` FROM shifts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY staff_id, shift_date, start_time, id"
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Shift
	for rows.Next() {
		s, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ShiftsBetween returns shifts dated within [from, to], ordered by staff,
// date and start time. Without statuses, only cancelled shifts are left out.
func (r Repo) ShiftsBetween(ctx context.Context, from, to string, statuses ...string) ([]domain.Shift, error) {
	return r.ListShifts(ctx, ShiftFilter{From: from, To: to, Statuses: statuses})
}

const leaveColumns = `id,staff_id,start_date,end_date,status,kind,created_at`

func scanLeave(sc interface{ Scan(...any) error }) (domain.Leave, error) {
	var l domain.Leave
	err := sc.Scan(&l.ID, &l.StaffID, &l.StartDate, &l.EndDate, &l.Status, &l.Kind, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) InsertLeave(ctx context.Context, tx *sql.Tx, l domain.Leave) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO leaves(`+leaveColumns+`) VALUES (?,?,?,?,?,?,?)`),
		l.ID, l.StaffID, l.StartDate, l.EndDate, l.Status, l.Kind, l.CreatedAt)
	return err
}

func (r Repo) GetLeave(ctx context.Context, id string) (domain.Leave, error) {
	return scanLeave(r.DB.QueryRowContext(ctx, r.q(`SELECT `+leaveColumns+` FROM leaves WHERE id=?`), id))
}

func (r Repo) UpdateLeaveStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE leaves SET status=? WHERE id=?`), status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLeaves returns leave overlapping [from, to]; empty bounds are open.
func (r Repo) ListLeaves(ctx context.Context, staffID, status, from, to string) ([]domain.Leave, error) {
	var clauses []string
	var args []any
	if staffID != "" {
		clauses = append(clauses, "staff_id=?")
		args = append(args, staffID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if to != "" {
		clauses = append(clauses, "start_date<=?")
		args = append(args, to)
	}
	if from != "" {
		clauses = append(clauses, "end_date>=?")
		args = append(args, from)
	}
	query := `SELECT ` + leaveColumns + ` FROM leaves`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY start_date, staff_id, id"
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Leave
	for rows.Next() {
		l, err := scanLeave(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// ApprovedLeaveBetween returns approved leave overlapping [from, to].
func (r Repo) ApprovedLeaveBetween(ctx context.Context, from, to string) ([]domain.Leave, error) {
	return r.ListLeaves(ctx, "", domain.LeaveApproved, from, to)
}

// AvailableStaff lists active staff with no live shift and no approved leave
// on the date who have not yet been contacted for the alert. An empty unit
// matches every unit.
func (r Repo) AvailableStaff(ctx context.Context, unit, date, alertID string, limit int) ([]domain.Staff, error) {
	query := `SELECT ` + staffColumns + ` FROM staff s WHERE s.active=?`
	args := []any{true}
	if unit != "" {
		query += ` AND s.unit=?`
		args = append(args, unit)
	}
	query += ` AND NOT EXISTS (SELECT 1 FROM shifts sh WHERE sh.staff_id=s.id AND sh.shift_date=? AND sh.status<>?)
 AND NOT EXISTS (SELECT 1 FROM leaves l WHERE l.staff_id=s.id AND l.status=? AND l.start_date<=? AND l.end_date>=?)
 AND NOT EXISTS (SELECT 1 FROM alert_responses ar WHERE ar.staff_id=s.id AND ar.alert_id=?)
 ORDER BY s.id`
	args = append(args, date, domain.ShiftCancelled, domain.LeaveApproved, date, date, alertID)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Staff
	for rows.Next() {
		s, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
