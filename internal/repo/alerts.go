package repo

import (
	"context"
	"database/sql"
	"strings"

	"rotaguard/internal/domain"
)

const alertColumns = `id,unit,shift_date,shift_type,required_staff,current_staff,shortage,status,priority,expires_at,accepted_responses,source_violation_id,created_at,updated_at`

func scanAlert(sc interface{ Scan(...any) error }) (domain.ShortageAlert, error) {
	var a domain.ShortageAlert
	var src sql.NullString
	err := sc.Scan(&a.ID, &a.Unit, &a.ShiftDate, &a.ShiftType, &a.RequiredStaff, &a.CurrentStaff, &a.Shortage,
		&a.Status, &a.Priority, &a.ExpiresAt, &a.AcceptedResponses, &src, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.SourceViolationID = stringPtr(src)
	return a, err
}

func (r Repo) InsertAlert(ctx context.Context, tx *sql.Tx, a domain.ShortageAlert) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO shortage_alerts(`+alertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		a.ID, a.Unit, a.ShiftDate, a.ShiftType, a.RequiredStaff, a.CurrentStaff, a.Shortage,
		a.Status, a.Priority, a.ExpiresAt, a.AcceptedResponses, nullableStringPtr(a.SourceViolationID), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAlert(ctx context.Context, tx *sql.Tx, id string) (domain.ShortageAlert, error) {
	return scanAlert(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+alertColumns+` FROM shortage_alerts WHERE id=?`), id))
}

// LockAlert reads the alert row holding a write lock until tx ends. Postgres
// uses SELECT ... FOR UPDATE. SQLite has no row locks, so a no-op UPDATE takes
// the database write lock first; later claimants wait on busy_timeout.
func (r Repo) LockAlert(ctx context.Context, tx *sql.Tx, id string) (domain.ShortageAlert, error) {
	if r.Dialect.IsPostgres() {
		return scanAlert(tx.QueryRowContext(ctx, r.q(`SELECT `+alertColumns+` FROM shortage_alerts WHERE id=? FOR UPDATE`), id))
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE shortage_alerts SET updated_at=updated_at WHERE id=?`), id)
	if err != nil {
		return domain.ShortageAlert{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ShortageAlert{}, ErrNotFound
	}
	return r.GetAlert(ctx, tx, id)
}

// FindPendingAlert returns the open alert for a slot, if any.
func (r Repo) FindPendingAlert(ctx context.Context, tx *sql.Tx, unit, date, shiftType string) (domain.ShortageAlert, error) {
	return scanAlert(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+alertColumns+` FROM shortage_alerts WHERE unit=? AND shift_date=? AND shift_type=? AND status=? ORDER BY created_at DESC LIMIT 1`),
		unit, date, shiftType, domain.AlertPending))
}

type AlertFilter struct {
	Status string
	Unit   string
	From   string
	To     string
	Limit  int
}

func (r Repo) ListAlerts(ctx context.Context, f AlertFilter) ([]domain.ShortageAlert, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
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
	query := `SELECT ` + alertColumns + ` FROM shortage_alerts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY shift_date, shift_type, created_at"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryAlerts(ctx, query, args...)
}

// ExpiredPendingAlerts lists PENDING alerts whose expiry is at or before now.
func (r Repo) ExpiredPendingAlerts(ctx context.Context, now string) ([]domain.ShortageAlert, error) {
	return r.queryAlerts(ctx, `SELECT `+alertColumns+` FROM shortage_alerts WHERE status=? AND expires_at<=? ORDER BY expires_at, id`,
		domain.AlertPending, now)
}

func (r Repo) queryAlerts(ctx context.Context, query string, args ...any) ([]domain.ShortageAlert, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ShortageAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// IncrementAccepted adds one accepted response and flips the alert to FILLED
// when the count reaches the shortage. The guard makes the increment atomic:
// it reports false when the alert is no longer PENDING or already full.
func (r Repo) IncrementAccepted(ctx context.Context, tx *sql.Tx, id, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE shortage_alerts
SET accepted_responses=accepted_responses+1,
    status=CASE WHEN accepted_responses+1>=shortage THEN ? ELSE status END,
    updated_at=?
WHERE id=? AND status=? AND accepted_responses<shortage`),
		domain.AlertFilled, updatedAt, id, domain.AlertPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CloseAlert moves a PENDING alert to a terminal status.
func (r Repo) CloseAlert(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE shortage_alerts SET status=?, updated_at=? WHERE id=? AND status=?`),
		status, updatedAt, id, domain.AlertPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const responseColumns = `id,alert_id,staff_id,response,contacted_at,responded_at,shift_id`

func scanResponse(sc interface{ Scan(...any) error }) (domain.AlertResponse, error) {
	var ar domain.AlertResponse
	var responded, shift sql.NullString
	err := sc.Scan(&ar.ID, &ar.AlertID, &ar.StaffID, &ar.Response, &ar.ContactedAt, &responded, &shift)
	if err == sql.ErrNoRows {
		return ar, ErrNotFound
	}
	ar.RespondedAt = stringPtr(responded)
	ar.ShiftID = stringPtr(shift)
	return ar, err
}

// InsertResponse records an invitation. It reports false when the staff
// member was already contacted for the alert.
func (r Repo) InsertResponse(ctx context.Context, tx *sql.Tx, ar domain.AlertResponse) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO alert_responses(`+responseColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(alert_id, staff_id) DO NOTHING`),
		ar.ID, ar.AlertID, ar.StaffID, ar.Response, ar.ContactedAt, nullableStringPtr(ar.RespondedAt), nullableStringPtr(ar.ShiftID))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetResponse(ctx context.Context, tx *sql.Tx, id string) (domain.AlertResponse, error) {
	return scanResponse(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+responseColumns+` FROM alert_responses WHERE id=?`), id))
}

func (r Repo) ListResponses(ctx context.Context, alertID, staffID, response string) ([]domain.AlertResponse, error) {
	var clauses []string
	var args []any
	if alertID != "" {
		clauses = append(clauses, "alert_id=?")
		args = append(args, alertID)
	}
	if staffID != "" {
		clauses = append(clauses, "staff_id=?")
		args = append(args, staffID)
	}
	if response != "" {
		clauses = append(clauses, "response=?")
		args = append(args, response)
	}
	query := `SELECT ` + responseColumns + ` FROM alert_responses`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY contacted_at, id"
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AlertResponse
	for rows.Next() {
		ar, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ar)
	}
	return res, rows.Err()
}

// MarkResponseAccepted reports false if the response was already ACCEPTED.
func (r Repo) MarkResponseAccepted(ctx context.Context, tx *sql.Tx, id, respondedAt, shiftID string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE alert_responses SET response=?, responded_at=?, shift_id=? WHERE id=? AND response<>?`),
		domain.ResponseAccepted, respondedAt, shiftID, id, domain.ResponseAccepted)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkResponseDeclined only moves PENDING responses.
func (r Repo) MarkResponseDeclined(ctx context.Context, tx *sql.Tx, id, respondedAt string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE alert_responses SET response=?, responded_at=? WHERE id=? AND response=?`),
		domain.ResponseDeclined, respondedAt, id, domain.ResponsePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClosePendingResponses marks every still-PENDING invitation of an alert as NO_RESPONSE.
func (r Repo) ClosePendingResponses(ctx context.Context, tx *sql.Tx, alertID string) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE alert_responses SET response=? WHERE alert_id=? AND response=?`),
		domain.ResponseNoResponse, alertID, domain.ResponsePending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
