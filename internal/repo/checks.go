package repo

import (
	"context"
	"database/sql"
	"strings"

	"rotaguard/internal/domain"
)

const ruleColumns = `code,name,category,severity,is_active,COALESCE(description,''),updated_at`

func scanRule(sc interface{ Scan(...any) error }) (domain.Rule, error) {
	var r domain.Rule
	err := sc.Scan(&r.Code, &r.Name, &r.Category, &r.Severity, &r.IsActive, &r.Description, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	return r, err
}

func (r Repo) UpsertRule(ctx context.Context, tx *sql.Tx, rule domain.Rule) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO rules(code,name,category,severity,is_active,description,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(code) DO UPDATE SET name=excluded.name, category=excluded.category, severity=excluded.severity,
is_active=excluded.is_active, description=excluded.description, updated_at=excluded.updated_at`),
		rule.Code, rule.Name, rule.Category, rule.Severity, rule.IsActive, nullable(rule.Description), rule.UpdatedAt)
	return err
}

func (r Repo) GetRule(ctx context.Context, code string) (domain.Rule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, r.q(`SELECT `+ruleColumns+` FROM rules WHERE code=?`), code))
}

func (r Repo) ListRules(ctx context.Context, category string, activeOnly bool) ([]domain.Rule, error) {
	var clauses []string
	var args []any
	if category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, category)
	}
	if activeOnly {
		clauses = append(clauses, "is_active=?")
		args = append(args, true)
	}
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY code"
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

const checkRunColumns = `id,batch_id,rule_code,period_start,period_end,status,items_checked,violations_found,started_at,completed_at,COALESCE(result_summary,'')`

func scanCheckRun(sc interface{ Scan(...any) error }) (domain.CheckRun, error) {
	var c domain.CheckRun
	var completed sql.NullString
	err := sc.Scan(&c.ID, &c.BatchID, &c.RuleCode, &c.PeriodStart, &c.PeriodEnd, &c.Status, &c.ItemsChecked, &c.ViolationsFound, &c.StartedAt, &completed, &c.ResultSummary)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.CompletedAt = stringPtr(completed)
	return c, err
}

func (r Repo) InsertCheckRun(ctx context.Context, tx *sql.Tx, c domain.CheckRun) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO check_runs(id,batch_id,rule_code,period_start,period_end,status,items_checked,violations_found,started_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		c.ID, c.BatchID, c.RuleCode, c.PeriodStart, c.PeriodEnd, c.Status, c.ItemsChecked, c.ViolationsFound, c.StartedAt)
	return err
}

// FinishCheckRun writes the terminal status once. It reports false when the
// run had already left IN_PROGRESS.
func (r Repo) FinishCheckRun(ctx context.Context, tx *sql.Tx, c domain.CheckRun) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE check_runs SET status=?, items_checked=?, violations_found=?, completed_at=?, result_summary=? WHERE id=? AND status=?`),
		c.Status, c.ItemsChecked, c.ViolationsFound, nullableStringPtr(c.CompletedAt), nullable(c.ResultSummary), c.ID, domain.RunInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetCheckRun(ctx context.Context, id string) (domain.CheckRun, error) {
	return scanCheckRun(r.DB.QueryRowContext(ctx, r.q(`SELECT `+checkRunColumns+` FROM check_runs WHERE id=?`), id))
}

type CheckRunFilter struct {
	BatchID  string
	RuleCode string
	Status   string
	Limit    int
}

func (r Repo) ListCheckRuns(ctx context.Context, f CheckRunFilter) ([]domain.CheckRun, error) {
	var clauses []string
	var args []any
	if f.BatchID != "" {
		clauses = append(clauses, "batch_id=?")
		args = append(args, f.BatchID)
	}
	if f.RuleCode != "" {
		clauses = append(clauses, "rule_code=?")
		args = append(args, f.RuleCode)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + checkRunColumns + ` FROM check_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CheckRun
	for rows.Next() {
		c, err := scanCheckRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CheckRunsForPeriod returns runs of one rule over exactly the given period.
func (r Repo) CheckRunsForPeriod(ctx context.Context, ruleCode, start, end string) ([]domain.CheckRun, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+checkRunColumns+` FROM check_runs WHERE rule_code=? AND period_start=? AND period_end=? ORDER BY started_at DESC, id DESC`),
		ruleCode, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CheckRun
	for rows.Next() {
		c, err := scanCheckRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

const violationColumns = `id,check_run_id,rule_code,severity,status,description,affected_staff_id,subject_date,resolution_note,detected_at,updated_at`

func scanViolation(sc interface{ Scan(...any) error }) (domain.Violation, error) {
	var v domain.Violation
	var staff, date, note sql.NullString
	err := sc.Scan(&v.ID, &v.CheckRunID, &v.RuleCode, &v.Severity, &v.Status, &v.Description, &staff, &date, &note, &v.DetectedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	v.AffectedStaffID = stringPtr(staff)
	v.SubjectDate = stringPtr(date)
	v.ResolutionNote = stringPtr(note)
	return v, err
}

func (r Repo) InsertViolation(ctx context.Context, tx *sql.Tx, v domain.Violation) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO violations(`+violationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		v.ID, v.CheckRunID, v.RuleCode, v.Severity, v.Status, v.Description,
		nullableStringPtr(v.AffectedStaffID), nullableStringPtr(v.SubjectDate), nullableStringPtr(v.ResolutionNote), v.DetectedAt, v.UpdatedAt)
	return err
}

func (r Repo) GetViolation(ctx context.Context, tx *sql.Tx, id string) (domain.Violation, error) {
	return scanViolation(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+violationColumns+` FROM violations WHERE id=?`), id))
}

// UpdateViolationStatus moves a violation from one status to another. It
// reports false when the stored status no longer matches from.
func (r Repo) UpdateViolationStatus(ctx context.Context, tx *sql.Tx, id, from, to string, note *string, updatedAt string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE violations SET status=?, resolution_note=COALESCE(?, resolution_note), updated_at=? WHERE id=? AND status=?`),
		to, nullableStringPtr(note), updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type ViolationFilter struct {
	Status     string
	RuleCode   string
	StaffID    string
	CheckRunID string
	From       string
	To         string
	Limit      int
}

func (r Repo) ListViolations(ctx context.Context, f ViolationFilter) ([]domain.Violation, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RuleCode != "" {
		clauses = append(clauses, "rule_code=?")
		args = append(args, f.RuleCode)
	}
	if f.StaffID != "" {
		clauses = append(clauses, "affected_staff_id=?")
		args = append(args, f.StaffID)
	}
	if f.CheckRunID != "" {
		clauses = append(clauses, "check_run_id=?")
		args = append(args, f.CheckRunID)
	}
	if f.From != "" {
		clauses = append(clauses, "subject_date>=?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "subject_date<=?")
		args = append(args, f.To)
	}
	query := `SELECT ` + violationColumns + ` FROM violations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY detected_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
