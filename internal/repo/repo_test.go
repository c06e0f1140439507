package repo_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotaguard/internal/db"
	"rotaguard/internal/domain"
	"rotaguard/internal/migrate"
	"rotaguard/internal/repo"
)

const ts = "2024-03-01T09:00:00Z"

func newSQLiteRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	dialect := db.DialectFor(db.DriverSQLite)
	require.NoError(t, migrate.Migrate(conn, dialect))
	return repo.Repo{DB: conn, Dialect: dialect}
}

func seedStaff(t *testing.T, r repo.Repo, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, r.InsertStaff(context.Background(), nil, domain.Staff{
			ID: id, Name: id, Unit: "ROSE", Role: "carer", Active: true, CreatedAt: ts,
		}))
	}
}

func seedAlert(t *testing.T, r repo.Repo, id string, shortage int) {
	t.Helper()
	require.NoError(t, r.InsertAlert(context.Background(), nil, domain.ShortageAlert{
		ID: id, Unit: "ROSE", ShiftDate: "2024-03-05", ShiftType: "DAY",
		RequiredStaff: 5, CurrentStaff: 5 - shortage, Shortage: shortage,
		Status: domain.AlertPending, Priority: domain.SeverityHigh,
		ExpiresAt: "2024-03-05T08:00:00Z", CreatedAt: ts, UpdatedAt: ts,
	}))
}

func TestIncrementAcceptedStopsAtShortage(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	seedAlert(t, r, "a1", 2)

	for i, want := range []bool{true, true, false} {
		tx, err := r.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		ok, err := r.IncrementAccepted(ctx, tx, "a1", ts)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Equal(t, want, ok, "increment %d", i)
	}
	a, err := r.GetAlert(ctx, nil, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, a.AcceptedResponses)
	assert.Equal(t, domain.AlertFilled, a.Status)
	assert.Equal(t, 0, a.PositionsRemaining())
}

func TestCloseAlertOnlyFromPending(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	seedAlert(t, r, "a1", 1)
	ok, err := r.CloseAlert(ctx, nil, "a1", domain.AlertCancelled, ts)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.CloseAlert(ctx, nil, "a1", domain.AlertUnfilled, ts)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShiftUniqueIndexIgnoresCancelled(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	seedStaff(t, r, "s1")
	shift := domain.Shift{ID: "sh1", Unit: "ROSE", StaffID: "s1", ShiftDate: "2024-03-05", ShiftType: "DAY",
		StartTime: "08:00", EndTime: "20:00", Status: domain.ShiftScheduled, CreatedAt: ts}
	require.NoError(t, r.InsertShift(ctx, nil, shift))

	dup := shift
	dup.ID = "sh2"
	err := r.InsertShift(ctx, nil, dup)
	require.Error(t, err)
	assert.True(t, repo.IsUniqueViolation(err))

	require.NoError(t, r.UpdateShiftStatus(ctx, nil, "sh1", domain.ShiftCancelled))
	require.NoError(t, r.InsertShift(ctx, nil, dup))
	has, err := r.HasShift(ctx, nil, "s1", "ROSE", "2024-03-05", "DAY")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestShiftsBetweenFiltersByStatus(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	seedStaff(t, r, "s1", "s2", "s3", "s4")
	for id, status := range map[string]string{
		"s1": domain.ShiftScheduled,
		"s2": domain.ShiftConfirmed,
		"s3": domain.ShiftCompleted,
		"s4": domain.ShiftCancelled,
	} {
		require.NoError(t, r.InsertShift(ctx, nil, domain.Shift{ID: "sh-" + id, Unit: "ROSE", StaffID: id,
			ShiftDate: "2024-03-05", ShiftType: "DAY", StartTime: "08:00", EndTime: "20:00", Status: status, CreatedAt: ts}))
	}

	staffOf := func(shifts []domain.Shift) []string {
		out := make([]string, 0, len(shifts))
		for _, s := range shifts {
			out = append(out, s.StaffID)
		}
		return out
	}
	live, err := r.ShiftsBetween(ctx, "2024-03-05", "2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, staffOf(live))

	cover, err := r.ShiftsBetween(ctx, "2024-03-05", "2024-03-05", domain.ShiftScheduled, domain.ShiftConfirmed)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, staffOf(cover))
}

func TestResponsesAreUniquePerStaff(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	seedStaff(t, r, "s1")
	seedAlert(t, r, "a1", 1)
	resp := domain.AlertResponse{ID: "r1", AlertID: "a1", StaffID: "s1", Response: domain.ResponsePending, ContactedAt: ts}
	ok, err := r.InsertResponse(ctx, nil, resp)
	require.NoError(t, err)
	assert.True(t, ok)
	resp.ID = "r2"
	ok, err = r.InsertResponse(ctx, nil, resp)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAvailableStaffExcludesBusyAndOnLeave(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	seedStaff(t, r, "s1", "s2", "s3", "s4")
	seedAlert(t, r, "a1", 2)
	require.NoError(t, r.InsertShift(ctx, nil, domain.Shift{ID: "sh1", Unit: "ROSE", StaffID: "s1", ShiftDate: "2024-03-05",
		ShiftType: "NIGHT", StartTime: "20:00", EndTime: "08:00", Status: domain.ShiftScheduled, CreatedAt: ts}))
	require.NoError(t, r.InsertLeave(ctx, nil, domain.Leave{ID: "l1", StaffID: "s2", StartDate: "2024-03-04", EndDate: "2024-03-06",
		Status: domain.LeaveApproved, Kind: "annual", CreatedAt: ts}))
	_, err := r.InsertResponse(ctx, nil, domain.AlertResponse{ID: "r1", AlertID: "a1", StaffID: "s3", Response: domain.ResponsePending, ContactedAt: ts})
	require.NoError(t, err)

	got, err := r.AvailableStaff(ctx, "ROSE", "2024-03-05", "a1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s4", got[0].ID)
}

func TestFinishCheckRunWritesTerminalStatusOnce(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertRule(ctx, nil, domain.Rule{Code: "R1", Name: "r", Category: "REST", Severity: domain.SeverityLow, IsActive: true, UpdatedAt: ts}))
	run := domain.CheckRun{ID: "c1", BatchID: "b1", RuleCode: "R1", PeriodStart: "2024-03-01", PeriodEnd: "2024-03-07", Status: domain.RunInProgress, StartedAt: ts}
	require.NoError(t, r.InsertCheckRun(ctx, nil, run))
	done := ts
	run.Status = domain.RunCompleted
	run.CompletedAt = &done
	ok, err := r.FinishCheckRun(ctx, nil, run)
	require.NoError(t, err)
	assert.True(t, ok)
	run.Status = domain.RunFailed
	ok, err = r.FinishCheckRun(ctx, nil, run)
	require.NoError(t, err)
	assert.False(t, ok)
	stored, err := r.GetCheckRun(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, stored.Status)
}

func TestPostgresLockAlertUsesForUpdate(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := repo.Repo{DB: conn, Dialect: db.DialectFor(db.DriverPostgres)}

	cols := []string{"id", "unit", "shift_date", "shift_type", "required_staff", "current_staff", "shortage", "status",
		"priority", "expires_at", "accepted_responses", "source_violation_id", "created_at", "updated_at"}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM shortage_alerts WHERE id=$1 FOR UPDATE`)).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("a1", "ROSE", "2024-03-05", "DAY", 5, 3, 2, "PENDING", "HIGH",
			"2024-03-05T08:00:00Z", 1, nil, ts, ts))
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id=$3 AND status=$4 AND accepted_responses<shortage`)).
		WithArgs(domain.AlertFilled, ts, "a1", domain.AlertPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	a, err := r.LockAlert(ctx, tx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.PositionsRemaining())
	ok, err := r.IncrementAccepted(ctx, tx, "a1", ts)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockAlertNotFound(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := repo.Repo{DB: conn, Dialect: db.DialectFor(db.DriverPostgres)}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = r.LockAlert(ctx, tx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}
