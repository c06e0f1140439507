package rules_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotaguard/internal/config"
	"rotaguard/internal/domain"
	"rotaguard/internal/rules"
)

type fakeLedger struct {
	staff  []domain.Staff
	shifts []domain.Shift
	leaves []domain.Leave
}

func (f *fakeLedger) ActiveStaff(context.Context) ([]domain.Staff, error) {
	var out []domain.Staff
	for _, s := range f.staff {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeLedger) ShiftsBetween(_ context.Context, from, to string, statuses ...string) ([]domain.Shift, error) {
	var out []domain.Shift
	for _, s := range f.shifts {
		if len(statuses) == 0 && s.Status == domain.ShiftCancelled {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, s.Status) {
			continue
		}
		if s.ShiftDate >= from && s.ShiftDate <= to {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeLedger) ApprovedLeaveBetween(_ context.Context, from, to string) ([]domain.Leave, error) {
	var out []domain.Leave
	for _, l := range f.leaves {
		if l.Status == domain.LeaveApproved && l.StartDate <= to && l.EndDate >= from {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLedger) addStaff(ids ...string) {
	for _, id := range ids {
		f.staff = append(f.staff, domain.Staff{ID: id, Name: "Nurse " + id, Unit: "HOME", Active: true})
	}
}

func (f *fakeLedger) shift(staffID, date, typ, start, end string) {
	f.shifts = append(f.shifts, domain.Shift{
		ID:        staffID + "-" + date + "-" + typ,
		Unit:      "HOME",
		StaffID:   staffID,
		ShiftDate: date,
		ShiftType: typ,
		StartTime: start,
		EndTime:   end,
		Status:    domain.ShiftScheduled,
	})
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func registry(t *testing.T, ledger rules.Ledger) *rules.Registry {
	t.Helper()
	cfg := config.Default("Test Home")
	return rules.DefaultRegistry(cfg, ledger)
}

func run(t *testing.T, reg *rules.Registry, code, start, end string) ([]rules.Finding, int) {
	t.Helper()
	c, ok := reg.Lookup(code)
	require.True(t, ok, "checker for %s", code)
	findings, items, err := c.Check(context.Background(), domain.Rule{Code: code}, day(start), day(end))
	require.NoError(t, err)
	return findings, items
}

func TestDailyRestFlagsShortTurnaround(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.addStaff("s1", "s2")
	// s1: night ends 08:00, next shift starts 18:00 the same day (10h rest).
	ledger.shift("s1", "2024-03-01", "NIGHT", "22:00", "08:00")
	ledger.shift("s1", "2024-03-02", "LATE", "18:00", "23:00")
	// s2: exactly 11h rest is fine.
	ledger.shift("s2", "2024-03-01", "NIGHT", "22:00", "08:00")
	ledger.shift("s2", "2024-03-02", "LATE", "19:00", "23:00")

	findings, items := run(t, registry(t, ledger), rules.CodeDailyRest, "2024-03-01", "2024-03-07")
	assert.Equal(t, 2, items)
	require.Len(t, findings, 1)
	assert.Equal(t, "s1", findings[0].StaffID)
	assert.Equal(t, "2024-03-02", findings[0].Date)
	assert.Contains(t, findings[0].Description, "10.0 h rest")
	assert.Nil(t, findings[0].Shortage)
}

func TestDailyRestNeverPairsAcrossStaff(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.addStaff("s1", "s2")
	ledger.shift("s1", "2024-03-01", "DAY", "08:00", "20:00")
	ledger.shift("s2", "2024-03-01", "NIGHT", "20:00", "08:00")

	findings, _ := run(t, registry(t, ledger), rules.CodeDailyRest, "2024-03-01", "2024-03-01")
	assert.Empty(t, findings)
}

func TestWeeklyRestFlagsSevenConsecutiveDays(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.addStaff("s1", "s2")
	for d := day("2024-03-04"); !d.After(day("2024-03-10")); d = d.AddDate(0, 0, 1) {
		ledger.shift("s1", d.Format("2006-01-02"), "DAY", "08:00", "20:00")
	}
	for d := day("2024-03-04"); !d.After(day("2024-03-09")); d = d.AddDate(0, 0, 1) {
		ledger.shift("s2", d.Format("2006-01-02"), "DAY", "08:00", "20:00")
	}

	findings, items := run(t, registry(t, ledger), rules.CodeWeeklyRest, "2024-03-04", "2024-03-10")
	assert.Equal(t, 2, items)
	require.Len(t, findings, 1)
	assert.Equal(t, "s1", findings[0].StaffID)
	assert.Contains(t, findings[0].Description, "7 of 7 days")
}

func TestStaffingShortageCarriesSlots(t *testing.T) {
	ledger := &fakeLedger{}
	var ids []string
	for i := 0; i < 15; i++ {
		ids = append(ids, string(rune('a'+i)))
	}
	ledger.addStaff(ids...)
	for _, id := range ids {
		ledger.shift(id, "2024-03-01", "DAY", "08:00", "20:00")
	}

	findings, items := run(t, registry(t, ledger), rules.CodeMinStaffDay, "2024-03-01", "2024-03-01")
	assert.Equal(t, 1, items)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Description, "15/17")
	want := &rules.Shortage{Unit: "HOME", ShiftDate: "2024-03-01", ShiftType: "DAY", Required: 17, Current: 15}
	if diff := cmp.Diff(want, findings[0].Shortage); diff != "" {
		t.Fatalf("shortage mismatch (-want +got):\n%s", diff)
	}
}

func TestStaffingCountsOnlyScheduledAndConfirmed(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.addStaff("s1", "s2", "s3")
	ledger.shift("s1", "2024-03-01", "DAY", "08:00", "20:00")
	ledger.shift("s2", "2024-03-01", "DAY", "08:00", "20:00")
	ledger.shift("s3", "2024-03-01", "DAY", "08:00", "20:00")
	ledger.shifts[1].Status = domain.ShiftConfirmed
	ledger.shifts[2].Status = domain.ShiftCompleted

	findings, _ := run(t, registry(t, ledger), rules.CodeMinStaffDay, "2024-03-01", "2024-03-01")
	require.Len(t, findings, 1)
	assert.Equal(t, 2, findings[0].Shortage.Current)
	assert.Contains(t, findings[0].Description, "2/17")
}

func TestStaffingIgnoresOtherCategory(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.addStaff("s1")
	ledger.shift("s1", "2024-03-01", "DAY", "08:00", "20:00")

	findings, items := run(t, registry(t, ledger), rules.CodeMinStaffNight, "2024-03-01", "2024-03-02")
	assert.Equal(t, 2, items)
	require.Len(t, findings, 2)
	for _, f := range findings {
		assert.Equal(t, 0, f.Shortage.Current)
		assert.Equal(t, "NIGHT", f.Shortage.ShiftType)
	}
}

func TestEmptyLedgerYieldsNoFindings(t *testing.T) {
	reg := registry(t, &fakeLedger{})
	for _, code := range []string{rules.CodeWorkingTimeAverage, rules.CodeDailyRest, rules.CodeWeeklyRest, rules.CodeLeaveCoverage} {
		findings, _ := run(t, reg, code, "2024-03-01", "2024-03-07")
		assert.Empty(t, findings, code)
	}
	_, items := run(t, reg, rules.CodeLeaveCoverage, "2024-03-01", "2024-03-07")
	assert.Equal(t, 7, items)
}

func TestWorkingTimeAverage(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.addStaff("s1", "s2")
	end := day("2024-04-30")
	start := end.AddDate(0, 0, -7*17+1)
	// s1 works 5 shifts of 12h every week: 60h average.
	// s2 works 4 shifts of 12h every week: 48h average, on the limit.
	i := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		wd := i % 7
		date := d.Format("2006-01-02")
		if wd < 5 {
			ledger.shift("s1", date, "DAY", "08:00", "20:00")
		}
		if wd < 4 {
			ledger.shift("s2", date, "DAY", "08:00", "20:00")
		}
		i++
	}

	findings, items := run(t, registry(t, ledger), rules.CodeWorkingTimeAverage, "2024-04-01", "2024-04-30")
	assert.Equal(t, 2, items)
	got := make([]string, 0, len(findings))
	for _, f := range findings {
		got = append(got, f.StaffID)
	}
	if diff := cmp.Diff([]string{"s1"}, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("flagged staff (-want +got):\n%s", diff)
	}
	assert.Contains(t, findings[0].Description, "60.0 h/week")
}

func TestRecordedShiftHours(t *testing.T) {
	hours := rules.NewShiftHours(config.HoursRecorded, 12)
	assert.InDelta(t, 12.0, hours(domain.Shift{StartTime: "20:00", EndTime: "08:00"}), 0.001)
	assert.InDelta(t, 7.5, hours(domain.Shift{StartTime: "07:30", EndTime: "15:00"}), 0.001)

	fixed := rules.NewShiftHours(config.HoursFixed, 12)
	assert.InDelta(t, 12.0, fixed(domain.Shift{StartTime: "07:30", EndTime: "15:00"}), 0.001)
}

func TestLeaveCoverage(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.addStaff("s1", "s2")
	ledger.shift("s1", "2024-03-01", "DAY", "08:00", "20:00")
	ledger.leaves = []domain.Leave{
		{ID: "l1", StaffID: "s2", StartDate: "2024-03-02", EndDate: "2024-03-03", Status: domain.LeaveApproved},
		{ID: "l2", StaffID: "s1", StartDate: "2024-03-05", EndDate: "2024-03-05", Status: domain.LeavePending},
	}

	findings, items := run(t, registry(t, ledger), rules.CodeLeaveCoverage, "2024-03-01", "2024-03-07")
	assert.Equal(t, 7, items)
	dates := make([]string, 0, len(findings))
	for _, f := range findings {
		dates = append(dates, f.Date)
	}
	assert.Equal(t, []string{"2024-03-02", "2024-03-03"}, dates)
}

func TestRegistry(t *testing.T) {
	reg := rules.NewRegistry()
	noop := rules.CheckerFunc(func(context.Context, domain.Rule, time.Time, time.Time) ([]rules.Finding, int, error) {
		return nil, 0, nil
	})
	reg.Register("A", noop)
	assert.Panics(t, func() { reg.Register("A", noop) })
	assert.Equal(t, []string{"A"}, reg.Codes())
	assert.Equal(t, []string{"B"}, reg.Missing([]string{"A", "B"}))

	def := rules.DefaultRegistry(config.Default("x"), &fakeLedger{})
	assert.Empty(t, def.Missing(config.Default("x").ActiveRuleCodes()))
}

func TestRegistryValidate(t *testing.T) {
	reg := rules.DefaultRegistry(config.Default("x"), &fakeLedger{})
	require.NoError(t, reg.Validate([]string{rules.CodeDailyRest}))
	err := reg.Validate([]string{rules.CodeDailyRest, "CUSTOM_RULE"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUSTOM_RULE")
}
