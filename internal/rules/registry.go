// Package rules holds the compliance checkers and the registry that maps a
// persisted rule code to the checker evaluating it.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"rotaguard/internal/config"
	"rotaguard/internal/domain"
)

// Rule codes with built-in checkers.
const (
	CodeWorkingTimeAverage = "WTD_WEEKLY_AVERAGE"
	CodeDailyRest          = "DAILY_REST_11H"
	CodeWeeklyRest         = "WEEKLY_REST_DAY"
	CodeMinStaffDay        = "MIN_STAFF_DAY"
	CodeMinStaffNight      = "MIN_STAFF_NIGHT"
	CodeLeaveCoverage      = "LEAVE_COVERAGE"
)

// Ledger is the read-only view of rostering records the checkers consume.
type Ledger interface {
	ActiveStaff(ctx context.Context) ([]domain.Staff, error)
	// ShiftsBetween returns shifts dated within [from, to]. With no statuses
	// every non-cancelled shift is returned.
	ShiftsBetween(ctx context.Context, from, to string, statuses ...string) ([]domain.Shift, error)
	ApprovedLeaveBetween(ctx context.Context, from, to string) ([]domain.Leave, error)
}

// Finding is one detected violation before it is persisted.
type Finding struct {
	StaffID     string
	Date        string
	Description string
	Shortage    *Shortage
}

// Shortage accompanies staffing findings that can be offered to staff as open slots.
type Shortage struct {
	Unit      string
	ShiftDate string
	ShiftType string
	Required  int
	Current   int
}

// Checker evaluates one rule over an inclusive date period. It returns the
// findings and the number of items examined. "No violation" is an empty
// slice with a nil error.
type Checker interface {
	Check(ctx context.Context, rule domain.Rule, start, end time.Time) ([]Finding, int, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, rule domain.Rule, start, end time.Time) ([]Finding, int, error)

func (f CheckerFunc) Check(ctx context.Context, rule domain.Rule, start, end time.Time) ([]Finding, int, error) {
	return f(ctx, rule, start, end)
}

type Registry struct {
	checkers map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checkers: map[string]Checker{}}
}

// Register binds a code to its checker. Registering a code twice is a
// programming error and panics.
func (r *Registry) Register(code string, c Checker) {
	if code == "" || c == nil {
		panic("rules: register requires a code and a checker")
	}
	if _, dup := r.checkers[code]; dup {
		panic(fmt.Sprintf("rules: checker for %s already registered", code))
	}
	r.checkers[code] = c
}

func (r *Registry) Lookup(code string) (Checker, bool) {
	c, ok := r.checkers[code]
	return c, ok
}

func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.checkers))
	for code := range r.checkers {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Missing returns the codes that have no registered checker.
func (r *Registry) Missing(codes []string) []string {
	var missing []string
	for _, code := range codes {
		if _, ok := r.checkers[code]; !ok {
			missing = append(missing, code)
		}
	}
	return missing
}

// Validate fails when any of codes has no checker.
func (r *Registry) Validate(codes []string) error {
	if missing := r.Missing(codes); len(missing) > 0 {
		return fmt.Errorf("no checker registered for rule codes: %s", strings.Join(missing, ", "))
	}
	return nil
}

// DefaultRegistry wires the built-in checkers with thresholds from cfg.
func DefaultRegistry(cfg *config.Config, ledger Ledger) *Registry {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	th := cfg.Thresholds
	categories := map[string]string{}
	for name, st := range cfg.ShiftTypes {
		categories[name] = st.Category
	}

	reg := NewRegistry()
	reg.Register(CodeWorkingTimeAverage, WorkingTimeChecker{
		Ledger:          ledger,
		WindowWeeks:     th.WorkingTime.WindowWeeks,
		MaxAverageHours: th.WorkingTime.MaxAverageHours,
		Hours:           NewShiftHours(th.WorkingTime.HoursSource, th.WorkingTime.FixedShiftHours),
	})
	reg.Register(CodeDailyRest, DailyRestChecker{
		Ledger:   ledger,
		MinRest:  time.Duration(th.Rest.MinDailyRestHours * float64(time.Hour)),
		Location: loc,
	})
	reg.Register(CodeWeeklyRest, WeeklyRestChecker{
		Ledger:         ledger,
		MaxWorkingDays: th.Rest.MaxWorkingDays,
	})
	reg.Register(CodeMinStaffDay, StaffingChecker{
		Ledger:     ledger,
		Category:   domain.CategoryDay,
		Minimum:    th.Staffing.DayMinimum,
		ShiftType:  th.Staffing.DayShiftType,
		Unit:       cfg.Home.Unit,
		Categories: categories,
	})
	reg.Register(CodeMinStaffNight, StaffingChecker{
		Ledger:     ledger,
		Category:   domain.CategoryNight,
		Minimum:    th.Staffing.NightMinimum,
		ShiftType:  th.Staffing.NightShiftType,
		Unit:       cfg.Home.Unit,
		Categories: categories,
	})
	reg.Register(CodeLeaveCoverage, LeaveCoverageChecker{
		Ledger:       ledger,
		DayMinimum:   th.Staffing.DayMinimum,
		NightMinimum: th.Staffing.NightMinimum,
	})
	return reg
}

const dateLayout = "2006-01-02"

// eachDay calls fn for every date in [start, end].
func eachDay(start, end time.Time, fn func(day time.Time)) {
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		fn(d)
	}
}

func staffNames(staff []domain.Staff) map[string]string {
	names := make(map[string]string, len(staff))
	for _, s := range staff {
		names[s.ID] = s.Name
	}
	return names
}
