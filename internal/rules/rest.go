package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"rotaguard/internal/domain"
)

// DailyRestChecker flags adjacent shifts of the same person separated by
// less than the minimum rest. Pairs are only ever formed per person.
type DailyRestChecker struct {
	Ledger   Ledger
	MinRest  time.Duration
	Location *time.Location
}

type timedShift struct {
	shift domain.Shift
	start time.Time
	end   time.Time
}

// shiftBounds resolves wall-clock start and end. An end at or before the
// start belongs to the following day.
func shiftBounds(s domain.Shift, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", s.ShiftDate+" "+s.StartTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("shift %s start: %w", s.ID, err)
	}
	end, err := time.ParseInLocation("2006-01-02 15:04", s.ShiftDate+" "+s.EndTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("shift %s end: %w", s.ID, err)
	}
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start, end, nil
}

func (c DailyRestChecker) Check(ctx context.Context, rule domain.Rule, start, end time.Time) ([]Finding, int, error) {
	staff, err := c.Ledger.ActiveStaff(ctx)
	if err != nil {
		return nil, 0, err
	}
	shifts, err := c.Ledger.ShiftsBetween(ctx, start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, 0, err
	}
	names := staffNames(staff)
	byStaff := map[string][]timedShift{}
	for _, s := range shifts {
		if _, active := names[s.StaffID]; !active {
			continue
		}
		st, en, err := shiftBounds(s, c.Location)
		if err != nil {
			return nil, 0, err
		}
		byStaff[s.StaffID] = append(byStaff[s.StaffID], timedShift{shift: s, start: st, end: en})
	}

	var findings []Finding
	for _, person := range staff {
		list := byStaff[person.ID]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].shift.ShiftDate != list[j].shift.ShiftDate {
				return list[i].shift.ShiftDate < list[j].shift.ShiftDate
			}
			return list[i].start.Before(list[j].start)
		})
		for i := 1; i < len(list); i++ {
			prev, next := list[i-1], list[i]
			gap := next.start.Sub(prev.end)
			if gap >= c.MinRest {
				continue
			}
			findings = append(findings, Finding{
				StaffID: person.ID,
				Date:    next.shift.ShiftDate,
				Description: fmt.Sprintf("%s had %.1f h rest between %s %s-%s and %s %s (minimum %.0f h)",
					person.Name, gap.Hours(), prev.shift.ShiftDate, prev.shift.StartTime, prev.shift.EndTime,
					next.shift.ShiftDate, next.shift.StartTime, c.MinRest.Hours()),
			})
		}
	}
	return findings, len(staff), nil
}

// WeeklyRestChecker partitions the period into 7-day windows anchored at the
// period start and flags anyone working more than MaxWorkingDays distinct
// dates in a window.
type WeeklyRestChecker struct {
	Ledger         Ledger
	MaxWorkingDays int
}

func (c WeeklyRestChecker) Check(ctx context.Context, rule domain.Rule, start, end time.Time) ([]Finding, int, error) {
	staff, err := c.Ledger.ActiveStaff(ctx)
	if err != nil {
		return nil, 0, err
	}
	shifts, err := c.Ledger.ShiftsBetween(ctx, start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, 0, err
	}
	limit := c.MaxWorkingDays
	if limit <= 0 {
		limit = 6
	}
	worked := map[string]map[string]bool{}
	for _, s := range shifts {
		if worked[s.StaffID] == nil {
			worked[s.StaffID] = map[string]bool{}
		}
		worked[s.StaffID][s.ShiftDate] = true
	}

	var findings []Finding
	for ws := start; !ws.After(end); ws = ws.AddDate(0, 0, 7) {
		we := ws.AddDate(0, 0, 6)
		if we.After(end) {
			we = end
		}
		for _, person := range staff {
			days := 0
			eachDay(ws, we, func(d time.Time) {
				if worked[person.ID][d.Format(dateLayout)] {
					days++
				}
			})
			if days <= limit {
				continue
			}
			findings = append(findings, Finding{
				StaffID: person.ID,
				Date:    ws.Format(dateLayout),
				Description: fmt.Sprintf("%s worked %d of 7 days from %s to %s without a rest day",
					person.Name, days, ws.Format(dateLayout), we.Format(dateLayout)),
			})
		}
	}
	return findings, len(staff), nil
}
