package rules

import (
	"context"
	"fmt"
	"time"

	"rotaguard/internal/domain"
)

// LeaveCoverageChecker flags days where approved leave coincides with fewer
// scheduled staff than the combined day and night minimums.
type LeaveCoverageChecker struct {
	Ledger       Ledger
	DayMinimum   int
	NightMinimum int
}

func (c LeaveCoverageChecker) Check(ctx context.Context, rule domain.Rule, start, end time.Time) ([]Finding, int, error) {
	from, to := start.Format(dateLayout), end.Format(dateLayout)
	shifts, err := c.Ledger.ShiftsBetween(ctx, from, to, coverageStatuses...)
	if err != nil {
		return nil, 0, err
	}
	leaves, err := c.Ledger.ApprovedLeaveBetween(ctx, from, to)
	if err != nil {
		return nil, 0, err
	}
	scheduled := map[string]map[string]bool{}
	for _, s := range shifts {
		if scheduled[s.ShiftDate] == nil {
			scheduled[s.ShiftDate] = map[string]bool{}
		}
		scheduled[s.ShiftDate][s.StaffID] = true
	}
	required := c.DayMinimum + c.NightMinimum

	var findings []Finding
	days := 0
	eachDay(start, end, func(d time.Time) {
		days++
		date := d.Format(dateLayout)
		away := map[string]bool{}
		for _, l := range leaves {
			if l.Covers(date) {
				away[l.StaffID] = true
			}
		}
		onShift := len(scheduled[date])
		if len(away) == 0 || onShift >= required {
			return
		}
		findings = append(findings, Finding{
			Date: date,
			Description: fmt.Sprintf("%s: %d staff on approved leave with %d scheduled against %d required",
				date, len(away), onShift, required),
		})
	})
	return findings, days, nil
}
