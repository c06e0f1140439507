package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rotaguard/internal/domain"
)

// coverageStatuses are the shift states that count as someone being on the
// rota for a day; completed shifts are history, not cover.
var coverageStatuses = []string{domain.ShiftScheduled, domain.ShiftConfirmed}

// StaffingChecker counts distinct staff scheduled on shifts of one category
// for each day and flags days below the minimum. Findings carry a shortage
// so the orchestrator can open an alert for the missing positions.
type StaffingChecker struct {
	Ledger     Ledger
	Category   string
	Minimum    int
	ShiftType  string
	Unit       string
	Categories map[string]string
}

func (c StaffingChecker) Check(ctx context.Context, rule domain.Rule, start, end time.Time) ([]Finding, int, error) {
	shifts, err := c.Ledger.ShiftsBetween(ctx, start.Format(dateLayout), end.Format(dateLayout), coverageStatuses...)
	if err != nil {
		return nil, 0, err
	}
	onShift := map[string]map[string]bool{}
	for _, s := range shifts {
		if c.Categories[s.ShiftType] != c.Category {
			continue
		}
		if onShift[s.ShiftDate] == nil {
			onShift[s.ShiftDate] = map[string]bool{}
		}
		onShift[s.ShiftDate][s.StaffID] = true
	}

	var findings []Finding
	days := 0
	eachDay(start, end, func(d time.Time) {
		days++
		date := d.Format(dateLayout)
		count := len(onShift[date])
		if count >= c.Minimum {
			return
		}
		findings = append(findings, Finding{
			Date: date,
			Description: fmt.Sprintf("%s %s shift staffed %d/%d",
				date, strings.ToLower(c.Category), count, c.Minimum),
			Shortage: &Shortage{
				Unit:      c.Unit,
				ShiftDate: date,
				ShiftType: c.ShiftType,
				Required:  c.Minimum,
				Current:   count,
			},
		})
	})
	return findings, days, nil
}
