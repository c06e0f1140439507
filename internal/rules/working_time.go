package rules

import (
	"context"
	"fmt"
	"time"

	"rotaguard/internal/config"
	"rotaguard/internal/domain"
)

// ShiftHours returns the hours a shift counts toward working time.
type ShiftHours func(s domain.Shift) float64

// NewShiftHours returns the fixed per-shift constant unless the source is
// "recorded", in which case the shift's own start and end times are used.
func NewShiftHours(source string, fixed float64) ShiftHours {
	if source == config.HoursRecorded {
		return recordedHours
	}
	return func(domain.Shift) float64 { return fixed }
}

func recordedHours(s domain.Shift) float64 {
	start, err1 := time.Parse("15:04", s.StartTime)
	end, err2 := time.Parse("15:04", s.EndTime)
	if err1 != nil || err2 != nil {
		return 0
	}
	d := end.Sub(start)
	if d <= 0 {
		d += 24 * time.Hour
	}
	return d.Hours()
}

// WorkingTimeChecker flags staff whose average weekly hours over the
// reference window ending at the period end exceed the limit.
type WorkingTimeChecker struct {
	Ledger          Ledger
	WindowWeeks     int
	MaxAverageHours float64
	Hours           ShiftHours
}

func (c WorkingTimeChecker) Check(ctx context.Context, rule domain.Rule, start, end time.Time) ([]Finding, int, error) {
	staff, err := c.Ledger.ActiveStaff(ctx)
	if err != nil {
		return nil, 0, err
	}
	if len(staff) == 0 || c.WindowWeeks <= 0 {
		return nil, len(staff), nil
	}
	windowStart := end.AddDate(0, 0, -7*c.WindowWeeks+1)
	shifts, err := c.Ledger.ShiftsBetween(ctx, windowStart.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, 0, err
	}
	hours := c.Hours
	if hours == nil {
		hours = NewShiftHours(config.HoursFixed, 12)
	}
	totals := map[string]float64{}
	for _, s := range shifts {
		totals[s.StaffID] += hours(s)
	}
	var findings []Finding
	for _, s := range staff {
		avg := totals[s.ID] / float64(c.WindowWeeks)
		if avg <= c.MaxAverageHours {
			continue
		}
		findings = append(findings, Finding{
			StaffID: s.ID,
			Date:    end.Format(dateLayout),
			Description: fmt.Sprintf("%s averaged %.1f h/week over %d weeks ending %s (limit %.0f h)",
				s.Name, avg, c.WindowWeeks, end.Format(dateLayout), c.MaxAverageHours),
		})
	}
	return findings, len(staff), nil
}
