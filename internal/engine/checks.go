package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"rotaguard/internal/config"
	"rotaguard/internal/domain"
	"rotaguard/internal/events"
	"rotaguard/internal/metrics"
	"rotaguard/internal/repo"
	"rotaguard/internal/rules"
)

// RunOptions selects rules and the inclusive period to evaluate.
type RunOptions struct {
	Start    time.Time
	End      time.Time
	Codes    []string
	Category string
	Resume   bool
	ActorID  string
}

// BatchResult summarises one RunChecks call. Totals are read back from the
// persisted check runs of the batch.
type BatchResult struct {
	BatchID         string            `json:"batch_id"`
	PeriodStart     string            `json:"period_start"`
	PeriodEnd       string            `json:"period_end"`
	Runs            []domain.CheckRun `json:"runs"`
	Skipped         []string          `json:"skipped,omitempty"`
	Interrupted     []string          `json:"interrupted,omitempty"`
	UnknownCodes    []string          `json:"unknown_codes,omitempty"`
	MissingCheckers []string          `json:"missing_checkers,omitempty"`
	ItemsChecked    int               `json:"items_checked"`
	ViolationsFound int               `json:"violations_found"`
	AlertsCreated   int               `json:"alerts_created"`
	Failed          int               `json:"failed"`
}

const dateLayout = "2006-01-02"

// RunChecks evaluates each selected rule over the period in its own check
// run. A failing or panicking checker marks only its own run FAILED.
func (e Engine) RunChecks(ctx context.Context, opts RunOptions) (BatchResult, error) {
	if e.Registry == nil {
		return BatchResult{}, errors.New("rule registry not configured")
	}
	start := truncateDay(opts.Start)
	end := truncateDay(opts.End)
	if end.Before(start) {
		return BatchResult{}, fmt.Errorf("period end %s is before start %s", end.Format(dateLayout), start.Format(dateLayout))
	}
	res := BatchResult{
		BatchID:     newID(),
		PeriodStart: start.Format(dateLayout),
		PeriodEnd:   end.Format(dateLayout),
	}
	selected, unknown, err := e.selectRules(ctx, opts.Codes, opts.Category)
	if err != nil {
		return BatchResult{}, err
	}
	res.UnknownCodes = unknown
	if len(unknown) > 0 {
		e.log().Warn("unknown rule codes requested", zap.Strings("codes", unknown))
	}

	logger := e.log().With(zap.String("batch_id", res.BatchID))
	for _, rule := range selected {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		checker, ok := e.Registry.Lookup(rule.Code)
		if !ok {
			res.MissingCheckers = append(res.MissingCheckers, rule.Code)
			logger.Warn("rule has no registered checker", zap.String("rule", rule.Code))
			continue
		}
		if opts.Resume {
			done, interrupted, err := e.resumeState(ctx, rule.Code, res.PeriodStart, res.PeriodEnd, opts.ActorID)
			if err != nil {
				return res, err
			}
			res.Interrupted = append(res.Interrupted, interrupted...)
			if done {
				res.Skipped = append(res.Skipped, rule.Code)
				continue
			}
		}
		created, err := e.runRule(ctx, res.BatchID, rule, checker, start, end, opts.ActorID)
		if err != nil {
			// Bookkeeping failures (not checker failures) abort the batch.
			return res, err
		}
		res.AlertsCreated += created
	}

	runs, err := e.Repo.ListCheckRuns(ctx, repo.CheckRunFilter{BatchID: res.BatchID})
	if err != nil {
		return res, err
	}
	res.Runs = runs
	for _, run := range runs {
		res.ItemsChecked += run.ItemsChecked
		res.ViolationsFound += run.ViolationsFound
		if run.Status == domain.RunFailed {
			res.Failed++
		}
	}
	logger.Info("check batch finished",
		zap.Int("runs", len(runs)),
		zap.Int("violations", res.ViolationsFound),
		zap.Int("failed", res.Failed),
		zap.Int("alerts_created", res.AlertsCreated))
	return res, nil
}

// selectRules resolves explicit codes (reporting unknown ones once) or falls
// back to every active rule. Explicit codes run even when the rule is inactive.
func (e Engine) selectRules(ctx context.Context, codes []string, category string) ([]domain.Rule, []string, error) {
	if len(codes) == 0 {
		list, err := e.Repo.ListRules(ctx, category, true)
		return list, nil, err
	}
	seen := map[string]bool{}
	var selected []domain.Rule
	var unknown []string
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		rule, err := e.Repo.GetRule(ctx, code)
		if errors.Is(err, repo.ErrNotFound) {
			unknown = append(unknown, code)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if category != "" && rule.Category != category {
			continue
		}
		selected = append(selected, rule)
	}
	return selected, unknown, nil
}

// resumeState fails runs left IN_PROGRESS by a crashed process and reports
// whether the rule already completed for this exact period.
func (e Engine) resumeState(ctx context.Context, code, start, end, actorID string) (bool, []string, error) {
	runs, err := e.Repo.CheckRunsForPeriod(ctx, code, start, end)
	if err != nil {
		return false, nil, err
	}
	done := false
	var interrupted []string
	for _, run := range runs {
		switch run.Status {
		case domain.RunCompleted:
			done = true
		case domain.RunInProgress:
			if err := e.failRun(ctx, run, "interrupted", actorID); err != nil {
				return false, nil, err
			}
			interrupted = append(interrupted, run.ID)
		}
	}
	return done, interrupted, nil
}

func (e Engine) runRule(ctx context.Context, batchID string, rule domain.Rule, checker rules.Checker, start, end time.Time, actorID string) (int, error) {
	logger := e.log().With(zap.String("batch_id", batchID), zap.String("rule", rule.Code))
	run := domain.CheckRun{
		ID:          newID(),
		BatchID:     batchID,
		RuleCode:    rule.Code,
		PeriodStart: start.Format(dateLayout),
		PeriodEnd:   end.Format(dateLayout),
		Status:      domain.RunInProgress,
		StartedAt:   e.stamp(),
	}
	if err := e.startRun(ctx, run, actorID); err != nil {
		return 0, err
	}
	if rule.Code == rules.CodeWorkingTimeAverage && e.Config != nil &&
		e.Config.Thresholds.WorkingTime.HoursSource != config.HoursRecorded {
		logger.Warn("working time uses the fixed per-shift duration, not recorded times",
			zap.Float64("fixed_shift_hours", e.Config.Thresholds.WorkingTime.FixedShiftHours))
	}

	began := time.Now()
	findings, items, checkErr := safeCheck(ctx, checker, rule, start, end)
	metrics.RuleDuration.WithLabelValues(rule.Code).Observe(time.Since(began).Seconds())
	if checkErr != nil {
		logger.Error("rule check failed", zap.Error(checkErr))
		return 0, e.failRun(ctx, run, checkErr.Error(), actorID)
	}

	created, err := e.completeRun(ctx, run, rule, findings, items, actorID)
	if err != nil {
		logger.Error("persisting rule results failed", zap.Error(err))
		return 0, e.failRun(ctx, run, "persist results: "+err.Error(), actorID)
	}
	logger.Debug("rule check completed", zap.Int("items", items), zap.Int("violations", len(findings)))
	return created, nil
}

// safeCheck converts checker panics into errors.
func safeCheck(ctx context.Context, c rules.Checker, rule domain.Rule, start, end time.Time) (findings []rules.Finding, items int, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings, items = nil, 0
			err = fmt.Errorf("checker panic: %v\n%s", r, debug.Stack())
		}
	}()
	return c.Check(ctx, rule, start, end)
}

func (e Engine) startRun(ctx context.Context, run domain.CheckRun, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCheckRun(ctx, tx, run); err != nil {
		return fmt.Errorf("insert check run: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.CheckRunStarted, "check_run", run.ID, actorID, events.EventPayload{
		"rule_code": run.RuleCode, "batch_id": run.BatchID, "period_start": run.PeriodStart, "period_end": run.PeriodEnd,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) failRun(ctx context.Context, run domain.CheckRun, reason, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	completed := e.stamp()
	run.Status = domain.RunFailed
	run.ItemsChecked = 0
	run.ViolationsFound = 0
	run.CompletedAt = &completed
	run.ResultSummary = reason
	ok, err := e.Repo.FinishCheckRun(ctx, tx, run)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.writer().Append(ctx, tx, events.CheckRunFailed, "check_run", run.ID, actorID, events.EventPayload{
		"rule_code": run.RuleCode, "reason": firstLine(reason),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.CheckRuns.WithLabelValues(run.RuleCode, domain.RunFailed).Inc()
	return nil
}

// completeRun persists violations, events and auto-created alerts, then
// writes COMPLETED, all in one transaction.
func (e Engine) completeRun(ctx context.Context, run domain.CheckRun, rule domain.Rule, findings []rules.Finding, items int, actorID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := e.stamp()
	w := e.writer()
	created := 0
	for _, f := range findings {
		v := domain.Violation{
			ID:          newID(),
			CheckRunID:  run.ID,
			RuleCode:    rule.Code,
			Severity:    rule.Severity,
			Status:      domain.ViolationOpen,
			Description: f.Description,
			DetectedAt:  now,
			UpdatedAt:   now,
		}
		if f.StaffID != "" {
			v.AffectedStaffID = optionalString(f.StaffID)
		}
		if f.Date != "" {
			v.SubjectDate = optionalString(f.Date)
		}
		if err := e.Repo.InsertViolation(ctx, tx, v); err != nil {
			return 0, fmt.Errorf("insert violation: %w", err)
		}
		if err := w.Append(ctx, tx, events.ViolationDetected, "violation", v.ID, actorID, events.EventPayload{
			"rule_code": v.RuleCode, "severity": v.Severity, "staff_id": f.StaffID, "date": f.Date, "description": v.Description,
		}); err != nil {
			return 0, err
		}
		if f.Shortage == nil || e.Config == nil || !e.Config.Alerts.AutoCreate {
			continue
		}
		_, ok, err := e.createAlertTx(ctx, tx, AlertInput{
			Unit:              f.Shortage.Unit,
			ShiftDate:         f.Shortage.ShiftDate,
			ShiftType:         f.Shortage.ShiftType,
			RequiredStaff:     f.Shortage.Required,
			CurrentStaff:      f.Shortage.Current,
			SourceViolationID: v.ID,
			ActorID:           actorID,
		}, true)
		if err != nil {
			return 0, fmt.Errorf("create alert for %s %s: %w", f.Shortage.ShiftDate, f.Shortage.ShiftType, err)
		}
		if ok {
			created++
		}
	}

	completed := e.stamp()
	run.Status = domain.RunCompleted
	run.ItemsChecked = items
	run.ViolationsFound = len(findings)
	run.CompletedAt = &completed
	run.ResultSummary = fmt.Sprintf("%d items checked, %d violations", items, len(findings))
	ok, err := e.Repo.FinishCheckRun(ctx, tx, run)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("check run %s already finished", run.ID)
	}
	if err := w.Append(ctx, tx, events.CheckRunCompleted, "check_run", run.ID, actorID, events.EventPayload{
		"rule_code": run.RuleCode, "items_checked": items, "violations_found": len(findings), "alerts_created": created,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	metrics.CheckRuns.WithLabelValues(rule.Code, domain.RunCompleted).Inc()
	metrics.Violations.WithLabelValues(rule.Code).Add(float64(len(findings)))
	if created > 0 {
		metrics.AlertTransitions.WithLabelValues(domain.AlertPending).Add(float64(created))
	}
	return created, nil
}

// CheckPeriod resolves a YYYY-MM-DD period for RunChecks. A missing start is
// today and a missing end is today plus seven days, whatever the start.
func (e Engine) CheckPeriod(rawStart, rawEnd string) (time.Time, time.Time, error) {
	today := e.Today()
	start, end := today, today.AddDate(0, 0, 7)
	if rawStart != "" {
		parsed, err := time.Parse(dateLayout, rawStart)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q", rawStart)
		}
		start = parsed
	}
	if rawEnd != "" {
		parsed, err := time.Parse(dateLayout, rawEnd)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q", rawEnd)
		}
		end = parsed
	}
	return start, end, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
