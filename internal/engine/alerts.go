package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rotaguard/internal/domain"
	"rotaguard/internal/events"
	"rotaguard/internal/metrics"
	"rotaguard/internal/repo"
)

var (
	ErrAlertExists  = errors.New("a pending alert already exists for this shift")
	ErrShiftStarted = errors.New("shift has already started")
)

// AlertInput describes a shortage to advertise. Unit defaults to the home unit.
type AlertInput struct {
	Unit              string
	ShiftDate         string
	ShiftType         string
	RequiredStaff     int
	CurrentStaff      int
	SourceViolationID string
	ActorID           string
}

// AlertDetail is an alert with its invitations.
type AlertDetail struct {
	Alert              domain.ShortageAlert   `json:"alert"`
	PositionsRemaining int                    `json:"positions_remaining"`
	Responses          []domain.AlertResponse `json:"responses"`
}

func (e Engine) CreateAlert(ctx context.Context, in AlertInput) (domain.ShortageAlert, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ShortageAlert{}, err
	}
	defer tx.Rollback()
	a, _, err := e.createAlertTx(ctx, tx, in, false)
	if err != nil {
		return domain.ShortageAlert{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ShortageAlert{}, err
	}
	metrics.AlertTransitions.WithLabelValues(domain.AlertPending).Inc()
	return a, nil
}

// createAlertTx inserts a PENDING alert. With lenient set (automatic creation
// from findings), an existing pending alert or a started shift is not an
// error and the bool result reports whether an alert was created.
func (e Engine) createAlertTx(ctx context.Context, tx *sql.Tx, in AlertInput, lenient bool) (domain.ShortageAlert, bool, error) {
	if e.Config == nil {
		return domain.ShortageAlert{}, false, errors.New("config not loaded")
	}
	if in.Unit == "" {
		in.Unit = e.Config.Home.Unit
	}
	if in.RequiredStaff <= 0 || in.CurrentStaff < 0 {
		return domain.ShortageAlert{}, false, fmt.Errorf("invalid staffing %d/%d", in.CurrentStaff, in.RequiredStaff)
	}
	shortage := in.RequiredStaff - in.CurrentStaff
	if shortage <= 0 {
		return domain.ShortageAlert{}, false, fmt.Errorf("no shortage: %d of %d staff already scheduled", in.CurrentStaff, in.RequiredStaff)
	}
	shiftStart, _, err := e.shiftWindow(in.ShiftDate, in.ShiftType)
	if err != nil {
		return domain.ShortageAlert{}, false, err
	}
	now := e.now()
	if !shiftStart.After(now) {
		if lenient {
			return domain.ShortageAlert{}, false, nil
		}
		return domain.ShortageAlert{}, false, ErrShiftStarted
	}
	existing, err := e.Repo.FindPendingAlert(ctx, tx, in.Unit, in.ShiftDate, in.ShiftType)
	switch {
	case err == nil:
		if lenient {
			return existing, false, nil
		}
		return existing, false, fmt.Errorf("%w: %s", ErrAlertExists, existing.ID)
	case !errors.Is(err, repo.ErrNotFound):
		return domain.ShortageAlert{}, false, err
	}

	expires := now.Add(time.Duration(e.Config.Alerts.TTLHours) * time.Hour)
	if expires.After(shiftStart) {
		expires = shiftStart
	}
	stamp := now.UTC().Format(time.RFC3339)
	a := domain.ShortageAlert{
		ID:            newID(),
		Unit:          in.Unit,
		ShiftDate:     in.ShiftDate,
		ShiftType:     in.ShiftType,
		RequiredStaff: in.RequiredStaff,
		CurrentStaff:  in.CurrentStaff,
		Shortage:      shortage,
		Status:        domain.AlertPending,
		Priority:      AlertPriority(shortage, in.RequiredStaff, shiftStart.Sub(now)),
		ExpiresAt:     expires.UTC().Format(time.RFC3339),
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
	}
	if in.SourceViolationID != "" {
		a.SourceViolationID = optionalString(in.SourceViolationID)
	}
	if err := e.Repo.InsertAlert(ctx, tx, a); err != nil {
		return domain.ShortageAlert{}, false, fmt.Errorf("insert alert: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.AlertCreated, "shortage_alert", a.ID, in.ActorID, events.EventPayload{
		"unit": a.Unit, "shift_date": a.ShiftDate, "shift_type": a.ShiftType,
		"shortage": a.Shortage, "priority": a.Priority, "expires_at": a.ExpiresAt,
	}); err != nil {
		return domain.ShortageAlert{}, false, err
	}
	return a, true, nil
}

var priorityLadder = []string{domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical}

// AlertPriority grades shortage/required (>=0.3 CRITICAL, >=0.2 HIGH,
// >=0.1 MEDIUM, else LOW) and escalates one level when the shift starts
// within 24 hours.
func AlertPriority(shortage, required int, untilStart time.Duration) string {
	level := 0
	if required > 0 {
		ratio := float64(shortage) / float64(required)
		switch {
		case ratio >= 0.3:
			level = 3
		case ratio >= 0.2:
			level = 2
		case ratio >= 0.1:
			level = 1
		}
	}
	if untilStart < 24*time.Hour && level < len(priorityLadder)-1 {
		level++
	}
	return priorityLadder[level]
}

func (e Engine) GetAlert(ctx context.Context, id string) (AlertDetail, error) {
	a, err := e.Repo.GetAlert(ctx, nil, id)
	if err != nil {
		return AlertDetail{}, err
	}
	responses, err := e.Repo.ListResponses(ctx, id, "", "")
	if err != nil {
		return AlertDetail{}, err
	}
	return AlertDetail{Alert: a, PositionsRemaining: a.PositionsRemaining(), Responses: responses}, nil
}

func (e Engine) ListAlerts(ctx context.Context, f repo.AlertFilter) ([]domain.ShortageAlert, error) {
	return e.Repo.ListAlerts(ctx, f)
}

// alertStateError maps a non-PENDING alert to the matching claim error.
func alertStateError(a domain.ShortageAlert, responseID string) error {
	kind := ErrExpired
	switch a.Status {
	case domain.AlertFilled:
		kind = ErrAlreadyFilled
	case domain.AlertCancelled:
		kind = ErrCancelled
	}
	return &ClaimError{Kind: kind, AlertID: a.ID, ResponseID: responseID, Status: a.Status}
}

// pastDue reports whether a PENDING alert has reached expires_at before the
// expiry sweep closed it.
func (e Engine) pastDue(a domain.ShortageAlert) (bool, error) {
	expires, err := time.Parse(time.RFC3339, a.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("alert %s expires_at: %w", a.ID, err)
	}
	return !e.now().Before(expires), nil
}

// openForInvites rejects alerts that can no longer be claimed.
func (e Engine) openForInvites(a domain.ShortageAlert) error {
	if a.Status != domain.AlertPending {
		return alertStateError(a, "")
	}
	due, err := e.pastDue(a)
	if err != nil {
		return err
	}
	if due {
		return &ClaimError{Kind: ErrExpired, AlertID: a.ID, Status: a.Status}
	}
	return nil
}

// CancelAlert closes a PENDING alert. Outstanding invitations become NO_RESPONSE.
func (e Engine) CancelAlert(ctx context.Context, id, reason, actorID string) (domain.ShortageAlert, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ShortageAlert{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.LockAlert(ctx, tx, id)
	if err != nil {
		return domain.ShortageAlert{}, err
	}
	if a.Status != domain.AlertPending {
		return domain.ShortageAlert{}, alertStateError(a, "")
	}
	if err := e.closeAlert(ctx, tx, &a, domain.AlertCancelled, events.AlertCancelled, actorID, events.EventPayload{"reason": reason}); err != nil {
		return domain.ShortageAlert{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ShortageAlert{}, err
	}
	metrics.AlertTransitions.WithLabelValues(domain.AlertCancelled).Inc()
	return a, nil
}

func (e Engine) closeAlert(ctx context.Context, tx *sql.Tx, a *domain.ShortageAlert, status, evtType, actorID string, payload events.EventPayload) error {
	now := e.stamp()
	ok, err := e.Repo.CloseAlert(ctx, tx, a.ID, status, now)
	if err != nil {
		return err
	}
	if !ok {
		return alertStateError(*a, "")
	}
	closed, err := e.Repo.ClosePendingResponses(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	a.Status = status
	a.UpdatedAt = now
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["accepted_responses"] = a.AcceptedResponses
	payload["shortage"] = a.Shortage
	payload["no_response"] = closed
	return e.writer().Append(ctx, tx, evtType, "shortage_alert", a.ID, actorID, payload)
}

// ExpireAlerts moves every PENDING alert past its expiry to UNFILLED.
func (e Engine) ExpireAlerts(ctx context.Context, actorID string) ([]domain.ShortageAlert, error) {
	due, err := e.Repo.ExpiredPendingAlerts(ctx, e.stamp())
	if err != nil {
		return nil, err
	}
	var expired []domain.ShortageAlert
	for _, candidate := range due {
		a, ok, err := e.expireAlert(ctx, candidate.ID, actorID)
		if err != nil {
			return expired, err
		}
		if ok {
			expired = append(expired, a)
		}
	}
	if len(expired) > 0 {
		metrics.AlertTransitions.WithLabelValues(domain.AlertUnfilled).Add(float64(len(expired)))
		e.log().Info("alerts expired", zap.Int("count", len(expired)))
	}
	return expired, nil
}

func (e Engine) expireAlert(ctx context.Context, id, actorID string) (domain.ShortageAlert, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ShortageAlert{}, false, err
	}
	defer tx.Rollback()
	a, err := e.Repo.LockAlert(ctx, tx, id)
	if err != nil {
		return domain.ShortageAlert{}, false, err
	}
	// A claim may have filled it between the sweep query and the lock.
	if a.Status != domain.AlertPending {
		return a, false, nil
	}
	if err := e.closeAlert(ctx, tx, &a, domain.AlertUnfilled, events.AlertUnfilled, actorID, nil); err != nil {
		return domain.ShortageAlert{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ShortageAlert{}, false, err
	}
	return a, true, nil
}

// InviteStaff records PENDING invitations for the given staff. Staff already
// contacted for the alert are skipped.
func (e Engine) InviteStaff(ctx context.Context, alertID string, staffIDs []string, actorID string) ([]domain.AlertResponse, error) {
	if len(staffIDs) == 0 {
		return nil, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	a, err := e.Repo.LockAlert(ctx, tx, alertID)
	if err != nil {
		return nil, err
	}
	if err := e.openForInvites(a); err != nil {
		return nil, err
	}
	now := e.stamp()
	var invited []domain.AlertResponse
	for _, staffID := range staffIDs {
		s, err := e.Repo.GetStaff(ctx, staffID)
		if err != nil {
			return nil, fmt.Errorf("staff %s: %w", staffID, err)
		}
		if !s.Active {
			return nil, fmt.Errorf("staff %s is inactive", staffID)
		}
		ar := domain.AlertResponse{
			ID:          newID(),
			AlertID:     a.ID,
			StaffID:     staffID,
			Response:    domain.ResponsePending,
			ContactedAt: now,
		}
		ok, err := e.Repo.InsertResponse(ctx, tx, ar)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := e.writer().Append(ctx, tx, events.ResponseInvited, "alert_response", ar.ID, actorID, events.EventPayload{
			"alert_id": a.ID, "staff_id": staffID, "shift_date": a.ShiftDate, "shift_type": a.ShiftType,
		}); err != nil {
			return nil, err
		}
		invited = append(invited, ar)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return invited, nil
}

// InviteAvailable invites active staff free on the shift date, up to limit
// (alerts.invite_limit when limit <= 0). Alerts for the home unit consider
// staff from every unit.
func (e Engine) InviteAvailable(ctx context.Context, alertID string, limit int, actorID string) ([]domain.AlertResponse, error) {
	a, err := e.Repo.GetAlert(ctx, nil, alertID)
	if err != nil {
		return nil, err
	}
	if err := e.openForInvites(a); err != nil {
		return nil, err
	}
	if limit <= 0 && e.Config != nil {
		limit = e.Config.Alerts.InviteLimit
	}
	unit := a.Unit
	if e.Config != nil && unit == e.Config.Home.Unit {
		unit = ""
	}
	free, err := e.Repo.AvailableStaff(ctx, unit, a.ShiftDate, a.ID, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(free))
	for _, s := range free {
		ids = append(ids, s.ID)
	}
	return e.InviteStaff(ctx, alertID, ids, actorID)
}

// DeclineResponse records a refusal. Only PENDING invitations can be declined.
func (e Engine) DeclineResponse(ctx context.Context, responseID, actorID string) (domain.AlertResponse, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AlertResponse{}, err
	}
	defer tx.Rollback()
	now := e.stamp()
	ok, err := e.Repo.MarkResponseDeclined(ctx, tx, responseID, now)
	if err != nil {
		return domain.AlertResponse{}, err
	}
	ar, err := e.Repo.GetResponse(ctx, tx, responseID)
	if err != nil {
		return domain.AlertResponse{}, err
	}
	if !ok {
		if ar.Response == domain.ResponseAccepted {
			return domain.AlertResponse{}, &ClaimError{Kind: ErrAlreadyAccepted, AlertID: ar.AlertID, ResponseID: ar.ID}
		}
		return domain.AlertResponse{}, fmt.Errorf("response %s is %s and can no longer be declined", ar.ID, ar.Response)
	}
	if err := e.writer().Append(ctx, tx, events.ResponseDeclined, "alert_response", ar.ID, actorID, events.EventPayload{
		"alert_id": ar.AlertID, "staff_id": ar.StaffID,
	}); err != nil {
		return domain.AlertResponse{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AlertResponse{}, err
	}
	return ar, nil
}

// ResponsesForStaff lists the invitations addressed to one staff member.
func (e Engine) ResponsesForStaff(ctx context.Context, staffID, response string) ([]domain.AlertResponse, error) {
	return e.Repo.ListResponses(ctx, "", staffID, response)
}
