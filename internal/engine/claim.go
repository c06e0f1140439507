package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rotaguard/internal/domain"
	"rotaguard/internal/events"
	"rotaguard/internal/metrics"
	"rotaguard/internal/repo"
)

// Claim outcomes. Match with errors.Is; the concrete error is *ClaimError.
var (
	ErrAlreadyFilled    = errors.New("alert already filled")
	ErrCancelled        = errors.New("alert cancelled")
	ErrExpired          = errors.New("alert expired")
	ErrCapacityExceeded = errors.New("no positions remaining")
	ErrAlreadyAccepted  = errors.New("response already accepted")
	ErrDuplicateShift   = errors.New("staff already holds this shift")
)

type ClaimError struct {
	Kind       error
	AlertID    string
	ResponseID string
	Status     string
}

func (e *ClaimError) Error() string {
	msg := e.Kind.Error()
	if e.AlertID != "" {
		msg = fmt.Sprintf("%s (alert %s", msg, e.AlertID)
		if e.Status != "" {
			msg += " is " + e.Status
		}
		msg += ")"
	}
	return msg
}

func (e *ClaimError) Unwrap() error { return e.Kind }

// Is lets a filled alert also read as having no capacity left.
func (e *ClaimError) Is(target error) bool {
	return e.Kind == ErrAlreadyFilled && target == ErrCapacityExceeded
}

// ClaimOutcome is the metrics label for a claim result.
func ClaimOutcome(err error) string {
	var ce *ClaimError
	if !errors.As(err, &ce) {
		if err == nil {
			return "accepted"
		}
		return "error"
	}
	switch ce.Kind {
	case ErrAlreadyFilled:
		return "already_filled"
	case ErrCancelled:
		return "cancelled"
	case ErrExpired:
		return "expired"
	case ErrCapacityExceeded:
		return "capacity_exceeded"
	case ErrAlreadyAccepted:
		return "already_accepted"
	case ErrDuplicateShift:
		return "duplicate_shift"
	}
	return "error"
}

// AcceptShift claims one open position of an alert for the invited staff
// member and creates their shift. All checks and writes happen in one
// transaction holding the alert row lock; any failure leaves no trace.
func (e Engine) AcceptShift(ctx context.Context, responseID, actorID string) (domain.Shift, error) {
	shift, err := e.acceptShift(ctx, responseID, actorID)
	metrics.Claims.WithLabelValues(ClaimOutcome(err)).Inc()
	if err != nil {
		e.log().Debug("claim rejected", zap.String("response_id", responseID), zap.Error(err))
	}
	return shift, err
}

func (e Engine) acceptShift(ctx context.Context, responseID, actorID string) (domain.Shift, error) {
	// alert_id never changes, so it is read before the transaction; the lock
	// must be the transaction's first statement.
	pre, err := e.Repo.GetResponse(ctx, nil, responseID)
	if err != nil {
		return domain.Shift{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Shift{}, err
	}
	defer tx.Rollback()

	alert, err := e.Repo.LockAlert(ctx, tx, pre.AlertID)
	if err != nil {
		return domain.Shift{}, err
	}
	resp, err := e.Repo.GetResponse(ctx, tx, responseID)
	if err != nil {
		return domain.Shift{}, err
	}
	claimErr := func(kind error) error {
		return &ClaimError{Kind: kind, AlertID: alert.ID, ResponseID: resp.ID, Status: alert.Status}
	}

	now := e.now()
	if alert.Status != domain.AlertPending {
		return domain.Shift{}, alertStateError(alert, resp.ID)
	}
	due, err := e.pastDue(alert)
	if err != nil {
		return domain.Shift{}, err
	}
	if due {
		return domain.Shift{}, claimErr(ErrExpired)
	}
	if alert.PositionsRemaining() <= 0 {
		return domain.Shift{}, claimErr(ErrCapacityExceeded)
	}
	if resp.Response == domain.ResponseAccepted {
		return domain.Shift{}, claimErr(ErrAlreadyAccepted)
	}
	held, err := e.Repo.HasShift(ctx, tx, resp.StaffID, alert.Unit, alert.ShiftDate, alert.ShiftType)
	if err != nil {
		return domain.Shift{}, err
	}
	if held {
		return domain.Shift{}, claimErr(ErrDuplicateShift)
	}

	_, st, err := e.shiftWindow(alert.ShiftDate, alert.ShiftType)
	if err != nil {
		return domain.Shift{}, err
	}
	stamp := now.UTC().Format(time.RFC3339)
	shift := domain.Shift{
		ID:               newID(),
		Unit:             alert.Unit,
		StaffID:          resp.StaffID,
		ShiftDate:        alert.ShiftDate,
		ShiftType:        alert.ShiftType,
		StartTime:        st.Start,
		EndTime:          st.End,
		Status:           domain.ShiftConfirmed,
		SourceResponseID: optionalString(resp.ID),
		CreatedAt:        stamp,
	}
	if err := e.Repo.InsertShift(ctx, tx, shift); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Shift{}, claimErr(ErrDuplicateShift)
		}
		return domain.Shift{}, fmt.Errorf("insert shift: %w", err)
	}
	ok, err := e.Repo.MarkResponseAccepted(ctx, tx, resp.ID, stamp, shift.ID)
	if err != nil {
		return domain.Shift{}, err
	}
	if !ok {
		return domain.Shift{}, claimErr(ErrAlreadyAccepted)
	}
	ok, err = e.Repo.IncrementAccepted(ctx, tx, alert.ID, stamp)
	if err != nil {
		return domain.Shift{}, err
	}
	if !ok {
		return domain.Shift{}, claimErr(ErrCapacityExceeded)
	}

	w := e.writer()
	if err := w.Append(ctx, tx, events.ResponseAccepted, "alert_response", resp.ID, actorID, events.EventPayload{
		"alert_id": alert.ID, "staff_id": resp.StaffID, "shift_id": shift.ID,
	}); err != nil {
		return domain.Shift{}, err
	}
	if err := w.Append(ctx, tx, events.ShiftCreated, "shift", shift.ID, actorID, events.EventPayload{
		"staff_id": shift.StaffID, "unit": shift.Unit, "shift_date": shift.ShiftDate, "shift_type": shift.ShiftType,
		"source_response_id": resp.ID,
	}); err != nil {
		return domain.Shift{}, err
	}
	filled := alert.AcceptedResponses+1 >= alert.Shortage
	if filled {
		// IncrementAccepted already flipped the status.
		if _, err := e.Repo.ClosePendingResponses(ctx, tx, alert.ID); err != nil {
			return domain.Shift{}, err
		}
		if err := w.Append(ctx, tx, events.AlertFilled, "shortage_alert", alert.ID, actorID, events.EventPayload{
			"shortage": alert.Shortage, "accepted_responses": alert.AcceptedResponses + 1,
		}); err != nil {
			return domain.Shift{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Shift{}, err
	}
	if filled {
		metrics.AlertTransitions.WithLabelValues(domain.AlertFilled).Inc()
	}
	return shift, nil
}
