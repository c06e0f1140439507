package engine

import (
	"context"
	"fmt"

	"rotaguard/internal/domain"
	"rotaguard/internal/events"
	"rotaguard/internal/repo"
)

// TransitionError reports a status change the violation graph forbids.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid violation status transition %s -> %s", e.From, e.To)
}

func ensureViolationTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.ViolationOpen:
		switch newStatus {
		case domain.ViolationAcknowledged, domain.ViolationInProgress,
			domain.ViolationResolved, domain.ViolationAcceptedRisk, domain.ViolationFalsePositive:
			return nil
		}
	case domain.ViolationAcknowledged:
		switch newStatus {
		case domain.ViolationInProgress, domain.ViolationResolved,
			domain.ViolationAcceptedRisk, domain.ViolationFalsePositive:
			return nil
		}
	case domain.ViolationInProgress:
		switch newStatus {
		case domain.ViolationResolved, domain.ViolationAcceptedRisk, domain.ViolationFalsePositive:
			return nil
		}
	}
	return &TransitionError{From: oldStatus, To: newStatus}
}

// UpdateViolationStatus moves a violation along its status graph. note is
// stored as the resolution note when non-empty.
func (e Engine) UpdateViolationStatus(ctx context.Context, id, status, note, actorID string) (domain.Violation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Violation{}, err
	}
	defer tx.Rollback()
	v, err := e.Repo.GetViolation(ctx, tx, id)
	if err != nil {
		return domain.Violation{}, err
	}
	if err := ensureViolationTransition(v.Status, status); err != nil {
		return domain.Violation{}, err
	}
	now := e.stamp()
	ok, err := e.Repo.UpdateViolationStatus(ctx, tx, id, v.Status, status, optionalString(note), now)
	if err != nil {
		return domain.Violation{}, err
	}
	if !ok {
		return domain.Violation{}, &TransitionError{From: v.Status, To: status}
	}
	if err := e.writer().Append(ctx, tx, events.ViolationUpdated, "violation", id, actorID, events.EventPayload{
		"from": v.Status, "to": status, "rule_code": v.RuleCode,
	}); err != nil {
		return domain.Violation{}, err
	}
	updated, err := e.Repo.GetViolation(ctx, tx, id)
	if err != nil {
		return domain.Violation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Violation{}, err
	}
	return updated, nil
}

func (e Engine) ListViolations(ctx context.Context, f repo.ViolationFilter) ([]domain.Violation, error) {
	return e.Repo.ListViolations(ctx, f)
}
