package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rotaguard/internal/domain"
	"rotaguard/internal/events"
	"rotaguard/internal/repo"
)

type StaffInput struct {
	ID      string
	Name    string
	Unit    string
	Role    string
	ActorID string
}

func (e Engine) AddStaff(ctx context.Context, in StaffInput) (domain.Staff, error) {
	if in.Name == "" {
		return domain.Staff{}, errors.New("name is required")
	}
	if in.Unit == "" && e.Config != nil {
		in.Unit = e.Config.Home.Unit
	}
	if in.ID == "" {
		in.ID = newID()
	}
	s := domain.Staff{ID: in.ID, Name: in.Name, Unit: in.Unit, Role: in.Role, Active: true, CreatedAt: e.stamp()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Staff{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStaff(ctx, tx, s); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Staff{}, fmt.Errorf("staff %s already exists", s.ID)
		}
		return domain.Staff{}, fmt.Errorf("insert staff: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.StaffAdded, "staff", s.ID, in.ActorID, events.EventPayload{
		"name": s.Name, "unit": s.Unit, "role": s.Role,
	}); err != nil {
		return domain.Staff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Staff{}, err
	}
	return s, nil
}

// ShiftInput schedules a shift. Start and end default to the shift type's
// configured times; status defaults to SCHEDULED.
type ShiftInput struct {
	StaffID   string
	Unit      string
	ShiftDate string
	ShiftType string
	StartTime string
	EndTime   string
	Status    string
	ActorID   string
}

func (e Engine) AddShift(ctx context.Context, in ShiftInput) (domain.Shift, error) {
	if in.StaffID == "" {
		return domain.Shift{}, errors.New("staff is required")
	}
	if _, err := time.Parse(dateLayout, in.ShiftDate); err != nil {
		return domain.Shift{}, fmt.Errorf("shift date: %w", err)
	}
	if e.Config == nil {
		return domain.Shift{}, errors.New("config not loaded")
	}
	st, ok := e.Config.ShiftTypes[in.ShiftType]
	if !ok {
		return domain.Shift{}, fmt.Errorf("unknown shift type %q", in.ShiftType)
	}
	if in.StartTime == "" {
		in.StartTime = st.Start
	}
	if in.EndTime == "" {
		in.EndTime = st.End
	}
	for _, hm := range []string{in.StartTime, in.EndTime} {
		if _, err := time.Parse("15:04", hm); err != nil {
			return domain.Shift{}, fmt.Errorf("time %q: %w", hm, err)
		}
	}
	if in.Status == "" {
		in.Status = domain.ShiftScheduled
	}
	switch in.Status {
	case domain.ShiftScheduled, domain.ShiftConfirmed, domain.ShiftCompleted:
	default:
		return domain.Shift{}, fmt.Errorf("invalid shift status %q", in.Status)
	}
	staff, err := e.Repo.GetStaff(ctx, in.StaffID)
	if err != nil {
		return domain.Shift{}, fmt.Errorf("staff %s: %w", in.StaffID, err)
	}
	if in.Unit == "" {
		in.Unit = staff.Unit
	}

	s := domain.Shift{
		ID:        newID(),
		Unit:      in.Unit,
		StaffID:   in.StaffID,
		ShiftDate: in.ShiftDate,
		ShiftType: in.ShiftType,
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		Status:    in.Status,
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Shift{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertShift(ctx, tx, s); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Shift{}, ErrDuplicateShift
		}
		return domain.Shift{}, fmt.Errorf("insert shift: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.ShiftCreated, "shift", s.ID, in.ActorID, events.EventPayload{
		"staff_id": s.StaffID, "unit": s.Unit, "shift_date": s.ShiftDate, "shift_type": s.ShiftType,
	}); err != nil {
		return domain.Shift{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Shift{}, err
	}
	return s, nil
}

func (e Engine) CancelShift(ctx context.Context, id, actorID string) (domain.Shift, error) {
	s, err := e.Repo.GetShift(ctx, id)
	if err != nil {
		return domain.Shift{}, err
	}
	if s.Status == domain.ShiftCancelled {
		return s, nil
	}
	if s.Status == domain.ShiftCompleted {
		return domain.Shift{}, fmt.Errorf("shift %s is completed", id)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Shift{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateShiftStatus(ctx, tx, id, domain.ShiftCancelled); err != nil {
		return domain.Shift{}, err
	}
	if err := e.writer().Append(ctx, tx, events.ShiftCancelled, "shift", id, actorID, events.EventPayload{
		"staff_id": s.StaffID, "shift_date": s.ShiftDate, "shift_type": s.ShiftType,
	}); err != nil {
		return domain.Shift{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Shift{}, err
	}
	s.Status = domain.ShiftCancelled
	return s, nil
}

type LeaveInput struct {
	StaffID   string
	StartDate string
	EndDate   string
	Kind      string
	Status    string
	ActorID   string
}

func (e Engine) AddLeave(ctx context.Context, in LeaveInput) (domain.Leave, error) {
	start, err := time.Parse(dateLayout, in.StartDate)
	if err != nil {
		return domain.Leave{}, fmt.Errorf("start date: %w", err)
	}
	if in.EndDate == "" {
		in.EndDate = in.StartDate
	}
	end, err := time.Parse(dateLayout, in.EndDate)
	if err != nil {
		return domain.Leave{}, fmt.Errorf("end date: %w", err)
	}
	if end.Before(start) {
		return domain.Leave{}, errors.New("leave ends before it starts")
	}
	if in.Status == "" {
		in.Status = domain.LeavePending
	}
	if err := validLeaveStatus(in.Status); err != nil {
		return domain.Leave{}, err
	}
	if in.Kind == "" {
		in.Kind = "annual"
	}
	if _, err := e.Repo.GetStaff(ctx, in.StaffID); err != nil {
		return domain.Leave{}, fmt.Errorf("staff %s: %w", in.StaffID, err)
	}
	l := domain.Leave{
		ID:        newID(),
		StaffID:   in.StaffID,
		StartDate: in.StartDate,
		EndDate:   in.EndDate,
		Status:    in.Status,
		Kind:      in.Kind,
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Leave{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertLeave(ctx, tx, l); err != nil {
		return domain.Leave{}, fmt.Errorf("insert leave: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.LeaveRecorded, "leave", l.ID, in.ActorID, events.EventPayload{
		"staff_id": l.StaffID, "start_date": l.StartDate, "end_date": l.EndDate, "status": l.Status, "kind": l.Kind,
	}); err != nil {
		return domain.Leave{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Leave{}, err
	}
	return l, nil
}

func (e Engine) SetLeaveStatus(ctx context.Context, id, status, actorID string) (domain.Leave, error) {
	if err := validLeaveStatus(status); err != nil {
		return domain.Leave{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Leave{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateLeaveStatus(ctx, tx, id, status); err != nil {
		return domain.Leave{}, err
	}
	if err := e.writer().Append(ctx, tx, events.LeaveUpdated, "leave", id, actorID, events.EventPayload{"status": status}); err != nil {
		return domain.Leave{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Leave{}, err
	}
	return e.Repo.GetLeave(ctx, id)
}

func validLeaveStatus(status string) error {
	switch status {
	case domain.LeavePending, domain.LeaveApproved, domain.LeaveRejected:
		return nil
	}
	return fmt.Errorf("invalid leave status %q", status)
}
