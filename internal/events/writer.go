package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"rotaguard/internal/db"
)

// Event types appended to the outbox. Downstream notifiers key off these.
const (
	CheckRunStarted   = "check_run.started"
	CheckRunCompleted = "check_run.completed"
	CheckRunFailed    = "check_run.failed"

	ViolationDetected = "violation.detected"
	ViolationUpdated  = "violation.updated"

	AlertCreated   = "alert.created"
	AlertFilled    = "alert.filled"
	AlertUnfilled  = "alert.unfilled"
	AlertCancelled = "alert.cancelled"

	ResponseInvited  = "response.invited"
	ResponseAccepted = "response.accepted"
	ResponseDeclined = "response.declined"

	ShiftCreated   = "shift.created"
	ShiftCancelled = "shift.cancelled"
	StaffAdded     = "staff.added"
	LeaveRecorded  = "leave.recorded"
	LeaveUpdated   = "leave.updated"
)

type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside the caller's transaction so the outbox
// commits or rolls back with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
