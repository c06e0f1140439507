package domain

// Check run statuses.
const (
	RunInProgress = "IN_PROGRESS"
	RunCompleted  = "COMPLETED"
	RunFailed     = "FAILED"
)

// Violation statuses. Resolved, accepted-risk and false-positive are final.
const (
	ViolationOpen          = "OPEN"
	ViolationAcknowledged  = "ACKNOWLEDGED"
	ViolationInProgress    = "IN_PROGRESS"
	ViolationResolved      = "RESOLVED"
	ViolationAcceptedRisk  = "ACCEPTED_RISK"
	ViolationFalsePositive = "FALSE_POSITIVE"
)

// Shortage alert statuses.
const (
	AlertPending   = "PENDING"
	AlertFilled    = "FILLED"
	AlertUnfilled  = "UNFILLED"
	AlertCancelled = "CANCELLED"
)

// Alert response values.
const (
	ResponsePending    = "PENDING"
	ResponseAccepted   = "ACCEPTED"
	ResponseDeclined   = "DECLINED"
	ResponseNoResponse = "NO_RESPONSE"
)

// Shift statuses.
const (
	ShiftScheduled = "SCHEDULED"
	ShiftConfirmed = "CONFIRMED"
	ShiftCompleted = "COMPLETED"
	ShiftCancelled = "CANCELLED"
)

// Leave statuses.
const (
	LeavePending  = "PENDING"
	LeaveApproved = "APPROVED"
	LeaveRejected = "REJECTED"
)

// Severities double as alert priorities.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Shift categories used by staffing rules.
const (
	CategoryDay   = "DAY"
	CategoryNight = "NIGHT"
)

type Staff struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Unit      string `json:"unit"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Shift struct {
	ID               string  `json:"id"`
	Unit             string  `json:"unit"`
	StaffID          string  `json:"staff_id"`
	ShiftDate        string  `json:"shift_date" format:"date"`
	ShiftType        string  `json:"shift_type"`
	StartTime        string  `json:"start_time" example:"08:00"`
	EndTime          string  `json:"end_time" example:"20:00"`
	Status           string  `json:"status" enum:"SCHEDULED,CONFIRMED,COMPLETED,CANCELLED"`
	SourceResponseID *string `json:"source_response_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Leave struct {
	ID        string `json:"id"`
	StaffID   string `json:"staff_id"`
	StartDate string `json:"start_date" format:"date"`
	EndDate   string `json:"end_date" format:"date"`
	Status    string `json:"status" enum:"PENDING,APPROVED,REJECTED"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Covers reports whether the leave spans the given YYYY-MM-DD date.
func (l Leave) Covers(date string) bool {
	return l.StartDate <= date && date <= l.EndDate
}

type Rule struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Severity    string `json:"severity" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	IsActive    bool   `json:"is_active"`
	Description string `json:"description,omitempty"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type CheckRun struct {
	ID              string  `json:"id"`
	BatchID         string  `json:"batch_id"`
	RuleCode        string  `json:"rule_code"`
	PeriodStart     string  `json:"period_start" format:"date"`
	PeriodEnd       string  `json:"period_end" format:"date"`
	Status          string  `json:"status" enum:"IN_PROGRESS,COMPLETED,FAILED"`
	ItemsChecked    int     `json:"items_checked"`
	ViolationsFound int     `json:"violations_found"`
	StartedAt       string  `json:"started_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	ResultSummary   string  `json:"result_summary,omitempty"`
}

type Violation struct {
	ID              string  `json:"id"`
	CheckRunID      string  `json:"check_run_id"`
	RuleCode        string  `json:"rule_code"`
	Severity        string  `json:"severity"`
	Status          string  `json:"status" enum:"OPEN,ACKNOWLEDGED,IN_PROGRESS,RESOLVED,ACCEPTED_RISK,FALSE_POSITIVE"`
	Description     string  `json:"description"`
	AffectedStaffID *string `json:"affected_staff_id,omitempty"`
	SubjectDate     *string `json:"subject_date,omitempty" format:"date"`
	ResolutionNote  *string `json:"resolution_note,omitempty"`
	DetectedAt      string  `json:"detected_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// IsFinal reports whether the violation can no longer change status.
func (v Violation) IsFinal() bool {
	switch v.Status {
	case ViolationResolved, ViolationAcceptedRisk, ViolationFalsePositive:
		return true
	}
	return false
}

type ShortageAlert struct {
	ID                string  `json:"id"`
	Unit              string  `json:"unit"`
	ShiftDate         string  `json:"shift_date" format:"date"`
	ShiftType         string  `json:"shift_type"`
	RequiredStaff     int     `json:"required_staff"`
	CurrentStaff      int     `json:"current_staff"`
	Shortage          int     `json:"shortage"`
	Status            string  `json:"status" enum:"PENDING,FILLED,UNFILLED,CANCELLED"`
	Priority          string  `json:"priority" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	ExpiresAt         string  `json:"expires_at" format:"date-time"`
	AcceptedResponses int     `json:"accepted_responses"`
	SourceViolationID *string `json:"source_violation_id,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

// PositionsRemaining is derived on every read and never stored.
func (a ShortageAlert) PositionsRemaining() int {
	n := a.Shortage - a.AcceptedResponses
	if n < 0 {
		return 0
	}
	return n
}

func (a ShortageAlert) IsTerminal() bool {
	return a.Status != AlertPending
}

type AlertResponse struct {
	ID          string  `json:"id"`
	AlertID     string  `json:"alert_id"`
	StaffID     string  `json:"staff_id"`
	Response    string  `json:"response" enum:"PENDING,ACCEPTED,DECLINED,NO_RESPONSE"`
	ContactedAt string  `json:"contacted_at" format:"date-time"`
	RespondedAt *string `json:"responded_at,omitempty" format:"date-time"`
	ShiftID     *string `json:"shift_id,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	KeyHash   string   `json:"key_hash"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
