package server

import (
	"encoding/json"

	"rotaguard/internal/domain"
)

// Request payloads

type RunChecksRequest struct {
	Start    string   `json:"start,omitempty" format:"date" doc:"First day, defaults to today"`
	End      string   `json:"end,omitempty" format:"date" doc:"Last day, defaults to start plus 7 days"`
	Rules    []string `json:"rules,omitempty"`
	Category string   `json:"category,omitempty"`
	Resume   bool     `json:"resume,omitempty"`
}

type UpdateViolationRequest struct {
	Status string  `json:"status" enum:"ACKNOWLEDGED,IN_PROGRESS,RESOLVED,ACCEPTED_RISK,FALSE_POSITIVE"`
	Note   *string `json:"note,omitempty"`
}

type CreateAlertRequest struct {
	Unit          string `json:"unit,omitempty"`
	ShiftDate     string `json:"shift_date" format:"date"`
	ShiftType     string `json:"shift_type"`
	RequiredStaff int    `json:"required_staff" minimum:"1"`
	CurrentStaff  int    `json:"current_staff" minimum:"0"`
}

type CancelAlertRequest struct {
	Reason string `json:"reason,omitempty"`
}

type InviteRequest struct {
	StaffIDs []string `json:"staff_ids,omitempty" doc:"Explicit staff to invite; when empty available staff are selected"`
	Limit    int      `json:"limit,omitempty" minimum:"0"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type AlertView struct {
	domain.ShortageAlert
	PositionsRemaining int `json:"positions_remaining"`
}

type AlertDetailView struct {
	AlertView
	Responses []domain.AlertResponse `json:"responses"`
}

type AcceptResponse struct {
	Shift domain.Shift `json:"shift"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ruleList struct {
	Items []domain.Rule `json:"items"`
}

type checkRunList struct {
	Items []domain.CheckRun `json:"items"`
}

type violationList struct {
	Items []domain.Violation `json:"items"`
}

type alertList struct {
	Items []AlertView `json:"items"`
}

type responseList struct {
	Items []domain.AlertResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func alertView(a domain.ShortageAlert) AlertView {
	return AlertView{ShortageAlert: a, PositionsRemaining: a.PositionsRemaining()}
}

func mapAlerts(items []domain.ShortageAlert) []AlertView {
	res := make([]AlertView, 0, len(items))
	for _, a := range items {
		res = append(res, alertView(a))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
