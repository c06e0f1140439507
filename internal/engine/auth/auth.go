// Package auth holds the role checks shared by the API and the CLI.
package auth

import (
	"fmt"
	"strings"
)

// Roles carried in tokens and API keys.
const (
	RoleManager = "manager"
	RoleStaff   = "staff"
	RoleSystem  = "system"
)

// ForbiddenError indicates a missing role.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// NotOwnerError is returned when a staff member acts on another member's
// invitation.
type NotOwnerError struct {
	ActorID string
	StaffID string
}

func (e NotOwnerError) Error() string {
	return fmt.Sprintf("actor %s cannot act for staff %s", e.ActorID, e.StaffID)
}

func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// Require fails unless roles contain role. The system role satisfies every
// requirement.
func Require(roles []string, role string) error {
	if HasRole(roles, role) || HasRole(roles, RoleSystem) {
		return nil
	}
	return ForbiddenError{Role: role}
}

// RequireOwner lets staff act on their own records and managers act on any.
func RequireOwner(actorID string, roles []string, staffID string) error {
	if actorID == staffID || HasRole(roles, RoleManager) || HasRole(roles, RoleSystem) {
		return nil
	}
	return NotOwnerError{ActorID: actorID, StaffID: staffID}
}
