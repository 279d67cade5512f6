package models

import (
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
)

type Role string

const (
	RoleApplicant  Role = "applicant"
	RoleOfficer    Role = "officer"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleApplicant, RoleOfficer, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

// SystemPaymentProvider attributes provider-driven payment decisions.
const SystemPaymentProvider = "system:payment-provider"

// Actor is the capability every operation receives. It is built once from a
// verified token and carries the only role checks the service performs.
type Actor struct {
	UserID id.UserID
	Role   Role
}

// NewActor validates the role claim of an authenticated caller.
func NewActor(userID id.UserID, role string) (Actor, error) {
	if userID.IsNil() {
		return Actor{}, dErrors.New(dErrors.CodeUnauthorized, "authenticated user required")
	}
	r := Role(role)
	if !r.IsValid() {
		return Actor{}, dErrors.New(dErrors.CodeForbidden, "unknown role")
	}
	return Actor{UserID: userID, Role: r}, nil
}

// Ref is the identifier recorded in reviewer and verifier fields.
func (a Actor) Ref() string {
	return a.UserID.String()
}

func (a Actor) IsStaff() bool {
	return a.Role == RoleOfficer || a.Role == RoleSupervisor || a.Role == RoleAdmin
}

// CanReviewApplications gates status transitions.
func (a Actor) CanReviewApplications() bool {
	return a.IsStaff()
}

// CanVerifyPayments gates manual payment decisions.
func (a Actor) CanVerifyPayments() bool {
	return a.Role == RoleSupervisor || a.Role == RoleAdmin
}

// CanView reports whether the actor may read app.
func (a Actor) CanView(app *Application) bool {
	return a.IsStaff() || app.OwnedBy(a.UserID)
}
