package models

import (
	"strings"
	"time"

	application "dossier/internal/application/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
)

// Account is a portal login. Applicants register themselves; staff accounts
// are created by an operator.
//
// Invariants:
//   - Email is lower-cased and unique across accounts
//   - PasswordHash is a bcrypt hash, never the password
//   - An inactive account cannot obtain tokens
type Account struct {
	ID           id.UserID        `json:"id"`
	Email        string           `json:"email"`
	FirstName    string           `json:"first_name"`
	LastName     string           `json:"last_name"`
	Phone        string           `json:"phone,omitempty"`
	Role         application.Role `json:"role"`
	PasswordHash string           `json:"-"`
	Active       bool             `json:"active"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func NewAccount(
	accountID id.UserID,
	email, firstName, lastName, phone string,
	role application.Role,
	passwordHash string,
	now time.Time,
) (*Account, error) {
	if accountID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "account id required")
	}
	if email == "" || email != strings.ToLower(email) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "normalized email required")
	}
	if !role.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unknown role")
	}
	if passwordHash == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "password hash required")
	}
	return &Account{
		ID:           accountID,
		Email:        email,
		FirstName:    firstName,
		LastName:     lastName,
		Phone:        phone,
		Role:         role,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (a *Account) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

func (a *Account) CanSignIn() error {
	if !a.Active {
		return dErrors.New(dErrors.CodeForbidden, "account is deactivated")
	}
	return nil
}

func (a *Account) Deactivate(now time.Time) {
	a.Active = false
	a.UpdatedAt = now
}

func (a *Account) SetPasswordHash(hash string, now time.Time) {
	a.PasswordHash = hash
	a.UpdatedAt = now
}

// PasswordReset is a single-use reset grant. Only the digest of the token
// handed to the applicant is kept.
type PasswordReset struct {
	TokenDigest string
	AccountID   id.UserID
	ExpiresAt   time.Time
	UsedAt      *time.Time
	CreatedAt   time.Time
}

// CanComplete reports whether the grant is still usable at now.
func (r *PasswordReset) CanComplete(now time.Time) error {
	if r.UsedAt != nil || !now.Before(r.ExpiresAt) {
		return dErrors.New(dErrors.CodeValidation, "invalid or expired reset link")
	}
	return nil
}
