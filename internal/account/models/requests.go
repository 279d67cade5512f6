package models

import (
	"net/mail"
	"strings"

	application "dossier/internal/application/models"
	dErrors "dossier/pkg/domain-errors"
)

const (
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordLength = 72
	maxNameLength     = 128
	maxPhoneLength    = 32
)

type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

func (r *RegisterRequest) Normalize() {
	r.Email = normalizeEmail(r.Email)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Phone = strings.TrimSpace(r.Phone)
}

func (r *RegisterRequest) Validate() error {
	if err := validateEmail(r.Email); err != nil {
		return err
	}
	if err := validatePassword(r.Password); err != nil {
		return err
	}
	if r.FirstName == "" || r.LastName == "" {
		return dErrors.New(dErrors.CodeValidation, "first_name and last_name are required")
	}
	if len(r.FirstName) > maxNameLength || len(r.LastName) > maxNameLength {
		return dErrors.New(dErrors.CodeValidation, "names must be 128 characters or less")
	}
	if r.Phone == "" {
		return dErrors.New(dErrors.CodeValidation, "phone is required")
	}
	if len(r.Phone) > maxPhoneLength {
		return dErrors.New(dErrors.CodeValidation, "phone must be 32 characters or less")
	}
	return nil
}

// StaffAccountRequest creates an officer, supervisor or admin login.
type StaffAccountRequest struct {
	RegisterRequest
	Role string `json:"role"`

	role application.Role
}

func (r *StaffAccountRequest) Normalize() {
	r.RegisterRequest.Normalize()
	r.Role = strings.ToLower(strings.TrimSpace(r.Role))
}

func (r *StaffAccountRequest) Validate() error {
	if err := r.RegisterRequest.Validate(); err != nil {
		return err
	}
	role := application.Role(r.Role)
	if !role.IsValid() || role == application.RoleApplicant {
		return dErrors.New(dErrors.CodeValidation, "role must be officer, supervisor or admin")
	}
	r.role = role
	return nil
}

// StaffRole is the parsed role, set by Validate.
func (r *StaffAccountRequest) StaffRole() application.Role {
	return r.role
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *LoginRequest) Normalize() {
	r.Email = normalizeEmail(r.Email)
}

func (r *LoginRequest) Validate() error {
	if r.Email == "" {
		return dErrors.New(dErrors.CodeValidation, "email is required")
	}
	if r.Password == "" {
		return dErrors.New(dErrors.CodeValidation, "password is required")
	}
	return nil
}

type PasswordResetRequest struct {
	Email string `json:"email"`
}

func (r *PasswordResetRequest) Normalize() {
	r.Email = normalizeEmail(r.Email)
}

func (r *PasswordResetRequest) Validate() error {
	return validateEmail(r.Email)
}

type PasswordResetConfirmRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (r *PasswordResetConfirmRequest) Normalize() {
	r.Token = strings.TrimSpace(r.Token)
}

func (r *PasswordResetConfirmRequest) Validate() error {
	if r.Token == "" {
		return dErrors.New(dErrors.CodeValidation, "token is required")
	}
	return validatePassword(r.Password)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return dErrors.New(dErrors.CodeValidation, "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return dErrors.New(dErrors.CodeValidation, "email is invalid")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return dErrors.New(dErrors.CodeValidation, "password must be at least 8 characters")
	}
	if len(password) > maxPasswordLength {
		return dErrors.New(dErrors.CodeValidation, "password must be 72 bytes or less")
	}
	return nil
}
