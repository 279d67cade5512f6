package models

import (
	"net/mail"
	"strings"
	"time"

	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
)

const (
	maxExtensions     = 32
	maxExtensionKey   = 64
	maxExtensionValue = 1024
	maxNameLength     = 128
	dateOfBirthLayout = "2006-01-02"
	defaultListLimit  = 50
	maximumListLimit  = 500
)

// ApplicantDetails is the identity content of a submission.
type ApplicantDetails struct {
	FirstName    string `json:"first_name"`
	MiddleName   string `json:"middle_name,omitempty"`
	LastName     string `json:"last_name"`
	DateOfBirth  string `json:"date_of_birth"`
	Gender       string `json:"gender,omitempty"`
	Nationality  string `json:"nationality,omitempty"`
	PlaceOfBirth string `json:"place_of_birth,omitempty"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Address      string `json:"address,omitempty"`
}

// FullName joins the non-empty name parts.
func (d ApplicantDetails) FullName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{d.FirstName, d.MiddleName, d.LastName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// CreateApplicationRequest is the intake payload.
type CreateApplicationRequest struct {
	Type       ApplicationType   `json:"type"`
	Applicant  ApplicantDetails  `json:"applicant"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

func (r *CreateApplicationRequest) Normalize() {
	r.Type = ApplicationType(strings.ToLower(strings.TrimSpace(string(r.Type))))
	d := &r.Applicant
	d.FirstName = strings.TrimSpace(d.FirstName)
	d.MiddleName = strings.TrimSpace(d.MiddleName)
	d.LastName = strings.TrimSpace(d.LastName)
	d.DateOfBirth = strings.TrimSpace(d.DateOfBirth)
	d.Gender = strings.TrimSpace(d.Gender)
	d.Nationality = strings.TrimSpace(d.Nationality)
	d.PlaceOfBirth = strings.TrimSpace(d.PlaceOfBirth)
	d.Email = strings.ToLower(strings.TrimSpace(d.Email))
	d.Phone = strings.TrimSpace(d.Phone)
	d.Address = strings.TrimSpace(d.Address)

	if len(r.Extensions) > 0 {
		cleaned := make(map[string]string, len(r.Extensions))
		for k, v := range r.Extensions {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			cleaned[k] = strings.TrimSpace(v)
		}
		r.Extensions = cleaned
	}
}

// Validate checks the payload against the catalog. now bounds the date of birth.
func (r *CreateApplicationRequest) Validate(catalog *Catalog, now time.Time) error {
	if r.Type == "" {
		return dErrors.New(dErrors.CodeValidation, "type is required")
	}
	if !catalog.IsKnown(r.Type) {
		return dErrors.New(dErrors.CodeValidation, "unknown application type: "+string(r.Type))
	}
	d := r.Applicant
	if d.FirstName == "" || d.LastName == "" {
		return dErrors.New(dErrors.CodeValidation, "first_name and last_name are required")
	}
	if len(d.FirstName) > maxNameLength || len(d.MiddleName) > maxNameLength || len(d.LastName) > maxNameLength {
		return dErrors.New(dErrors.CodeValidation, "names must be 128 characters or less")
	}
	if d.DateOfBirth == "" {
		return dErrors.New(dErrors.CodeValidation, "date_of_birth is required")
	}
	dob, err := time.Parse(dateOfBirthLayout, d.DateOfBirth)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "date_of_birth must be YYYY-MM-DD")
	}
	if !dob.Before(now) {
		return dErrors.New(dErrors.CodeValidation, "date_of_birth must be in the past")
	}
	if d.Email == "" {
		return dErrors.New(dErrors.CodeValidation, "email is required")
	}
	if _, err := mail.ParseAddress(d.Email); err != nil {
		return dErrors.New(dErrors.CodeValidation, "email is invalid")
	}
	if d.Phone == "" {
		return dErrors.New(dErrors.CodeValidation, "phone is required")
	}
	if len(r.Extensions) > maxExtensions {
		return dErrors.New(dErrors.CodeValidation, "too many extension fields")
	}
	for k, v := range r.Extensions {
		if len(k) > maxExtensionKey || len(v) > maxExtensionValue {
			return dErrors.New(dErrors.CodeValidation, "extension field too long: "+k)
		}
	}
	return nil
}

// ListFilter narrows application listings. Zero values mean "any".
type ListFilter struct {
	Status        Status
	PaymentStatus PaymentStatus
	Type          ApplicationType
	ApplicantID   id.UserID
	Limit         int
	Offset        int
}

// Normalize clamps paging values.
func (f *ListFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maximumListLimit {
		f.Limit = maximumListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Validate rejects unknown enum filters.
func (f *ListFilter) Validate() error {
	if f.Status != "" && !f.Status.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown status filter")
	}
	if f.PaymentStatus != "" && !f.PaymentStatus.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown payment_status filter")
	}
	return nil
}

// Matches applies the filter to one application (used by in-memory stores).
func (f *ListFilter) Matches(a *Application) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.PaymentStatus != "" && a.Payment.Status != f.PaymentStatus {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if !f.ApplicantID.IsNil() && a.ApplicantID != f.ApplicantID {
		return false
	}
	return true
}

// Stats summarises the store for the officer dashboard.
type Stats struct {
	Total           int                     `json:"total"`
	ByStatus        map[Status]int          `json:"by_status"`
	ByPaymentStatus map[PaymentStatus]int   `json:"by_payment_status"`
	ByType          map[ApplicationType]int `json:"by_type"`
}

func NewStats() *Stats {
	return &Stats{
		ByStatus:        make(map[Status]int),
		ByPaymentStatus: make(map[PaymentStatus]int),
		ByType:          make(map[ApplicationType]int),
	}
}

func (s *Stats) Add(a *Application) {
	s.Total++
	s.ByStatus[a.Status]++
	s.ByPaymentStatus[a.Payment.Status]++
	s.ByType[a.Type]++
}
