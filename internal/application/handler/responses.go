package handler

import (
	"time"

	"dossier/internal/application/models"
)

type PaymentResponse struct {
	Status          string     `json:"status"`
	Method          string     `json:"method,omitempty"`
	Reference       string     `json:"reference,omitempty"`
	ProofRef        string     `json:"proof_ref,omitempty"`
	Amount          string     `json:"amount,omitempty"`
	Currency        string     `json:"currency,omitempty"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	VerifiedBy      string     `json:"verified_by,omitempty"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
}

type ApplicationResponse struct {
	ID                 string                  `json:"id"`
	ConfirmationNumber string                  `json:"confirmation_number"`
	ApplicantID        string                  `json:"applicant_id"`
	Type               string                  `json:"type"`
	Applicant          models.ApplicantDetails `json:"applicant"`
	Extensions         map[string]string       `json:"extensions,omitempty"`
	Status             string                  `json:"status"`
	Payment            PaymentResponse         `json:"payment"`
	Attachments        map[string]string       `json:"attachments"`
	RejectionReason    string                  `json:"rejection_reason,omitempty"`
	ReviewedBy         string                  `json:"reviewed_by,omitempty"`
	ReviewedAt         *time.Time              `json:"reviewed_at,omitempty"`
	HasDocument        bool                    `json:"has_document"`
	CollectedAt        *time.Time              `json:"collected_at,omitempty"`
	Version            int64                   `json:"version"`
	CreatedAt          time.Time               `json:"created_at"`
	UpdatedAt          time.Time               `json:"updated_at"`
}

type TypeResponse struct {
	Type          string   `json:"type"`
	Label         string   `json:"label"`
	RequiredSlots []string `json:"required_slots"`
	Fee           string   `json:"fee"`
}

type TypesResponse struct {
	Types    []TypeResponse `json:"types"`
	Currency string         `json:"currency"`
}

func toTypesResponse(catalog *models.Catalog) TypesResponse {
	types := catalog.Types()
	resp := TypesResponse{Types: make([]TypeResponse, 0, len(types)), Currency: catalog.Currency()}
	for _, t := range types {
		spec, _ := catalog.Lookup(t)
		slots := make([]string, 0, len(spec.RequiredSlots))
		for _, slot := range spec.RequiredSlots {
			slots = append(slots, string(slot))
		}
		resp.Types = append(resp.Types, TypeResponse{
			Type:          string(t),
			Label:         spec.Label,
			RequiredSlots: slots,
			Fee:           catalog.Fee(t).StringFixed(2),
		})
	}
	return resp
}

type ListResponse struct {
	Applications []ApplicationResponse `json:"applications"`
	Count        int                   `json:"count"`
}

func toResponse(app *models.Application) ApplicationResponse {
	attachments := make(map[string]string, len(app.Attachments))
	for slot, ref := range app.Attachments {
		attachments[string(slot)] = ref.String()
	}
	p := app.Payment
	payment := PaymentResponse{
		Status:          string(p.Status),
		Method:          string(p.Method),
		Reference:       p.Reference,
		ProofRef:        p.ProofRef.String(),
		Currency:        p.Currency,
		SubmittedAt:     p.SubmittedAt,
		VerifiedBy:      p.VerifiedBy,
		VerifiedAt:      p.VerifiedAt,
		RejectionReason: p.RejectionReason,
		RejectedAt:      p.RejectedAt,
	}
	if !p.Amount.IsZero() {
		payment.Amount = p.Amount.StringFixed(2)
	}
	return ApplicationResponse{
		ID:                 app.ID.String(),
		ConfirmationNumber: app.ConfirmationNumber,
		ApplicantID:        app.ApplicantID.String(),
		Type:               string(app.Type),
		Applicant:          app.Applicant,
		Extensions:         app.Extensions,
		Status:             string(app.Status),
		Payment:            payment,
		Attachments:        attachments,
		RejectionReason:    app.RejectionReason,
		ReviewedBy:         app.ReviewedBy,
		ReviewedAt:         app.ReviewedAt,
		HasDocument:        app.ApprovedPDFRef != "",
		CollectedAt:        app.CollectedAt,
		Version:            app.Version,
		CreatedAt:          app.CreatedAt,
		UpdatedAt:          app.UpdatedAt,
	}
}
