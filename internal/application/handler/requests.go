package handler

import (
	"net/url"
	"strconv"
	"strings"

	"dossier/internal/application/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
)

type AttachRequest struct {
	Slot    string `json:"slot"`
	BlobRef string `json:"blob_ref"`

	slot models.Slot
}

func (r *AttachRequest) Normalize() {
	r.Slot = strings.TrimSpace(r.Slot)
	r.BlobRef = strings.TrimSpace(r.BlobRef)
}

func (r *AttachRequest) Validate() error {
	slot, err := models.ParseSlot(r.Slot)
	if err != nil {
		return err
	}
	if r.BlobRef == "" {
		return dErrors.New(dErrors.CodeValidation, "blob_ref is required")
	}
	r.slot = slot
	return nil
}

type InitiatePaymentRequest struct {
	Method string `json:"method"`
}

func (r *InitiatePaymentRequest) Normalize() {
	r.Method = strings.ToLower(strings.TrimSpace(r.Method))
}

func (r *InitiatePaymentRequest) Validate() error {
	if !models.PaymentMethod(r.Method).IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown payment method")
	}
	return nil
}

type SubmitProofRequest struct {
	ProofRef  string `json:"proof_ref"`
	Reference string `json:"reference"`
}

func (r *SubmitProofRequest) Normalize() {
	r.ProofRef = strings.TrimSpace(r.ProofRef)
	r.Reference = strings.TrimSpace(r.Reference)
}

func (r *SubmitProofRequest) Validate() error {
	if r.ProofRef == "" {
		return dErrors.New(dErrors.CodeValidation, "proof_ref is required")
	}
	return nil
}

// ReasonRequest carries the free-text reason of a rejection. Length and blank
// checks happen in the service so every caller gets the same rules.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

type ProviderCallbackRequest struct {
	ApplicationID     string `json:"application_id"`
	ProviderReference string `json:"provider_reference"`
	Outcome           string `json:"outcome"`

	applicationID id.ApplicationID
}

func (r *ProviderCallbackRequest) Normalize() {
	r.ApplicationID = strings.TrimSpace(r.ApplicationID)
	r.ProviderReference = strings.TrimSpace(r.ProviderReference)
	r.Outcome = strings.ToLower(strings.TrimSpace(r.Outcome))
}

func (r *ProviderCallbackRequest) Validate() error {
	appID, err := id.ParseApplicationID(r.ApplicationID)
	if err != nil {
		return err
	}
	if r.ProviderReference == "" {
		return dErrors.New(dErrors.CodeValidation, "provider_reference is required")
	}
	if !models.ProviderOutcome(r.Outcome).IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown payment outcome")
	}
	r.applicationID = appID
	return nil
}

// parseListFilter reads listing filters from the query string. Enum values
// are checked by the service.
func parseListFilter(q url.Values) (models.ListFilter, error) {
	filter := models.ListFilter{
		Status:        models.Status(strings.TrimSpace(q.Get("status"))),
		PaymentStatus: models.PaymentStatus(strings.TrimSpace(q.Get("payment_status"))),
		Type:          models.ApplicationType(strings.TrimSpace(q.Get("type"))),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return models.ListFilter{}, dErrors.New(dErrors.CodeValidation, name+" must be a number")
		}
		*dst = n
	}
	return filter, nil
}
