package models

import (
	"fmt"
	"strings"
	"time"

	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
)

// Application is the aggregate root for one citizen document request.
//
// Invariants:
//   - ConfirmationNumber is assigned once, before the row is visible, and never changes
//   - Status reaches approved only while Payment.Status is completed
//   - ReviewedBy/ReviewedAt are empty until the first approve/reject and never reset
//   - ApprovedPDFRef is set by the approval commit and only by it; it is
//     present exactly when Status is approved (or collected, which only follows approved)
//   - Applicant, Type and Extensions are immutable after creation
//   - Version increases by one on every committed mutation
type Application struct {
	ID                 id.ApplicationID  `json:"id"`
	ConfirmationNumber string            `json:"confirmation_number"`
	ApplicantID        id.UserID         `json:"applicant_id"`
	Type               ApplicationType   `json:"type"`
	Applicant          ApplicantDetails  `json:"applicant"`
	Extensions         map[string]string `json:"extensions,omitempty"`

	Status          Status           `json:"status"`
	Payment         Payment          `json:"payment"`
	Attachments     map[Slot]BlobRef `json:"attachments"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	InProgressBy    string           `json:"in_progress_by,omitempty"`
	InProgressAt    *time.Time       `json:"in_progress_at,omitempty"`
	ReviewedBy      string           `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty"`
	ApprovedPDFRef  string           `json:"approved_pdf_ref,omitempty"`
	CollectedBy     string           `json:"collected_by,omitempty"`
	CollectedAt     *time.Time       `json:"collected_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewApplication builds a submitted application in (pending, pending).
// The confirmation number is assigned separately by the reservation step.
func NewApplication(
	applicationID id.ApplicationID,
	applicantID id.UserID,
	appType ApplicationType,
	details ApplicantDetails,
	extensions map[string]string,
	now time.Time,
) (*Application, error) {
	if applicationID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "application id is required")
	}
	if applicantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "applicant id is required")
	}
	if appType == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "application type is required")
	}
	ext := make(map[string]string, len(extensions))
	for k, v := range extensions {
		ext[k] = v
	}
	return &Application{
		ID:          applicationID,
		ApplicantID: applicantID,
		Type:        appType,
		Applicant:   details,
		Extensions:  ext,
		Status:      StatusPending,
		Payment:     Payment{Status: PaymentPending},
		Attachments: make(map[Slot]BlobRef),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (a *Application) OwnedBy(userID id.UserID) bool {
	return !userID.IsNil() && a.ApplicantID == userID
}

// AssignConfirmationNumber sets the public identifier exactly once.
func (a *Application) AssignConfirmationNumber(number string) error {
	if a.ConfirmationNumber != "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "confirmation number already assigned")
	}
	if number == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "confirmation number must not be empty")
	}
	a.ConfirmationNumber = number
	return nil
}

// MissingSlots returns the required slots that hold no reference.
func (a *Application) MissingSlots(required []Slot) []Slot {
	var missing []Slot
	for _, slot := range required {
		if a.Attachments[slot].IsZero() {
			missing = append(missing, slot)
		}
	}
	return missing
}

// RequireSlots fails when any required slot is empty.
func (a *Application) RequireSlots(required []Slot) error {
	missing := a.MissingSlots(required)
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, len(missing))
	for i, s := range missing {
		names[i] = string(s)
	}
	return dErrors.New(dErrors.CodeMissingAttachments, "required attachments missing: "+strings.Join(names, ", "))
}

func (a *Application) transitionError(target Status) error {
	if a.Status.IsTerminal() {
		return dErrors.New(dErrors.CodeInvalidTransition,
			fmt.Sprintf("application is %s and cannot change", a.Status))
	}
	return dErrors.New(dErrors.CodeInvalidTransition,
		fmt.Sprintf("cannot move application from %s to %s", a.Status, target))
}

// -----------------------------------------------------------------------------
// Status transitions
// -----------------------------------------------------------------------------

func (a *Application) CanMarkInProgress() error {
	if !a.Status.CanTransitionTo(StatusInProgress) {
		return a.transitionError(StatusInProgress)
	}
	return nil
}

func (a *Application) ApplyInProgress(actor string, now time.Time) {
	a.Status = StatusInProgress
	a.InProgressBy = actor
	a.InProgressAt = &now
	a.UpdatedAt = now
}

// CanApprove checks the payment guard first so an unpaid application always
// reports PaymentNotVerified, then the status edge.
func (a *Application) CanApprove() error {
	if a.Payment.Status != PaymentCompleted {
		return dErrors.New(dErrors.CodePaymentNotVerified,
			fmt.Sprintf("payment is %s; approval requires a completed payment", a.Payment.Status))
	}
	if !a.Status.CanTransitionTo(StatusApproved) {
		return a.transitionError(StatusApproved)
	}
	return nil
}

// ApplyApproval commits the decision and the rendered artifact together.
func (a *Application) ApplyApproval(reviewer, pdfRef string, now time.Time) {
	a.Status = StatusApproved
	a.ApprovedPDFRef = pdfRef
	a.ReviewedBy = reviewer
	a.ReviewedAt = &now
	a.UpdatedAt = now
}

func (a *Application) CanReject() error {
	if !a.Status.CanTransitionTo(StatusRejected) {
		return a.transitionError(StatusRejected)
	}
	return nil
}

func (a *Application) ApplyRejection(reviewer, reason string, now time.Time) {
	a.Status = StatusRejected
	a.RejectionReason = reason
	a.ReviewedBy = reviewer
	a.ReviewedAt = &now
	a.UpdatedAt = now
}

func (a *Application) CanMarkCollected() error {
	if !a.Status.CanTransitionTo(StatusCollected) {
		return a.transitionError(StatusCollected)
	}
	return nil
}

func (a *Application) ApplyCollected(actor string, now time.Time) {
	a.Status = StatusCollected
	a.CollectedBy = actor
	a.CollectedAt = &now
	a.UpdatedAt = now
}

// -----------------------------------------------------------------------------
// Payment and attachment mutations
// -----------------------------------------------------------------------------

// CanChangeSubmission blocks applicant-side changes once a decision exists.
func (a *Application) CanChangeSubmission() error {
	if a.Status.IsDecided() {
		return dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("application is %s and no longer accepts changes", a.Status))
	}
	return nil
}

func (a *Application) CanAttach(slot Slot) error {
	if !slot.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown attachment slot: "+string(slot))
	}
	return a.CanChangeSubmission()
}

func (a *Application) ApplyAttachment(slot Slot, ref BlobRef, now time.Time) {
	if a.Attachments == nil {
		a.Attachments = make(map[Slot]BlobRef)
	}
	a.Attachments[slot] = ref
	a.UpdatedAt = now
}

func (a *Application) CanSubmitPaymentProof() error {
	if err := a.CanChangeSubmission(); err != nil {
		return err
	}
	return a.Payment.CanSubmitProof()
}

// ApplyPaymentProof stores the proof on the payment axis and in its slot.
func (a *Application) ApplyPaymentProof(proof BlobRef, reference string, now time.Time) {
	a.Payment.ApplyProofSubmission(proof, reference, now)
	a.ApplyAttachment(SlotPaymentProof, proof, now)
}

func (a *Application) CanDecidePayment() error {
	if a.Status == StatusRejected {
		return dErrors.New(dErrors.CodeInvalidState, "application is rejected")
	}
	return a.Payment.CanDecide()
}

func (a *Application) ApplyPaymentVerification(verifier string, now time.Time) {
	a.Payment.ApplyVerification(verifier, now)
	a.UpdatedAt = now
}

func (a *Application) ApplyPaymentRejection(rejecter, reason string, now time.Time) {
	a.Payment.ApplyRejection(rejecter, reason, now)
	a.UpdatedAt = now
}

func (a *Application) ApplyProviderOutcome(outcome ProviderOutcome, providerReference string, now time.Time) {
	a.Payment.ApplyProviderOutcome(outcome, providerReference, now)
	a.UpdatedAt = now
}

// Clone returns a deep copy safe to hand to collaborators outside the store.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	c := *a
	c.Extensions = make(map[string]string, len(a.Extensions))
	for k, v := range a.Extensions {
		c.Extensions[k] = v
	}
	c.Attachments = make(map[Slot]BlobRef, len(a.Attachments))
	for k, v := range a.Attachments {
		c.Attachments[k] = v
	}
	c.InProgressAt = cloneTime(a.InProgressAt)
	c.ReviewedAt = cloneTime(a.ReviewedAt)
	c.CollectedAt = cloneTime(a.CollectedAt)
	c.Payment.SubmittedAt = cloneTime(a.Payment.SubmittedAt)
	c.Payment.VerifiedAt = cloneTime(a.Payment.VerifiedAt)
	c.Payment.RejectedAt = cloneTime(a.Payment.RejectedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
