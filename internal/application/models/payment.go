package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	dErrors "dossier/pkg/domain-errors"
)

type PaymentMethod string

const (
	PaymentMethodMobileMoney PaymentMethod = "momo"
	PaymentMethodCreditCard  PaymentMethod = "credit_card"
	PaymentMethodBank        PaymentMethod = "bank"
)

func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMethodMobileMoney, PaymentMethodCreditCard, PaymentMethodBank:
		return true
	}
	return false
}

// ProviderOutcome is what the payment gateway reports for a reference.
type ProviderOutcome string

const (
	ProviderOutcomeSuccess ProviderOutcome = "success"
	ProviderOutcomeFailure ProviderOutcome = "failure"
)

func (o ProviderOutcome) IsValid() bool {
	return o == ProviderOutcomeSuccess || o == ProviderOutcomeFailure
}

// Payment is the fee axis of an application.
//
// Invariants:
//   - ProofRef present with Status pending means "awaiting verification";
//     absent means "awaiting submission". The distinction is derived, not stored.
//   - RejectionReason is set iff the latest payment decision was a rejection.
//   - VerifiedBy/VerifiedAt are payment audit fields and never share storage
//     with the application's ReviewedBy/ReviewedAt.
//   - A resubmission after rejection replaces ProofRef and clears the
//     rejection fields; prior decisions remain in the audit log.
type Payment struct {
	Status          PaymentStatus   `json:"status"`
	ProofRef        BlobRef         `json:"proof_ref,omitempty"`
	Reference       string          `json:"reference,omitempty"`
	Method          PaymentMethod   `json:"method,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency,omitempty"`
	SubmittedAt     *time.Time      `json:"submitted_at,omitempty"`
	VerifiedBy      string          `json:"verified_by,omitempty"`
	VerifiedAt      *time.Time      `json:"verified_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	RejectedBy      string          `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
}

// AwaitingVerification reports a pending payment with a submitted proof.
func (p *Payment) AwaitingVerification() bool {
	return p.Status == PaymentPending && !p.ProofRef.IsZero()
}

// CanInitiate checks that a fee request may be (re)issued.
func (p *Payment) CanInitiate() error {
	if p.Status == PaymentCompleted {
		return dErrors.New(dErrors.CodeInvalidState, "payment already completed")
	}
	if p.AwaitingVerification() {
		return dErrors.New(dErrors.CodeInvalidState, "payment proof is awaiting verification")
	}
	return nil
}

// ApplyInitiation records the fee request issued to the applicant.
func (p *Payment) ApplyInitiation(method PaymentMethod, reference string, amount decimal.Decimal, currency string) {
	p.Method = method
	p.Reference = reference
	p.Amount = amount
	p.Currency = currency
}

// CanSubmitProof allows a first submission or a resubmission after rejection.
func (p *Payment) CanSubmitProof() error {
	switch {
	case p.Status == PaymentCompleted:
		return dErrors.New(dErrors.CodeInvalidState, "payment already completed")
	case p.AwaitingVerification():
		return dErrors.New(dErrors.CodeInvalidState, "payment proof is awaiting verification")
	}
	return nil
}

// ApplyProofSubmission stores the proof and returns the axis to pending.
func (p *Payment) ApplyProofSubmission(proof BlobRef, reference string, now time.Time) {
	p.Status = PaymentPending
	p.ProofRef = proof
	if reference != "" {
		p.Reference = reference
	}
	p.SubmittedAt = &now
	p.RejectionReason = ""
	p.RejectedBy = ""
	p.RejectedAt = nil
}

// CanDecide guards manual verify and reject: a proof must be awaiting review.
func (p *Payment) CanDecide() error {
	switch {
	case p.Status == PaymentCompleted:
		return dErrors.New(dErrors.CodeInvalidState, "payment already completed")
	case p.Status == PaymentFailed:
		return dErrors.New(dErrors.CodeInvalidState, "payment was rejected and awaits resubmission")
	case p.ProofRef.IsZero():
		return dErrors.New(dErrors.CodeInvalidState, "no payment proof has been submitted")
	}
	return nil
}

func (p *Payment) ApplyVerification(verifier string, now time.Time) {
	p.Status = PaymentCompleted
	p.VerifiedBy = verifier
	p.VerifiedAt = &now
	p.RejectionReason = ""
	p.RejectedBy = ""
	p.RejectedAt = nil
}

func (p *Payment) ApplyRejection(rejecter, reason string, now time.Time) {
	p.Status = PaymentFailed
	p.RejectionReason = reason
	p.RejectedBy = rejecter
	p.RejectedAt = &now
}

// CanApplyProviderOutcome allows provider reports until the payment is completed.
// A provider success does not need a manual proof.
func (p *Payment) CanApplyProviderOutcome() error {
	if p.Status == PaymentCompleted {
		return dErrors.New(dErrors.CodeInvalidState, "payment already completed")
	}
	return nil
}

func (p *Payment) ApplyProviderOutcome(outcome ProviderOutcome, providerReference string, now time.Time) {
	if p.Reference == "" {
		p.Reference = providerReference
	}
	if outcome == ProviderOutcomeSuccess {
		p.ApplyVerification(SystemPaymentProvider, now)
		return
	}
	p.ApplyRejection(SystemPaymentProvider, fmt.Sprintf("payment provider reported failure (%s)", providerReference), now)
}

// PaymentReference builds the gateway reference for an application.
func PaymentReference(confirmationNumber string, now time.Time) string {
	return fmt.Sprintf("PAY-%s-%d", confirmationNumber, now.Unix())
}

// NormalizeReason trims a decision reason and rejects blanks.
func NormalizeReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if len(reason) > 2000 {
		return "", dErrors.New(dErrors.CodeValidation, "reason must be 2000 characters or less")
	}
	return reason, nil
}
