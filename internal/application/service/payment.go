package service

import (
	"context"
	"errors"
	"io"
	"strings"

	"dossier/internal/application/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/audit"
	"dossier/pkg/platform/sentinel"
	"dossier/pkg/requestcontext"
)

const maxPaymentReferenceLength = 128

const (
	decisionSourceManual   = "manual"
	decisionSourceProvider = "provider"
)

var errDuplicateCallback = errors.New("provider callback already processed")

// InitiatePayment issues the fee request for the application type and assigns
// the gateway reference.
func (s *Service) InitiatePayment(
	ctx context.Context,
	actor models.Actor,
	applicationID id.ApplicationID,
	method models.PaymentMethod,
) (*models.Application, error) {
	if !method.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown payment method: "+string(method))
	}
	now := requestcontext.Now(ctx)

	return s.commit(ctx, applicationID, mutation{
		name: "payment_initiated",
		validate: func(app *models.Application) error {
			if !app.OwnedBy(actor.UserID) {
				return dErrors.New(dErrors.CodeForbidden, "only the applicant may initiate payment")
			}
			if err := app.CanChangeSubmission(); err != nil {
				return err
			}
			return app.Payment.CanInitiate()
		},
		apply: func(app *models.Application) {
			app.Payment.ApplyInitiation(method, models.PaymentReference(app.ConfirmationNumber, now),
				s.catalog.Fee(app.Type), s.catalog.Currency())
			app.UpdatedAt = now
		},
		inTx: func(ctx context.Context, app *models.Application) error {
			return s.logAudit(ctx, audit.EventPaymentInitiated, app, actor.Ref(),
				"decision", string(method),
				"payment_reference", app.Payment.Reference,
				"amount", app.Payment.Amount.StringFixed(2),
			)
		},
	})
}

// SubmitProof attaches a payment receipt and returns the payment to pending.
// A receipt already used by another application is refused.
func (s *Service) SubmitProof(
	ctx context.Context,
	actor models.Actor,
	applicationID id.ApplicationID,
	proof models.BlobRef,
	reference string,
) (*models.Application, error) {
	reference = strings.TrimSpace(reference)
	if proof.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "proof_ref is required")
	}
	if len(reference) > maxPaymentReferenceLength {
		return nil, dErrors.New(dErrors.CodeValidation, "reference must be 128 characters or less")
	}
	if err := s.requireBlob(ctx, proof); err != nil {
		return nil, err
	}

	owner, err := s.store.FindByPaymentProof(ctx, proof)
	switch {
	case err == nil && owner.ID != applicationID:
		return nil, errReceiptInUse()
	case err != nil && !errors.Is(err, sentinel.ErrNotFound):
		return nil, MapStoreError(err, "failed to check payment proof")
	}

	now := requestcontext.Now(ctx)
	app, err := s.commit(ctx, applicationID, mutation{
		name: "payment_proof_submitted",
		validate: func(app *models.Application) error {
			if !app.OwnedBy(actor.UserID) {
				return dErrors.New(dErrors.CodeForbidden, "only the applicant may submit payment proof")
			}
			return app.CanSubmitPaymentProof()
		},
		apply: func(app *models.Application) {
			app.ApplyPaymentProof(proof, reference, now)
		},
		inTx: func(ctx context.Context, app *models.Application) error {
			return s.logAudit(ctx, audit.EventPaymentProofSubmitted, app, actor.Ref(),
				"proof_ref", proof.String(),
				"payment_reference", app.Payment.Reference,
			)
		},
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, errReceiptInUse()
		}
		return nil, err
	}
	return app, nil
}

// UploadPaymentProof stores the receipt content and submits it as proof.
func (s *Service) UploadPaymentProof(
	ctx context.Context,
	actor models.Actor,
	applicationID id.ApplicationID,
	content io.Reader,
	reference string,
) (*models.Application, error) {
	if err := s.requireOwner(ctx, actor, applicationID); err != nil {
		return nil, err
	}
	ref, err := s.putBlob(ctx, content)
	if err != nil {
		return nil, err
	}
	return s.SubmitProof(ctx, actor, applicationID, ref, reference)
}

// VerifyPayment marks a submitted proof as accepted.
func (s *Service) VerifyPayment(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) (*models.Application, error) {
	if !actor.CanVerifyPayments() {
		return nil, dErrors.New(dErrors.CodeForbidden, "payment verification requires a supervisor or admin")
	}
	now := requestcontext.Now(ctx)

	app, err := s.commit(ctx, applicationID, mutation{
		name:     "payment_verified",
		validate: (*models.Application).CanDecidePayment,
		apply: func(app *models.Application) {
			app.ApplyPaymentVerification(actor.Ref(), now)
		},
		inTx: func(ctx context.Context, app *models.Application) error {
			return s.logAudit(ctx, audit.EventPaymentVerified, app, actor.Ref(),
				"decision", string(models.PaymentCompleted))
		},
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncPaymentDecision("verified", decisionSourceManual)
	}
	return app, nil
}

// RejectPayment refuses a submitted proof. The applicant may resubmit.
func (s *Service) RejectPayment(
	ctx context.Context,
	actor models.Actor,
	applicationID id.ApplicationID,
	reason string,
) (*models.Application, error) {
	reason, err := models.NormalizeReason(reason)
	if err != nil {
		return nil, err
	}
	if !actor.CanVerifyPayments() {
		return nil, dErrors.New(dErrors.CodeForbidden, "payment rejection requires a supervisor or admin")
	}
	now := requestcontext.Now(ctx)

	app, err := s.commit(ctx, applicationID, mutation{
		name:     "payment_rejected",
		validate: (*models.Application).CanDecidePayment,
		apply: func(app *models.Application) {
			app.ApplyPaymentRejection(actor.Ref(), reason, now)
		},
		inTx: func(ctx context.Context, app *models.Application) error {
			return s.logAudit(ctx, audit.EventPaymentRejected, app, actor.Ref(),
				"decision", string(models.PaymentFailed),
				"reason", reason,
			)
		},
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncPaymentDecision("rejected", decisionSourceManual)
	}
	return app, nil
}

// ProviderCallback applies a gateway report exactly once per provider
// reference. A repeated delivery returns the current application unchanged.
//
// The unit of work is keyed by the reference, but a Tx is not required to
// serialise on the key. A duplicate that passed the ledger check before the
// first delivery committed fails the payment guard on the locked row; the
// ledger is read again at that point and the delivery resolves as a duplicate.
func (s *Service) ProviderCallback(
	ctx context.Context,
	applicationID id.ApplicationID,
	providerReference string,
	outcome models.ProviderOutcome,
) (*models.Application, error) {
	providerReference = strings.TrimSpace(providerReference)
	if providerReference == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "provider_reference is required")
	}
	if len(providerReference) > maxPaymentReferenceLength {
		return nil, dErrors.New(dErrors.CodeValidation, "provider_reference must be 128 characters or less")
	}
	if !outcome.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "outcome must be success or failure")
	}
	now := requestcontext.Now(ctx)

	var updated *models.Application
	err := s.tx.RunInTx(ctx, "callback:"+providerReference, func(ctx context.Context) error {
		processed, err := s.store.CallbackProcessed(ctx, providerReference)
		if err != nil {
			return err
		}
		if processed {
			return errDuplicateCallback
		}

		app, err := s.store.Execute(ctx, applicationID,
			func(app *models.Application) error { return app.Payment.CanApplyProviderOutcome() },
			func(app *models.Application) { app.ApplyProviderOutcome(outcome, providerReference, now) },
		)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeInvalidState) {
				if processed, checkErr := s.store.CallbackProcessed(ctx, providerReference); checkErr == nil && processed {
					return errDuplicateCallback
				}
			}
			return err
		}
		if err := s.store.RecordCallback(ctx, providerReference, applicationID, outcome, now); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return errDuplicateCallback
			}
			return err
		}
		updated = app
		return s.logAudit(ctx, audit.EventProviderCallback, app, models.SystemPaymentProvider,
			"decision", string(outcome),
			"provider_reference", providerReference,
			"reason", app.Payment.RejectionReason,
		)
	})
	if s.metrics != nil {
		s.metrics.IncTransition("payment_callback", err)
	}

	if errors.Is(err, errDuplicateCallback) {
		if s.metrics != nil {
			s.metrics.IncDuplicateCallback()
		}
		if s.logger != nil {
			s.logger.InfoContext(ctx, "duplicate payment provider callback ignored",
				"provider_reference", providerReference,
				"application_id", applicationID.String(),
			)
		}
		current, err := s.store.FindByID(ctx, applicationID)
		if err != nil {
			return nil, MapStoreError(err, "failed to load application")
		}
		return current, nil
	}
	if err != nil {
		return nil, MapStoreError(err, "failed to apply payment callback")
	}

	if s.metrics != nil {
		decision := "verified"
		if outcome == models.ProviderOutcomeFailure {
			decision = "rejected"
		}
		s.metrics.IncPaymentDecision(decision, decisionSourceProvider)
	}
	return updated, nil
}

func errReceiptInUse() error {
	return dErrors.New(dErrors.CodeConflict, "payment receipt already used by another application")
}
