package service

import (
	"context"
	"io"

	"dossier/internal/application/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/audit"
	"dossier/pkg/requestcontext"
)

// Attach records blobRef in slot, replacing any previous reference. Payment
// receipts go through SubmitProof so the payment axis stays consistent.
func (s *Service) Attach(
	ctx context.Context,
	actor models.Actor,
	applicationID id.ApplicationID,
	slot models.Slot,
	blobRef models.BlobRef,
) (*models.Application, error) {
	if !slot.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown attachment slot: "+string(slot))
	}
	if slot == models.SlotPaymentProof {
		return nil, dErrors.New(dErrors.CodeValidation, "payment proof is submitted through the payment endpoint")
	}
	if blobRef.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "blob_ref is required")
	}
	if err := s.requireBlob(ctx, blobRef); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)

	return s.commit(ctx, applicationID, mutation{
		name: "attachment_added",
		validate: func(app *models.Application) error {
			if !app.OwnedBy(actor.UserID) {
				return dErrors.New(dErrors.CodeForbidden, "only the applicant may attach documents")
			}
			return app.CanAttach(slot)
		},
		apply: func(app *models.Application) {
			app.ApplyAttachment(slot, blobRef, now)
		},
		inTx: func(ctx context.Context, app *models.Application) error {
			return s.logAudit(ctx, audit.EventAttachmentAdded, app, actor.Ref(),
				"slot", string(slot),
				"blob_ref", blobRef.String(),
			)
		},
	})
}

// UploadAttachment streams content into the blob store and attaches the
// resulting reference.
func (s *Service) UploadAttachment(
	ctx context.Context,
	actor models.Actor,
	applicationID id.ApplicationID,
	slot models.Slot,
	content io.Reader,
) (*models.Application, error) {
	if !slot.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown attachment slot: "+string(slot))
	}
	if slot == models.SlotPaymentProof {
		return nil, dErrors.New(dErrors.CodeValidation, "payment proof is submitted through the payment endpoint")
	}
	if err := s.requireOwner(ctx, actor, applicationID); err != nil {
		return nil, err
	}
	ref, err := s.putBlob(ctx, content)
	if err != nil {
		return nil, err
	}
	return s.Attach(ctx, actor, applicationID, slot, ref)
}

// requireOwner rejects uploads from anyone but the applicant before any
// content is stored.
func (s *Service) requireOwner(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) error {
	app, err := s.store.FindByID(ctx, applicationID)
	if err != nil {
		return MapStoreError(err, "failed to load application")
	}
	if !app.OwnedBy(actor.UserID) {
		return dErrors.New(dErrors.CodeForbidden, "only the applicant may upload documents")
	}
	return app.CanChangeSubmission()
}

func (s *Service) putBlob(ctx context.Context, content io.Reader) (models.BlobRef, error) {
	if s.blobs == nil {
		return "", dErrors.New(dErrors.CodeInternal, "attachment store is not configured")
	}
	if content == nil {
		return "", dErrors.New(dErrors.CodeValidation, "upload body is required")
	}
	ref, err := s.blobs.Put(ctx, content)
	if err != nil {
		if _, ok := dErrors.From(err); ok {
			return "", err
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to store upload")
	}
	return ref, nil
}

// requireBlob checks that ref names stored content. Without a blob store
// references are accepted as given.
func (s *Service) requireBlob(ctx context.Context, ref models.BlobRef) error {
	if s.blobs == nil {
		return nil
	}
	ok, err := s.blobs.Exists(ctx, ref)
	if err != nil {
		if _, isDomain := dErrors.From(err); isDomain {
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check attachment")
	}
	if !ok {
		return dErrors.New(dErrors.CodeValidation, "unknown blob reference: "+ref.String())
	}
	return nil
}
