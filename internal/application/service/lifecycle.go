package service

import (
	"context"

	"dossier/internal/application/models"
	notification "dossier/internal/notification/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/audit"
	"dossier/pkg/requestcontext"
)

// CheckApproval runs the approval guards in their reporting order: payment,
// status edge, then required attachments.
func CheckApproval(app *models.Application, catalog *models.Catalog) error {
	if err := app.CanApprove(); err != nil {
		return err
	}
	return app.RequireSlots(catalog.RequiredSlots(app.Type))
}

func requireReviewer(actor models.Actor) error {
	if !actor.CanReviewApplications() {
		return dErrors.New(dErrors.CodeForbidden, "status changes require an officer")
	}
	return nil
}

// MarkInProgress moves a pending application under review.
func (s *Service) MarkInProgress(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) (*models.Application, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)

	return s.commit(ctx, applicationID, mutation{
		name: "in_progress",
		validate: func(app *models.Application) error {
			if err := app.CanMarkInProgress(); err != nil {
				return err
			}
			return app.RequireSlots(s.catalog.RequiredSlots(app.Type))
		},
		apply: func(app *models.Application) {
			app.ApplyInProgress(actor.Ref(), now)
		},
		inTx: func(ctx context.Context, app *models.Application) error {
			return s.logAudit(ctx, audit.EventApplicationInProgress, app, actor.Ref(),
				"decision", string(models.StatusInProgress))
		},
	})
}

// Approve hands off to the approval orchestrator, which renders the document
// before committing.
func (s *Service) Approve(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) (*models.Application, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}
	if s.approver == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "approval is not configured")
	}
	return s.approver.Execute(ctx, actor, applicationID)
}

// Reject records a terminal refusal. The reason is checked before any read.
func (s *Service) Reject(
	ctx context.Context,
	actor models.Actor,
	applicationID id.ApplicationID,
	reason string,
) (*models.Application, error) {
	reason, err := models.NormalizeReason(reason)
	if err != nil {
		return nil, err
	}
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)

	return s.commit(ctx, applicationID, mutation{
		name: "rejected",
		validate: func(app *models.Application) error {
			if err := app.CanReject(); err != nil {
				return err
			}
			return app.RequireSlots(s.catalog.RequiredSlots(app.Type))
		},
		apply: func(app *models.Application) {
			app.ApplyRejection(actor.Ref(), reason, now)
		},
		inTx: func(ctx context.Context, app *models.Application) error {
			err := s.enqueue(ctx, notification.KindApplicationRejected, app, "", map[string]string{
				"reason": reason,
			})
			if err != nil {
				return err
			}
			return s.logAudit(ctx, audit.EventApplicationRejected, app, actor.Ref(),
				"decision", string(models.StatusRejected),
				"reason", reason,
			)
		},
	})
}

// MarkCollected records that the applicant picked up an approved document.
func (s *Service) MarkCollected(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) (*models.Application, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)

	return s.commit(ctx, applicationID, mutation{
		name: "collected",
		validate: func(app *models.Application) error {
			if err := app.CanMarkCollected(); err != nil {
				return err
			}
			return app.RequireSlots(s.catalog.RequiredSlots(app.Type))
		},
		apply: func(app *models.Application) {
			app.ApplyCollected(actor.Ref(), now)
		},
		inTx: func(ctx context.Context, app *models.Application) error {
			return s.logAudit(ctx, audit.EventApplicationCollected, app, actor.Ref(),
				"decision", string(models.StatusCollected))
		},
	})
}
