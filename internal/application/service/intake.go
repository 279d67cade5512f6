package service

import (
	"context"
	"strings"

	"dossier/internal/application/models"
	notification "dossier/internal/notification/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/audit"
	"dossier/pkg/requestcontext"
)

// Create validates an intake request, reserves a confirmation number and
// stores the application in (pending, pending). The application_received
// notification is written with the row and dispatched after commit.
func (s *Service) Create(ctx context.Context, actor models.Actor, req *models.CreateApplicationRequest) (*models.Application, error) {
	if req == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "request body is required")
	}
	now := requestcontext.Now(ctx)
	req.Normalize()
	if err := req.Validate(s.catalog, now); err != nil {
		return nil, err
	}
	if actor.Role != models.RoleApplicant {
		return nil, dErrors.New(dErrors.CodeForbidden, "only applicants may submit applications")
	}

	draft, err := models.NewApplication(id.NewApplicationID(), actor.UserID, req.Type, req.Applicant, req.Extensions, now)
	if err != nil {
		return nil, err
	}

	var (
		created *models.Application
		pending []id.NotificationID
	)
	_, err = s.confirmations.Reserve(ctx, func(ctx context.Context, number string) error {
		candidate := draft.Clone()
		if err := candidate.AssignConfirmationNumber(number); err != nil {
			return err
		}
		pending = pending[:0]
		err := s.tx.RunInTx(ctx, candidate.ID.String(), func(ctx context.Context) error {
			if err := s.store.Create(ctx, candidate); err != nil {
				return err
			}
			txCtx := withPendingNotifications(ctx, &pending)
			err := s.enqueue(txCtx, notification.KindApplicationReceived, candidate, "", map[string]string{
				"type":      string(candidate.Type),
				"full_name": candidate.Applicant.FullName(),
			})
			if err != nil {
				return err
			}
			return s.logAudit(ctx, audit.EventApplicationCreated, candidate, actor.Ref(),
				"type", string(candidate.Type))
		})
		if err != nil {
			return err
		}
		created = candidate
		return nil
	})
	if err != nil {
		return nil, MapStoreError(err, "failed to create application")
	}

	if s.metrics != nil {
		s.metrics.IncCreated(string(created.Type))
	}
	s.dispatch(ctx, pending)
	return created, nil
}

func (s *Service) Get(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) (*models.Application, error) {
	return s.load(ctx, actor, applicationID)
}

// GetByConfirmation looks an application up by its public number.
func (s *Service) GetByConfirmation(ctx context.Context, actor models.Actor, number string) (*models.Application, error) {
	number = strings.ToUpper(strings.TrimSpace(number))
	if number == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "confirmation number is required")
	}
	app, err := s.store.FindByConfirmation(ctx, number)
	if err != nil {
		return nil, MapStoreError(err, "failed to load application")
	}
	if !actor.CanView(app) {
		return nil, dErrors.New(dErrors.CodeForbidden, "not allowed to access this application")
	}
	return app, nil
}

// List returns applications matching filter. Applicants only ever see their own.
func (s *Service) List(ctx context.Context, actor models.Actor, filter models.ListFilter) ([]*models.Application, error) {
	filter.Normalize()
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if !actor.IsStaff() {
		filter.ApplicantID = actor.UserID
	}
	apps, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, MapStoreError(err, "failed to list applications")
	}
	return apps, nil
}

// Stats returns dashboard counters. Staff only.
func (s *Service) Stats(ctx context.Context, actor models.Actor) (*models.Stats, error) {
	if !actor.IsStaff() {
		return nil, dErrors.New(dErrors.CodeForbidden, "statistics are restricted to staff")
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, MapStoreError(err, "failed to load statistics")
	}
	return stats, nil
}
