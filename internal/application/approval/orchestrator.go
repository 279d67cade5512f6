// Package approval runs the approve operation: guard, render the approved
// document outside any transaction, then commit the decision, the artifact
// reference and the approval notification together.
//
// A commit that loses a race discards the rendered artifact. Delivery of the
// notification happens after commit and never fails the approval.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dossier/internal/application/metrics"
	"dossier/internal/application/models"
	"dossier/internal/application/service"
	notification "dossier/internal/notification/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/audit"
	"dossier/pkg/requestcontext"
)

// DefaultRenderTimeout bounds document generation.
const DefaultRenderTimeout = 30 * time.Second

// Renderer produces the approved document for a snapshot and can remove an
// artifact whose approval did not commit.
type Renderer interface {
	Render(ctx context.Context, app *models.Application) (string, error)
	Discard(ctx context.Context, ref string) error
}

type Orchestrator struct {
	store          service.Store
	tx             service.Tx
	renderer       Renderer
	catalog        *models.Catalog
	outbox         service.Outbox
	dispatcher     service.Dispatcher
	auditPublisher service.AuditPublisher
	renderTimeout  time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(*Orchestrator)

func WithOutbox(outbox service.Outbox, dispatcher service.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.outbox = outbox
		o.dispatcher = dispatcher
	}
}

func WithAuditPublisher(publisher service.AuditPublisher) Option {
	return func(o *Orchestrator) {
		o.auditPublisher = publisher
	}
}

func WithRenderTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.renderTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func New(store service.Store, tx service.Tx, renderer Renderer, catalog *models.Catalog, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("application store is required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner is required")
	}
	if renderer == nil {
		return nil, fmt.Errorf("document renderer is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("application catalog is required")
	}
	o := &Orchestrator{
		store:         store,
		tx:            tx,
		renderer:      renderer,
		catalog:       catalog,
		renderTimeout: DefaultRenderTimeout,
		tracer:        otel.Tracer("dossier/approval"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute approves applicationID on behalf of officer.
func (o *Orchestrator) Execute(ctx context.Context, officer models.Actor, applicationID id.ApplicationID) (*models.Application, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "approval.execute", trace.WithAttributes(
		attribute.String("application.id", applicationID.String()),
		attribute.String("actor.role", string(officer.Role)),
	))
	defer span.End()

	app, err := o.execute(ctx, officer, applicationID)
	if o.metrics != nil {
		o.metrics.IncTransition("approved", err)
		o.metrics.ObserveApproval(start)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.String("application.confirmation_number", app.ConfirmationNumber))
	return app, nil
}

func (o *Orchestrator) execute(ctx context.Context, officer models.Actor, applicationID id.ApplicationID) (*models.Application, error) {
	if !officer.CanReviewApplications() {
		return nil, dErrors.New(dErrors.CodeForbidden, "status changes require an officer")
	}

	snapshot, err := o.store.FindByID(ctx, applicationID)
	if err != nil {
		return nil, service.MapStoreError(err, "failed to load application")
	}
	if err := service.CheckApproval(snapshot, o.catalog); err != nil {
		return nil, err
	}

	artifact, err := o.render(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	approved, notificationID, err := o.commit(ctx, officer, snapshot, artifact)
	if err != nil {
		if discardErr := o.renderer.Discard(context.WithoutCancel(ctx), artifact); discardErr != nil && o.logger != nil {
			o.logger.WarnContext(ctx, "failed to discard rendered document",
				"artifact_ref", artifact,
				"error", discardErr,
			)
		}
		return nil, service.MapStoreError(err, "failed to commit approval")
	}

	if o.dispatcher != nil && !notificationID.IsNil() {
		if err := o.dispatcher.DispatchNow(ctx, notificationID); err != nil && o.logger != nil {
			o.logger.WarnContext(ctx, "immediate approval notification failed; worker will retry",
				"notification_id", notificationID.String(),
				"confirmation_number", approved.ConfirmationNumber,
				"error", err,
			)
		}
	}
	return approved, nil
}

func (o *Orchestrator) render(ctx context.Context, snapshot *models.Application) (string, error) {
	ctx, span := o.tracer.Start(ctx, "approval.render")
	defer span.End()

	start := time.Now()
	renderCtx, cancel := context.WithTimeout(ctx, o.renderTimeout)
	defer cancel()

	ref, err := o.renderer.Render(renderCtx, snapshot)
	if o.metrics != nil {
		o.metrics.ObserveRender(start)
	}
	if err == nil && ref == "" {
		err = errors.New("renderer returned an empty reference")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		msg := "document rendering failed"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "document rendering timed out"
		}
		return "", dErrors.Wrap(err, dErrors.CodeExternalService, msg)
	}
	span.SetAttributes(attribute.String("document.ref", ref))
	return ref, nil
}

// commit re-checks the guards against the locked row and writes the decision.
// A row that changed since the snapshot but still passes the guards reports a
// conflict; the caller retries against fresh state.
func (o *Orchestrator) commit(
	ctx context.Context,
	officer models.Actor,
	snapshot *models.Application,
	artifact string,
) (*models.Application, id.NotificationID, error) {
	ctx, span := o.tracer.Start(ctx, "approval.commit")
	defer span.End()

	now := requestcontext.Now(ctx)
	var (
		approved       *models.Application
		notificationID id.NotificationID
	)
	err := o.tx.RunInTx(ctx, snapshot.ID.String(), func(ctx context.Context) error {
		app, err := o.store.Execute(ctx, snapshot.ID,
			func(app *models.Application) error {
				if err := service.CheckApproval(app, o.catalog); err != nil {
					return err
				}
				if app.Version != snapshot.Version {
					return dErrors.New(dErrors.CodeConflict, "application changed while the document was rendered")
				}
				return nil
			},
			func(app *models.Application) {
				app.ApplyApproval(officer.Ref(), artifact, now)
			},
		)
		if err != nil {
			return err
		}

		if o.outbox != nil {
			n, err := notification.New(notification.KindApplicationApproved, app.ID, app.ConfirmationNumber,
				app.Applicant.Email, artifact, map[string]string{
					"type":      string(app.Type),
					"full_name": app.Applicant.FullName(),
				}, now)
			if err != nil {
				return err
			}
			if err := o.outbox.Enqueue(ctx, n); err != nil {
				return fmt.Errorf("enqueue approval notification: %w", err)
			}
			notificationID = n.ID
		}

		if err := o.emitApproved(ctx, officer, app); err != nil {
			return err
		}
		approved = app
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return nil, id.NotificationID{}, err
	}
	return approved, notificationID, nil
}

func (o *Orchestrator) emitApproved(ctx context.Context, officer models.Actor, app *models.Application) error {
	event := audit.EventApplicationApproved
	if o.logger != nil {
		o.logger.InfoContext(ctx, string(event),
			"application_id", app.ID.String(),
			"confirmation_number", app.ConfirmationNumber,
			"actor_id", officer.Ref(),
			"artifact_ref", app.ApprovedPDFRef,
			"request_id", requestcontext.RequestID(ctx),
			"event", string(event),
			"log_type", "audit",
		)
	}
	if o.auditPublisher == nil {
		return nil
	}
	err := o.auditPublisher.Emit(ctx, audit.Event{
		Timestamp: requestcontext.Now(ctx),
		UserID:    app.ApplicantID,
		Subject:   app.ConfirmationNumber,
		Action:    string(event),
		Decision:  string(models.StatusApproved),
		ActorID:   officer.Ref(),
		RequestID: requestcontext.RequestID(ctx),
		ClientIP:  requestcontext.ClientIP(ctx),
	})
	if err != nil {
		return fmt.Errorf("emit %s audit event: %w", event, err)
	}
	return nil
}
