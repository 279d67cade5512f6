// Package service implements the application lifecycle: intake, the payment
// axis, status transitions and the attachment registry.
//
// Every guarded mutation goes through Store.Execute inside Tx.RunInTx, keyed by
// the application id. Validation runs before any read, capability checks before
// any load, and state guards against the row that is about to be written.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"dossier/internal/application/metrics"
	"dossier/internal/application/models"
	notification "dossier/internal/notification/models"
	"dossier/pkg/attrs"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/audit"
	"dossier/pkg/platform/sentinel"
	"dossier/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, app *models.Application) error
	FindByID(ctx context.Context, applicationID id.ApplicationID) (*models.Application, error)
	FindByConfirmation(ctx context.Context, number string) (*models.Application, error)
	FindByPaymentProof(ctx context.Context, proof models.BlobRef) (*models.Application, error)
	List(ctx context.Context, filter models.ListFilter) ([]*models.Application, error)
	Stats(ctx context.Context) (*models.Stats, error)
	Execute(
		ctx context.Context,
		applicationID id.ApplicationID,
		validate func(*models.Application) error,
		mutate func(*models.Application),
	) (*models.Application, error)
	CallbackProcessed(ctx context.Context, providerReference string) (bool, error)
	RecordCallback(
		ctx context.Context,
		providerReference string,
		applicationID id.ApplicationID,
		outcome models.ProviderOutcome,
		now time.Time,
	) error
}

// Tx scopes a unit of work to one application. Postgres implementations open a
// database transaction and bind it to ctx; the in-memory one serialises on key.
type Tx interface {
	RunInTx(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Outbox stores notifications in the caller's transaction.
type Outbox interface {
	Enqueue(ctx context.Context, n *notification.Notification) error
}

// Dispatcher attempts delivery of a committed outbox row.
type Dispatcher interface {
	DispatchNow(ctx context.Context, notificationID id.NotificationID) error
}

type ConfirmationReserver interface {
	Reserve(ctx context.Context, persist func(ctx context.Context, number string) error) (string, error)
}

// BlobStore holds uploaded attachment content under content-addressed refs.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader) (models.BlobRef, error)
	Exists(ctx context.Context, ref models.BlobRef) (bool, error)
}

// Approver runs the render-then-commit approval flow.
type Approver interface {
	Execute(ctx context.Context, officer models.Actor, applicationID id.ApplicationID) (*models.Application, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Service struct {
	store          Store
	tx             Tx
	confirmations  ConfirmationReserver
	catalog        *models.Catalog
	outbox         Outbox
	dispatcher     Dispatcher
	blobs          BlobStore
	approver       Approver
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
}

type Option func(*Service)

func WithOutbox(outbox Outbox, dispatcher Dispatcher) Option {
	return func(s *Service) {
		s.outbox = outbox
		s.dispatcher = dispatcher
	}
}

func WithBlobStore(blobs BlobStore) Option {
	return func(s *Service) {
		s.blobs = blobs
	}
}

func WithApprover(approver Approver) Option {
	return func(s *Service) {
		s.approver = approver
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func New(store Store, tx Tx, confirmations ConfirmationReserver, catalog *models.Catalog, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("application store is required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner is required")
	}
	if confirmations == nil {
		return nil, fmt.Errorf("confirmation reserver is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("application catalog is required")
	}
	s := &Service{
		store:         store,
		tx:            tx,
		confirmations: confirmations,
		catalog:       catalog,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Catalog exposes the type catalog used for guards and fees.
func (s *Service) Catalog() *models.Catalog {
	return s.catalog
}

// mutation is one guarded write plus the side effects that must commit with it.
type mutation struct {
	name     string
	validate func(*models.Application) error
	apply    func(*models.Application)
	// inTx runs after the row is written, inside the same transaction.
	inTx func(ctx context.Context, app *models.Application) error
}

// commit runs m through compare-and-commit and dispatches any notifications
// enqueued by inTx once the transaction has committed.
func (s *Service) commit(ctx context.Context, applicationID id.ApplicationID, m mutation) (*models.Application, error) {
	var (
		updated *models.Application
		pending []id.NotificationID
	)
	err := s.tx.RunInTx(ctx, applicationID.String(), func(ctx context.Context) error {
		pending = pending[:0]
		app, err := s.store.Execute(ctx, applicationID, m.validate, m.apply)
		if err != nil {
			return err
		}
		if m.inTx != nil {
			txCtx := withPendingNotifications(ctx, &pending)
			if err := m.inTx(txCtx, app); err != nil {
				return err
			}
		}
		updated = app
		return nil
	})
	if s.metrics != nil && m.name != "" {
		s.metrics.IncTransition(m.name, err)
	}
	if err != nil {
		return nil, MapStoreError(err, "failed to update application")
	}
	s.dispatch(ctx, pending)
	return updated, nil
}

// load fetches an application and applies the view capability.
func (s *Service) load(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) (*models.Application, error) {
	app, err := s.store.FindByID(ctx, applicationID)
	if err != nil {
		return nil, MapStoreError(err, "failed to load application")
	}
	if !actor.CanView(app) {
		return nil, dErrors.New(dErrors.CodeForbidden, "not allowed to access this application")
	}
	return app, nil
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

type pendingKey struct{}

func withPendingNotifications(ctx context.Context, ids *[]id.NotificationID) context.Context {
	return context.WithValue(ctx, pendingKey{}, ids)
}

// enqueue writes an outbox row in the current transaction. Without an outbox
// configured it is a no-op.
func (s *Service) enqueue(
	ctx context.Context,
	kind notification.Kind,
	app *models.Application,
	artifactRef string,
	payload map[string]string,
) error {
	if s.outbox == nil {
		return nil
	}
	n, err := notification.New(kind, app.ID, app.ConfirmationNumber, app.Applicant.Email, artifactRef, payload, requestcontext.Now(ctx))
	if err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, n); err != nil {
		return fmt.Errorf("enqueue %s notification: %w", kind, err)
	}
	if ids, ok := ctx.Value(pendingKey{}).(*[]id.NotificationID); ok {
		*ids = append(*ids, n.ID)
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, ids []id.NotificationID) {
	if s.dispatcher == nil {
		return
	}
	for _, notificationID := range ids {
		if err := s.dispatcher.DispatchNow(ctx, notificationID); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "immediate notification dispatch failed; worker will retry",
				"notification_id", notificationID.String(),
				"error", err,
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// logAudit writes the structured audit line and emits the audit event. The
// emit error is returned so callers inside a transaction fail closed.
func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, app *models.Application, actorID string, attributes ...any) error {
	attributes = append(attributes,
		"application_id", app.ID.String(),
		"confirmation_number", app.ConfirmationNumber,
		"actor_id", actorID,
	)
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", string(event), "log_type", "audit")
	if s.logger != nil {
		s.logger.InfoContext(ctx, string(event), args...)
	}
	if s.auditPublisher == nil {
		return nil
	}
	err := s.auditPublisher.Emit(ctx, audit.Event{
		Timestamp: requestcontext.Now(ctx),
		UserID:    app.ApplicantID,
		Subject:   app.ConfirmationNumber,
		Action:    string(event),
		Decision:  attrs.ExtractString(attributes, "decision"),
		Reason:    attrs.ExtractString(attributes, "reason"),
		ActorID:   actorID,
		RequestID: requestcontext.RequestID(ctx),
		ClientIP:  requestcontext.ClientIP(ctx),
	})
	if err != nil {
		return fmt.Errorf("emit %s audit event: %w", event, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Error mapping
// -----------------------------------------------------------------------------

// MapStoreError turns store sentinels into domain errors. Domain errors pass
// through unchanged so guard failures keep their codes.
func MapStoreError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := dErrors.From(err); ok {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "application not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "application was modified concurrently")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "operation timed out")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
