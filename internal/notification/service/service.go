// Package service delivers the notification outbox.
//
// Rows are claimed with a lease before sending, so the post-commit dispatch and
// the background worker never deliver the same row concurrently. Delivery is
// at least once; consumers dedupe by notification id.
package service

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

	"dossier/internal/notification/metrics"
	"dossier/internal/notification/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/audit"
	"dossier/pkg/platform/circuit"
	"dossier/pkg/platform/sentinel"
	"dossier/pkg/requestcontext"
)

type Store interface {
	FindByID(ctx context.Context, notificationID id.NotificationID) (*models.Notification, error)
	Claim(ctx context.Context, notificationID id.NotificationID, now, leaseUntil time.Time) (*models.Notification, error)
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*models.Notification, error)
	Save(ctx context.Context, n *models.Notification) error
	ListFailed(ctx context.Context, limit int) ([]*models.Notification, error)
	ResetFailed(ctx context.Context, now time.Time) (int, error)
}

// Sender hands one message to the delivery channel.
type Sender interface {
	Send(ctx context.Context, msg models.Message) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Config tunes delivery. Zero fields take defaults.
type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	Lease        time.Duration
	BatchSize    int
	PollInterval time.Duration
	SendTimeout  time.Duration
}

const (
	defaultMaxAttempts  = 8
	defaultBaseBackoff  = 5 * time.Second
	defaultLease        = 30 * time.Second
	defaultBatchSize    = 50
	defaultPollInterval = 2 * time.Second
	defaultSendTimeout  = 10 * time.Second
	defaultFailedLimit  = 100
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	return c
}

type Dispatcher struct {
	store          Store
	sender         Sender
	cfg            Config
	breaker        *circuit.Breaker
	clock          func() time.Time
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
	tracer         trace.Tracer
}

type Option func(*Dispatcher)

func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) {
		d.cfg = cfg.withDefaults()
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(d *Dispatcher) {
		if b != nil {
			d.breaker = b
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		d.clock = clock
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(d *Dispatcher) {
		d.auditPublisher = p
	}
}

func New(store Store, sender Sender, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("notification store is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("notification sender is required")
	}
	d := &Dispatcher{
		store:   store,
		sender:  sender,
		cfg:     Config{}.withDefaults(),
		breaker: circuit.New("notifications"),
		clock:   time.Now,
		tracer:  otel.Tracer("dossier/notification"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// DispatchNow attempts immediate delivery of one row. A row that is not due,
// already claimed, or held back by an open breaker is left for the worker and
// reported as success; a send failure is returned so callers can log it.
func (d *Dispatcher) DispatchNow(ctx context.Context, notificationID id.NotificationID) error {
	if d.breaker.IsOpen() {
		return nil
	}
	now := d.clock()
	n, err := d.store.Claim(ctx, notificationID, now, now.Add(d.cfg.Lease))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		return err
	}
	return d.deliver(ctx, n)
}

// RunOnce claims and delivers one batch. While the breaker is open only a
// single probe row is claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	limit := d.cfg.BatchSize
	if d.breaker.IsOpen() {
		limit = 1
	}
	now := d.clock()
	batch, err := d.store.ClaimDue(ctx, now, now.Add(d.cfg.Lease), limit)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i, n := range batch {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if d.breaker.IsOpen() && i > 0 {
			d.release(ctx, n)
			continue
		}
		if err := d.deliver(ctx, n); err == nil {
			delivered++
		}
	}
	return delivered, nil
}

// Run polls for due rows until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
				d.logError(ctx, "notification batch failed", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n *models.Notification) error {
	ctx, span := d.tracer.Start(ctx, "notification.deliver", trace.WithAttributes(
		attribute.String("notification.id", n.ID.String()),
		attribute.String("notification.kind", string(n.Kind)),
		attribute.Int("notification.attempt", n.Attempts),
	))
	defer span.End()

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	sendErr := d.sender.Send(sendCtx, n.Message())
	cancel()

	now := d.clock()
	if sendErr == nil {
		n.MarkSent(now)
		if err := d.store.Save(ctx, n); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "save sent notification")
			return fmt.Errorf("save sent notification: %w", err)
		}
		d.recordBreaker(ctx, nil)
		if d.metrics != nil {
			d.metrics.IncSent(string(n.Kind))
		}
		return nil
	}

	span.RecordError(sendErr)
	span.SetStatus(codes.Error, "send failed")
	d.recordBreaker(ctx, sendErr)
	dead := n.MarkAttemptFailed(sendErr, now, d.cfg.MaxAttempts, d.cfg.BaseBackoff)
	if err := d.store.Save(ctx, n); err != nil {
		d.logError(ctx, "failed to record notification failure", err, "notification_id", n.ID.String())
	}
	if d.metrics != nil {
		d.metrics.IncFailed(string(n.Kind))
		if dead {
			d.metrics.IncDead(string(n.Kind))
		}
	}
	if d.logger != nil {
		level := slog.LevelWarn
		if dead {
			level = slog.LevelError
		}
		d.logger.Log(ctx, level, "notification delivery failed",
			"notification_id", n.ID.String(),
			"kind", string(n.Kind),
			"confirmation_number", n.ConfirmationNumber,
			"attempt", n.Attempts,
			"dead", dead,
			"error", sendErr,
		)
	}
	return sendErr
}

// release hands a claimed but unsent row back without spending an attempt.
func (d *Dispatcher) release(ctx context.Context, n *models.Notification) {
	now := d.clock()
	n.Attempts--
	n.NextAttemptAt = now.Add(d.cfg.PollInterval)
	n.UpdatedAt = now
	if err := d.store.Save(ctx, n); err != nil {
		d.logError(ctx, "failed to release notification", err, "notification_id", n.ID.String())
	}
}

func (d *Dispatcher) recordBreaker(ctx context.Context, sendErr error) {
	var change circuit.StateChange
	if sendErr == nil {
		_, change = d.breaker.RecordSuccess()
	} else {
		_, change = d.breaker.RecordFailure()
	}
	if change.Opened || change.Closed {
		if d.metrics != nil {
			d.metrics.SetCircuitOpen(change.Opened)
		}
		if d.logger != nil {
			d.logger.WarnContext(ctx, "notification circuit breaker state changed",
				"breaker", d.breaker.Name(),
				"state", d.breaker.State().String(),
			)
		}
	}
}

// ListFailed returns rows that exhausted their attempts, most recent first.
func (d *Dispatcher) ListFailed(ctx context.Context, limit int) ([]*models.Notification, error) {
	if limit <= 0 || limit > defaultFailedLimit {
		limit = defaultFailedLimit
	}
	rows, err := d.store.ListFailed(ctx, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list failed notifications")
	}
	return rows, nil
}

// Retry re-queues one failed row and attempts delivery straight away.
func (d *Dispatcher) Retry(ctx context.Context, actor string, notificationID id.NotificationID) (*models.Notification, error) {
	n, err := d.store.FindByID(ctx, notificationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "notification not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load notification")
	}
	if err := n.CanRetry(); err != nil {
		return nil, err
	}

	n.ResetForRetry(d.clock())
	if err := d.store.Save(ctx, n); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to re-queue notification")
	}
	if d.metrics != nil {
		d.metrics.AddRedriven(1)
	}
	d.emitRedriven(ctx, actor, n.ConfirmationNumber, n.ID.String())

	if err := d.DispatchNow(ctx, n.ID); err != nil {
		d.logError(ctx, "re-driven notification failed again", err, "notification_id", n.ID.String())
	}

	current, err := d.store.FindByID(ctx, notificationID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load notification")
	}
	return current, nil
}

// RetryAllFailed re-queues every failed row for the worker.
func (d *Dispatcher) RetryAllFailed(ctx context.Context, actor string) (int, error) {
	count, err := d.store.ResetFailed(ctx, d.clock())
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to re-queue notifications")
	}
	if count > 0 {
		if d.metrics != nil {
			d.metrics.AddRedriven(count)
		}
		d.emitRedriven(ctx, actor, "notifications", fmt.Sprintf("%d re-queued", count))
	}
	return count, nil
}

func (d *Dispatcher) emitRedriven(ctx context.Context, actor, subject, decision string) {
	if d.auditPublisher == nil {
		return
	}
	err := d.auditPublisher.Emit(ctx, audit.Event{
		Action:    string(audit.EventNotificationRedriven),
		Subject:   subject,
		Decision:  decision,
		ActorID:   actor,
		RequestID: requestcontext.RequestID(ctx),
		ClientIP:  requestcontext.ClientIP(ctx),
		Timestamp: d.clock(),
	})
	if err != nil {
		d.logError(ctx, "failed to emit re-drive audit event", err)
	}
}

func (d *Dispatcher) logError(ctx context.Context, msg string, err error, attrs ...any) {
	if d.logger == nil {
		return
	}
	args := append([]any{"error", err}, attrs...)
	d.logger.ErrorContext(ctx, msg, args...)
}
