package audit

import (
	"context"
	"time"

	id "dossier/pkg/domain"
)

// EventCategory classifies audit events by retention and routing needs.
type EventCategory string

const (
	// CategoryCompliance covers decisions with legal significance: payment
	// verification, approval, rejection, collection. Long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers routine activity useful for debugging.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. It is
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	// UserID is the applicant who owns the affected application.
	UserID id.UserID
	// Subject is the application confirmation number.
	Subject  string
	Action   string
	Decision string
	Reason   string
	// ActorID is the officer, applicant or system principal that acted.
	ActorID   string
	RequestID string
	ClientIP  string
}

type AuditEvent string

const (
	EventApplicationCreated    AuditEvent = "application_created"
	EventAttachmentAdded       AuditEvent = "attachment_added"
	EventPaymentInitiated      AuditEvent = "payment_initiated"
	EventPaymentProofSubmitted AuditEvent = "payment_proof_submitted"
	EventPaymentVerified       AuditEvent = "payment_verified"
	EventPaymentRejected       AuditEvent = "payment_rejected"
	EventProviderCallback      AuditEvent = "payment_provider_callback"
	EventApplicationInProgress AuditEvent = "application_in_progress"
	EventApplicationApproved   AuditEvent = "application_approved"
	EventApplicationRejected   AuditEvent = "application_rejected"
	EventApplicationCollected  AuditEvent = "application_collected"
	EventNotificationRedriven  AuditEvent = "notification_redriven"
	EventAccountRegistered     AuditEvent = "account_registered"
	EventStaffAccountCreated   AuditEvent = "staff_account_created"
	EventAccountDeactivated    AuditEvent = "account_deactivated"
	EventPasswordReset         AuditEvent = "password_reset"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventApplicationCreated:    CategoryCompliance,
	EventPaymentVerified:       CategoryCompliance,
	EventPaymentRejected:       CategoryCompliance,
	EventProviderCallback:      CategoryCompliance,
	EventApplicationApproved:   CategoryCompliance,
	EventApplicationRejected:   CategoryCompliance,
	EventApplicationCollected:  CategoryCompliance,
	EventAttachmentAdded:       CategoryOperations,
	EventPaymentInitiated:      CategoryOperations,
	EventPaymentProofSubmitted: CategoryOperations,
	EventApplicationInProgress: CategoryOperations,
	EventNotificationRedriven:  CategoryOperations,
	EventStaffAccountCreated:   CategoryCompliance,
	EventAccountDeactivated:    CategoryCompliance,
	EventAccountRegistered:     CategoryOperations,
	EventPasswordReset:         CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events. Postgres implementations join the caller's
// transaction when one is present in the context.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subject string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
