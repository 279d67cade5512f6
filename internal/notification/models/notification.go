package models

import (
	"fmt"
	"time"
	"unicode/utf8"

	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
)

// Kind names the lifecycle event a notification announces.
type Kind string

const (
	KindApplicationReceived Kind = "application_received"
	KindApplicationApproved Kind = "application_approved"
	KindApplicationRejected Kind = "application_rejected"
	KindPasswordReset       Kind = "password_reset"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

const maxErrorLength = 1000

// Notification is one outbox row. It is written in the same transaction as the
// decision it announces and delivered afterwards, at least once.
type Notification struct {
	ID                 id.NotificationID `json:"id"`
	Kind               Kind              `json:"kind"`
	ApplicationID      id.ApplicationID  `json:"application_id"`
	ConfirmationNumber string            `json:"confirmation_number"`
	Recipient          string            `json:"recipient"`
	ArtifactRef        string            `json:"artifact_ref,omitempty"`
	Payload            map[string]string `json:"payload,omitempty"`
	Status             Status            `json:"status"`
	Attempts           int               `json:"attempts"`
	NextAttemptAt      time.Time         `json:"next_attempt_at"`
	LastError          string            `json:"last_error,omitempty"`
	SentAt             *time.Time        `json:"sent_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Message is the content handed to a sender.
type Message struct {
	NotificationID     string            `json:"notification_id"`
	Kind               Kind              `json:"kind"`
	ApplicationID      string            `json:"application_id"`
	ConfirmationNumber string            `json:"confirmation_number"`
	Recipient          string            `json:"recipient"`
	ArtifactRef        string            `json:"artifact_ref,omitempty"`
	Payload            map[string]string `json:"payload,omitempty"`
	Attempt            int               `json:"attempt"`
}

func New(
	kind Kind,
	applicationID id.ApplicationID,
	confirmationNumber string,
	recipient string,
	artifactRef string,
	payload map[string]string,
	now time.Time,
) (*Notification, error) {
	if applicationID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "notification requires an application id")
	}
	if kind == KindApplicationApproved && artifactRef == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "approval notification requires an artifact reference")
	}
	p := make(map[string]string, len(payload))
	for k, v := range payload {
		p[k] = v
	}
	return &Notification{
		ID:                 id.NewNotificationID(),
		Kind:               kind,
		ApplicationID:      applicationID,
		ConfirmationNumber: confirmationNumber,
		Recipient:          recipient,
		ArtifactRef:        artifactRef,
		Payload:            p,
		Status:             StatusPending,
		NextAttemptAt:      now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func (n *Notification) Message() Message {
	return Message{
		NotificationID:     n.ID.String(),
		Kind:               n.Kind,
		ApplicationID:      n.ApplicationID.String(),
		ConfirmationNumber: n.ConfirmationNumber,
		Recipient:          n.Recipient,
		ArtifactRef:        n.ArtifactRef,
		Payload:            n.Payload,
		Attempt:            n.Attempts,
	}
}

func (n *Notification) IsDue(now time.Time) bool {
	return n.Status == StatusPending && !n.NextAttemptAt.After(now)
}

func (n *Notification) MarkSent(now time.Time) {
	n.Status = StatusSent
	n.LastError = ""
	n.SentAt = &now
	n.UpdatedAt = now
}

// MarkAttemptFailed records a failed delivery. The row stays pending with
// exponential backoff until maxAttempts is reached, then becomes failed.
// Reports whether the row is now failed.
func (n *Notification) MarkAttemptFailed(cause error, now time.Time, maxAttempts int, baseBackoff time.Duration) bool {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	n.LastError = truncate(msg, maxErrorLength)
	n.UpdatedAt = now

	if n.Attempts >= maxAttempts {
		n.Status = StatusFailed
		return true
	}
	n.NextAttemptAt = now.Add(Backoff(baseBackoff, n.Attempts))
	return false
}

// CanRetry guards manual re-drive.
func (n *Notification) CanRetry() error {
	if n.Status != StatusFailed {
		return dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("notification is %s; only failed notifications can be retried", n.Status))
	}
	return nil
}

// ResetForRetry returns a failed row to the pending queue with a fresh budget.
func (n *Notification) ResetForRetry(now time.Time) {
	n.Status = StatusPending
	n.Attempts = 0
	n.NextAttemptAt = now
	n.UpdatedAt = now
}

// Backoff doubles base per completed attempt, capped at one hour.
func Backoff(base time.Duration, attempts int) time.Duration {
	const maxBackoff = time.Hour
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (n *Notification) Clone() *Notification {
	c := *n
	if n.Payload != nil {
		c.Payload = make(map[string]string, len(n.Payload))
		for k, v := range n.Payload {
			c.Payload[k] = v
		}
	}
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	return &c
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
