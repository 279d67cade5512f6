package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dossier/internal/notification/models"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/sentinel"
	txcontext "dossier/pkg/platform/tx"
)

const notificationColumns = `
	id, kind, application_id, confirmation_number, recipient, artifact_ref, payload,
	status, attempts, next_attempt_at, last_error, sent_at, created_at, updated_at`

// PostgresStore persists the notification outbox. Enqueue joins a
// transaction carried in ctx so the row commits with the decision.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Enqueue(ctx context.Context, n *models.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	_, err = txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		uuid.UUID(n.ID), string(n.Kind), uuid.UUID(n.ApplicationID), n.ConfirmationNumber,
		n.Recipient, n.ArtifactRef, payload, string(n.Status), n.Attempts, n.NextAttemptAt,
		n.LastError, n.SentAt, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, notificationID id.NotificationID) (*models.Notification, error) {
	n, err := scanNotification(txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, uuid.UUID(notificationID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find notification: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Claim(ctx context.Context, notificationID id.NotificationID, now, leaseUntil time.Time) (*models.Notification, error) {
	n, err := scanNotification(txcontext.Exec(ctx, s.db).QueryRowContext(ctx, `
		UPDATE notifications
		SET attempts = attempts + 1, next_attempt_at = $3, updated_at = $2
		WHERE id = $1 AND status = 'pending' AND next_attempt_at <= $2
		RETURNING `+notificationColumns,
		uuid.UUID(notificationID), now, leaseUntil,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("claim notification: %w", err)
	}
	return n, nil
}

// ClaimDue leases a batch with SKIP LOCKED so concurrent workers never claim
// the same row.
func (s *PostgresStore) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*models.Notification, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, `
		UPDATE notifications
		SET attempts = attempts + 1, next_attempt_at = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns,
		now, leaseUntil, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) Save(ctx context.Context, n *models.Notification) error {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE notifications
		SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5, sent_at = $6, updated_at = $7
		WHERE id = $1`,
		uuid.UUID(n.ID), string(n.Status), n.Attempts, n.NextAttemptAt, n.LastError, n.SentAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save notification rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]*models.Notification, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed notifications: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) ListByApplication(ctx context.Context, applicationID id.ApplicationID) ([]*models.Notification, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE application_id = $1
		ORDER BY created_at`, uuid.UUID(applicationID))
	if err != nil {
		return nil, fmt.Errorf("list notifications by application: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) ResetFailed(ctx context.Context, now time.Time) (int, error) {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE notifications
		SET status = 'pending', attempts = 0, next_attempt_at = $1, updated_at = $1
		WHERE status = 'failed'`, now)
	if err != nil {
		return 0, fmt.Errorf("reset failed notifications: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset failed notifications rows affected: %w", err)
	}
	return int(affected), nil
}

func collect(rows *sql.Rows) ([]*models.Notification, error) {
	defer rows.Close()
	out := make([]*models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(sc scanner) (*models.Notification, error) {
	var (
		n             models.Notification
		notifID       uuid.UUID
		applicationID uuid.UUID
		kind, status  string
		payload       []byte
		sentAt        sql.NullTime
	)
	err := sc.Scan(
		&notifID, &kind, &applicationID, &n.ConfirmationNumber, &n.Recipient, &n.ArtifactRef, &payload,
		&status, &n.Attempts, &n.NextAttemptAt, &n.LastError, &sentAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.ID = id.NotificationID(notifID)
	n.ApplicationID = id.ApplicationID(applicationID)
	n.Kind = models.Kind(kind)
	n.Status = models.Status(status)
	n.NextAttemptAt = n.NextAttemptAt.UTC()
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		n.SentAt = &t
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal notification payload: %w", err)
		}
	}
	return &n, nil
}
