package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"dossier/internal/application/models"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/sentinel"
	txcontext "dossier/pkg/platform/tx"
)

const uniqueViolation = "23505"

const applicationColumns = `
	id, confirmation_number, applicant_id, type, applicant, extensions,
	status, payment_status, payment_proof_ref, payment, attachments,
	rejection_reason, in_progress_by, in_progress_at, reviewed_by, reviewed_at,
	approved_pdf_ref, collected_by, collected_at, version, created_at, updated_at`

// PostgresStore persists applications in PostgreSQL. Calls made with a
// transaction in ctx join it.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, app *models.Application) error {
	row, err := toRow(app)
	if err != nil {
		return err
	}
	query := `INSERT INTO applications (` + applicationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err = txcontext.Exec(ctx, s.db).ExecContext(ctx, query, row.args()...)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, applicationID id.ApplicationID) (*models.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	return s.findOne(ctx, "find application by id", query, uuid.UUID(applicationID))
}

func (s *PostgresStore) FindByConfirmation(ctx context.Context, number string) (*models.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE confirmation_number = $1`
	return s.findOne(ctx, "find application by confirmation", query, number)
}

func (s *PostgresStore) FindByPaymentProof(ctx context.Context, proof models.BlobRef) (*models.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE payment_proof_ref = $1`
	return s.findOne(ctx, "find application by payment proof", query, string(proof))
}

func (s *PostgresStore) findOne(ctx context.Context, op, query string, args ...any) (*models.Application, error) {
	app, err := scanApplication(txcontext.Exec(ctx, s.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return app, nil
}

func (s *PostgresStore) List(ctx context.Context, filter models.ListFilter) ([]*models.Application, error) {
	var (
		conditions []string
		args       []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.PaymentStatus != "" {
		add("payment_status", string(filter.PaymentStatus))
	}
	if filter.Type != "" {
		add("type", string(filter.Type))
	}
	if !filter.ApplicantID.IsNil() {
		add("applicant_id", uuid.UUID(filter.ApplicantID))
	}

	query := `SELECT ` + applicationColumns + ` FROM applications`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, confirmation_number DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	apps := make([]*models.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	return apps, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*models.Stats, error) {
	query := `
		SELECT status, payment_status, type, COUNT(*)
		FROM applications
		GROUP BY status, payment_status, type`
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("application stats: %w", err)
	}
	defer rows.Close()

	stats := models.NewStats()
	for rows.Next() {
		var status, paymentStatus, appType string
		var count int
		if err := rows.Scan(&status, &paymentStatus, &appType, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.Total += count
		stats.ByStatus[models.Status(status)] += count
		stats.ByPaymentStatus[models.PaymentStatus(paymentStatus)] += count
		stats.ByType[models.ApplicationType(appType)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// Execute locks the row, validates, mutates and writes it back guarded by the
// version read under the lock. Zero affected rows means another writer won and
// returns sentinel.ErrConflict. Must run inside a transaction for the lock to
// hold until commit.
func (s *PostgresStore) Execute(
	ctx context.Context,
	applicationID id.ApplicationID,
	validate func(*models.Application) error,
	mutate func(*models.Application),
) (*models.Application, error) {
	exec := txcontext.Exec(ctx, s.db)

	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1 FOR UPDATE`
	app, err := scanApplication(exec.QueryRowContext(ctx, query, uuid.UUID(applicationID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("lock application: %w", err)
	}

	if err := validate(app); err != nil {
		return nil, err
	}
	expected := app.Version
	mutate(app)
	app.Version = expected + 1

	row, err := toRow(app)
	if err != nil {
		return nil, err
	}
	update := `
		UPDATE applications SET
			status = $3, payment_status = $4, payment_proof_ref = $5, payment = $6,
			attachments = $7, rejection_reason = $8, in_progress_by = $9,
			in_progress_at = $10, reviewed_by = $11, reviewed_at = $12,
			approved_pdf_ref = $13, collected_by = $14, collected_at = $15,
			version = $16, updated_at = $17
		WHERE id = $1 AND version = $2`
	res, err := exec.ExecContext(ctx, update,
		row.ID, expected,
		row.Status, row.PaymentStatus, row.PaymentProofRef, row.Payment,
		row.Attachments, row.RejectionReason, row.InProgressBy,
		row.InProgressAt, row.ReviewedBy, row.ReviewedAt,
		row.ApprovedPDFRef, row.CollectedBy, row.CollectedAt,
		row.Version, row.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, sentinel.ErrConflict
		}
		return nil, fmt.Errorf("update application: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update application rows affected: %w", err)
	}
	if affected == 0 {
		return nil, sentinel.ErrConflict
	}
	return app, nil
}

func (s *PostgresStore) CallbackProcessed(ctx context.Context, providerReference string) (bool, error) {
	var exists bool
	err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_callbacks WHERE provider_reference = $1)`,
		providerReference,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check payment callback: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) RecordCallback(
	ctx context.Context,
	providerReference string,
	applicationID id.ApplicationID,
	outcome models.ProviderOutcome,
	now time.Time,
) error {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO payment_callbacks (provider_reference, application_id, outcome, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_reference) DO NOTHING`,
		providerReference, uuid.UUID(applicationID), string(outcome), now,
	)
	if err != nil {
		return fmt.Errorf("record payment callback: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record payment callback rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

// isUniqueViolation recognises the error types of both supported drivers.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type applicationRow struct {
	ID                 uuid.UUID
	ConfirmationNumber string
	ApplicantID        uuid.UUID
	Type               string
	Applicant          []byte
	Extensions         []byte
	Status             string
	PaymentStatus      string
	PaymentProofRef    sql.NullString
	Payment            []byte
	Attachments        []byte
	RejectionReason    string
	InProgressBy       string
	InProgressAt       sql.NullTime
	ReviewedBy         string
	ReviewedAt         sql.NullTime
	ApprovedPDFRef     string
	CollectedBy        string
	CollectedAt        sql.NullTime
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (r applicationRow) args() []any {
	return []any{
		r.ID, r.ConfirmationNumber, r.ApplicantID, r.Type, r.Applicant, r.Extensions,
		r.Status, r.PaymentStatus, r.PaymentProofRef, r.Payment, r.Attachments,
		r.RejectionReason, r.InProgressBy, r.InProgressAt, r.ReviewedBy, r.ReviewedAt,
		r.ApprovedPDFRef, r.CollectedBy, r.CollectedAt, r.Version, r.CreatedAt, r.UpdatedAt,
	}
}

func toRow(app *models.Application) (applicationRow, error) {
	applicant, err := json.Marshal(app.Applicant)
	if err != nil {
		return applicationRow{}, fmt.Errorf("marshal applicant: %w", err)
	}
	extensions, err := json.Marshal(app.Extensions)
	if err != nil {
		return applicationRow{}, fmt.Errorf("marshal extensions: %w", err)
	}
	payment, err := json.Marshal(app.Payment)
	if err != nil {
		return applicationRow{}, fmt.Errorf("marshal payment: %w", err)
	}
	attachments, err := json.Marshal(app.Attachments)
	if err != nil {
		return applicationRow{}, fmt.Errorf("marshal attachments: %w", err)
	}
	return applicationRow{
		ID:                 uuid.UUID(app.ID),
		ConfirmationNumber: app.ConfirmationNumber,
		ApplicantID:        uuid.UUID(app.ApplicantID),
		Type:               string(app.Type),
		Applicant:          applicant,
		Extensions:         extensions,
		Status:             string(app.Status),
		PaymentStatus:      string(app.Payment.Status),
		PaymentProofRef:    nullString(string(app.Payment.ProofRef)),
		Payment:            payment,
		Attachments:        attachments,
		RejectionReason:    app.RejectionReason,
		InProgressBy:       app.InProgressBy,
		InProgressAt:       nullTime(app.InProgressAt),
		ReviewedBy:         app.ReviewedBy,
		ReviewedAt:         nullTime(app.ReviewedAt),
		ApprovedPDFRef:     app.ApprovedPDFRef,
		CollectedBy:        app.CollectedBy,
		CollectedAt:        nullTime(app.CollectedAt),
		Version:            app.Version,
		CreatedAt:          app.CreatedAt,
		UpdatedAt:          app.UpdatedAt,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApplication(sc scanner) (*models.Application, error) {
	var r applicationRow
	err := sc.Scan(
		&r.ID, &r.ConfirmationNumber, &r.ApplicantID, &r.Type, &r.Applicant, &r.Extensions,
		&r.Status, &r.PaymentStatus, &r.PaymentProofRef, &r.Payment, &r.Attachments,
		&r.RejectionReason, &r.InProgressBy, &r.InProgressAt, &r.ReviewedBy, &r.ReviewedAt,
		&r.ApprovedPDFRef, &r.CollectedBy, &r.CollectedAt, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	app := &models.Application{
		ID:                 id.ApplicationID(r.ID),
		ConfirmationNumber: r.ConfirmationNumber,
		ApplicantID:        id.UserID(r.ApplicantID),
		Type:               models.ApplicationType(r.Type),
		Status:             models.Status(r.Status),
		RejectionReason:    r.RejectionReason,
		InProgressBy:       r.InProgressBy,
		InProgressAt:       timePtr(r.InProgressAt),
		ReviewedBy:         r.ReviewedBy,
		ReviewedAt:         timePtr(r.ReviewedAt),
		ApprovedPDFRef:     r.ApprovedPDFRef,
		CollectedBy:        r.CollectedBy,
		CollectedAt:        timePtr(r.CollectedAt),
		Version:            r.Version,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal(r.Applicant, &app.Applicant); err != nil {
		return nil, fmt.Errorf("unmarshal applicant: %w", err)
	}
	if err := json.Unmarshal(r.Extensions, &app.Extensions); err != nil {
		return nil, fmt.Errorf("unmarshal extensions: %w", err)
	}
	if err := json.Unmarshal(r.Payment, &app.Payment); err != nil {
		return nil, fmt.Errorf("unmarshal payment: %w", err)
	}
	if err := json.Unmarshal(r.Attachments, &app.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if app.Extensions == nil {
		app.Extensions = make(map[string]string)
	}
	if app.Attachments == nil {
		app.Attachments = make(map[models.Slot]models.BlobRef)
	}
	return app, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
