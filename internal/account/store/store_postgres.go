package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"dossier/internal/account/models"
	application "dossier/internal/application/models"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/sentinel"
	txcontext "dossier/pkg/platform/tx"
)

const uniqueViolation = "23505"

const accountColumns = `id, email, first_name, last_name, phone, role, password_hash, active, created_at, updated_at`

// PostgresStore persists accounts in PostgreSQL. Calls made with a
// transaction in ctx join it.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, account *models.Account) error {
	query := `INSERT INTO accounts (` + accountColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(account.ID), account.Email, account.FirstName, account.LastName, account.Phone,
		string(account.Role), account.PasswordHash, account.Active, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, accountID id.UserID) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return s.findOne(ctx, "find account by id", query, uuid.UUID(accountID))
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return s.findOne(ctx, "find account by email", query, email)
}

func (s *PostgresStore) findOne(ctx context.Context, op, query string, args ...any) (*models.Account, error) {
	var (
		account   models.Account
		accountID uuid.UUID
		role      string
	)
	err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx, query, args...).Scan(
		&accountID, &account.Email, &account.FirstName, &account.LastName, &account.Phone,
		&role, &account.PasswordHash, &account.Active, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	account.ID = id.UserID(accountID)
	account.Role = application.Role(role)
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.UpdatedAt.UTC()
	return &account, nil
}

func (s *PostgresStore) Update(ctx context.Context, account *models.Account) error {
	query := `UPDATE accounts
		SET first_name = $2, last_name = $3, phone = $4, role = $5, password_hash = $6, active = $7, updated_at = $8
		WHERE id = $1`
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(account.ID), account.FirstName, account.LastName, account.Phone,
		string(account.Role), account.PasswordHash, account.Active, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveReset(ctx context.Context, reset *models.PasswordReset) error {
	query := `INSERT INTO password_resets (token_hash, account_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query,
		reset.TokenDigest, uuid.UUID(reset.AccountID), reset.ExpiresAt, reset.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("insert password reset: %w", err)
	}
	return nil
}

// ConsumeReset marks the grant used in one statement so two confirmations of
// the same token cannot both succeed.
func (s *PostgresStore) ConsumeReset(ctx context.Context, digest string, now time.Time) (*models.PasswordReset, error) {
	exec := txcontext.Exec(ctx, s.db)
	var (
		reset     models.PasswordReset
		accountID uuid.UUID
	)
	err := exec.QueryRowContext(ctx, `
		UPDATE password_resets SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL
		RETURNING token_hash, account_id, expires_at, created_at`,
		digest, now,
	).Scan(&reset.TokenDigest, &accountID, &reset.ExpiresAt, &reset.CreatedAt)
	if err == nil {
		reset.AccountID = id.UserID(accountID)
		reset.ExpiresAt = reset.ExpiresAt.UTC()
		reset.CreatedAt = reset.CreatedAt.UTC()
		return &reset, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consume password reset: %w", err)
	}

	var exists bool
	if err := exec.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM password_resets WHERE token_hash = $1)`, digest,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check password reset: %w", err)
	}
	if exists {
		return nil, sentinel.ErrAlreadyUsed
	}
	return nil, sentinel.ErrNotFound
}

func isUniqueViolation(err error) bool {
	return hasCode(err, uniqueViolation)
}

func isForeignKeyViolation(err error) bool {
	return hasCode(err, "23503")
}

// hasCode checks the SQLSTATE for both supported drivers.
func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}
