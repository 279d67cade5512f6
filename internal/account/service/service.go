// Package service implements portal accounts: applicant registration, sign-in
// that issues access tokens, staff provisioning and password reset.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dossier/internal/account/models"
	"dossier/internal/account/secrets"
	application "dossier/internal/application/models"
	notification "dossier/internal/notification/models"
	"dossier/pkg/attrs"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/audit"
	"dossier/pkg/platform/sentinel"
	"dossier/pkg/requestcontext"
)

const (
	defaultAccessTokenTTL = 12 * time.Hour
	defaultResetTTL       = 24 * time.Hour
	tokenTypeBearer       = "Bearer"
)

// errInvalidCredentials hides whether the email or the password was wrong.
var errInvalidCredentials = dErrors.New(dErrors.CodeUnauthorized, "invalid email or password")

type Store interface {
	Create(ctx context.Context, account *models.Account) error
	FindByID(ctx context.Context, accountID id.UserID) (*models.Account, error)
	FindByEmail(ctx context.Context, email string) (*models.Account, error)
	Update(ctx context.Context, account *models.Account) error
	SaveReset(ctx context.Context, reset *models.PasswordReset) error
	ConsumeReset(ctx context.Context, digest string, now time.Time) (*models.PasswordReset, error)
}

type TokenIssuer interface {
	GenerateAccessToken(userID id.UserID, role, email string, expiresIn time.Duration) (string, error)
}

// ResetSender delivers the reset token to the account holder.
type ResetSender interface {
	Send(ctx context.Context, msg notification.Message) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// AuthResult is a signed-in account with its access token.
type AuthResult struct {
	Account     *models.Account
	AccessToken string
	TokenType   string
	ExpiresIn   time.Duration
}

type Service struct {
	store          Store
	tokens         TokenIssuer
	resetSender    ResetSender
	auditPublisher AuditPublisher
	logger         *slog.Logger
	accessTTL      time.Duration
	resetTTL       time.Duration
	hashCost       int
}

type Option func(*Service)

func WithResetSender(sender ResetSender) Option {
	return func(s *Service) {
		s.resetSender = sender
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAccessTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

func WithResetTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// WithHashCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithHashCost(cost int) Option {
	return func(s *Service) {
		s.hashCost = cost
	}
}

func New(store Store, tokens TokenIssuer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("account store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	s := &Service{
		store:     store,
		tokens:    tokens,
		accessTTL: defaultAccessTokenTTL,
		resetTTL:  defaultResetTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates an applicant account and signs it in.
func (s *Service) Register(ctx context.Context, req *models.RegisterRequest) (*AuthResult, error) {
	if req == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	account, err := s.create(ctx, req, application.RoleApplicant)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, audit.EventAccountRegistered, account, account.ID.String())
	return s.issue(account)
}

// CreateStaff provisions an officer, supervisor or admin account. The caller
// is an operator holding the admin token.
func (s *Service) CreateStaff(ctx context.Context, actor string, req *models.StaffAccountRequest) (*models.Account, error) {
	if req == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	account, err := s.create(ctx, &req.RegisterRequest, req.StaffRole())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, audit.EventStaffAccountCreated, account, actor, "decision", string(account.Role))
	return account, nil
}

func (s *Service) create(ctx context.Context, req *models.RegisterRequest, role application.Role) (*models.Account, error) {
	hash, err := secrets.HashPassword(req.Password, s.hashCost)
	if err != nil {
		return nil, err
	}
	account, err := models.NewAccount(
		id.UserID(uuid.New()),
		req.Email, req.FirstName, req.LastName, req.Phone,
		role, hash, requestcontext.Now(ctx),
	)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, account); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "an account with this email already exists")
		}
		return nil, mapStoreError(err, "failed to create account")
	}
	return account, nil
}

// Login verifies credentials and issues an access token.
func (s *Service) Login(ctx context.Context, req *models.LoginRequest) (*AuthResult, error) {
	if req == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	account, err := s.store.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, errInvalidCredentials
		}
		return nil, mapStoreError(err, "failed to load account")
	}
	if err := secrets.VerifyPassword(req.Password, account.PasswordHash); err != nil {
		if errors.Is(err, secrets.ErrMismatch) {
			return nil, errInvalidCredentials
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify credentials")
	}
	if err := account.CanSignIn(); err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "account signed in", "user_id", account.ID.String(), "role", string(account.Role))
	}
	return s.issue(account)
}

// Me returns the caller's account. Deactivated accounts are refused even
// while their last token is still valid.
func (s *Service) Me(ctx context.Context, accountID id.UserID) (*models.Account, error) {
	account, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		return nil, mapStoreError(err, "failed to load account")
	}
	if err := account.CanSignIn(); err != nil {
		return nil, err
	}
	return account, nil
}

// Deactivate blocks further sign-ins for the account.
func (s *Service) Deactivate(ctx context.Context, actor string, accountID id.UserID) (*models.Account, error) {
	account, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		return nil, mapStoreError(err, "failed to load account")
	}
	if !account.Active {
		return account, nil
	}
	account.Deactivate(requestcontext.Now(ctx))
	if err := s.store.Update(ctx, account); err != nil {
		return nil, mapStoreError(err, "failed to update account")
	}
	s.logAudit(ctx, audit.EventAccountDeactivated, account, actor)
	return account, nil
}

// RequestPasswordReset mails a single-use reset token. Unknown and inactive
// emails succeed silently so the endpoint cannot be used to enumerate accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, req *models.PasswordResetRequest) error {
	if req == nil {
		return dErrors.New(dErrors.CodeValidation, "request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}
	account, err := s.store.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		return mapStoreError(err, "failed to load account")
	}
	if !account.Active {
		return nil
	}

	token, digest, err := secrets.NewResetToken()
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create reset token")
	}
	now := requestcontext.Now(ctx)
	expiresAt := now.Add(s.resetTTL)
	reset := &models.PasswordReset{
		TokenDigest: digest,
		AccountID:   account.ID,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	if err := s.store.SaveReset(ctx, reset); err != nil {
		return mapStoreError(err, "failed to store reset token")
	}

	if s.resetSender == nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "password reset requested without a sender", "user_id", account.ID.String())
		}
		return nil
	}
	msg := notification.Message{
		NotificationID: id.NewNotificationID().String(),
		Kind:           notification.KindPasswordReset,
		Recipient:      account.Email,
		Payload: map[string]string{
			"token":      token,
			"name":       account.FullName(),
			"expires_at": expiresAt.Format(time.RFC3339),
		},
		Attempt: 1,
	}
	if err := s.resetSender.Send(ctx, msg); err != nil {
		return dErrors.Wrap(err, dErrors.CodeExternalService, "failed to send reset email")
	}
	return nil
}

// ConfirmPasswordReset sets a new password using a reset token. The token is
// consumed even when it turns out to be expired.
func (s *Service) ConfirmPasswordReset(ctx context.Context, req *models.PasswordResetConfirmRequest) error {
	if req == nil {
		return dErrors.New(dErrors.CodeValidation, "request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}
	hash, err := secrets.HashPassword(req.Password, s.hashCost)
	if err != nil {
		return err
	}

	now := requestcontext.Now(ctx)
	reset, err := s.store.ConsumeReset(ctx, secrets.DigestToken(req.Token), now)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrAlreadyUsed) {
			return dErrors.New(dErrors.CodeValidation, "invalid or expired reset link")
		}
		return mapStoreError(err, "failed to consume reset token")
	}
	if err := reset.CanComplete(now); err != nil {
		return err
	}

	account, err := s.store.FindByID(ctx, reset.AccountID)
	if err != nil {
		return mapStoreError(err, "failed to load account")
	}
	if err := account.CanSignIn(); err != nil {
		return err
	}
	account.SetPasswordHash(hash, now)
	if err := s.store.Update(ctx, account); err != nil {
		return mapStoreError(err, "failed to update account")
	}
	s.logAudit(ctx, audit.EventPasswordReset, account, account.ID.String())
	return nil
}

func (s *Service) issue(account *models.Account) (*AuthResult, error) {
	token, err := s.tokens.GenerateAccessToken(account.ID, string(account.Role), account.Email, s.accessTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue access token")
	}
	return &AuthResult{
		Account:     account,
		AccessToken: token,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   s.accessTTL,
	}, nil
}

// logAudit writes the audit line and emits the event. Account events are
// recorded after the write has landed, so an emit failure is only logged.
func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, account *models.Account, actorID string, attributes ...any) {
	requestID := requestcontext.RequestID(ctx)
	if s.logger != nil {
		args := append(attributes,
			"user_id", account.ID.String(),
			"actor_id", actorID,
			"request_id", requestID,
			"event", string(event),
			"log_type", "audit",
		)
		s.logger.InfoContext(ctx, string(event), args...)
	}
	if s.auditPublisher == nil {
		return
	}
	err := s.auditPublisher.Emit(ctx, audit.Event{
		Timestamp: requestcontext.Now(ctx),
		UserID:    account.ID,
		Subject:   account.Email,
		Action:    string(event),
		Decision:  attrs.ExtractString(attributes, "decision"),
		ActorID:   actorID,
		RequestID: requestID,
		ClientIP:  requestcontext.ClientIP(ctx),
	})
	if err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "failed to emit audit event", "event", string(event), "error", err)
	}
}

func mapStoreError(err error, msg string) error {
	if _, ok := dErrors.From(err); ok {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "account not found")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "operation timed out")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
