package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dossier/internal/account/models"
	"dossier/internal/account/service"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/httputil"
	"dossier/pkg/requestcontext"
)

// adminActor identifies calls authenticated by the shared admin token.
const adminActor = "admin:api-token"

type Service interface {
	Register(ctx context.Context, req *models.RegisterRequest) (*service.AuthResult, error)
	Login(ctx context.Context, req *models.LoginRequest) (*service.AuthResult, error)
	Me(ctx context.Context, accountID id.UserID) (*models.Account, error)
	CreateStaff(ctx context.Context, actor string, req *models.StaffAccountRequest) (*models.Account, error)
	Deactivate(ctx context.Context, actor string, accountID id.UserID) (*models.Account, error)
	RequestPasswordReset(ctx context.Context, req *models.PasswordResetRequest) error
	ConfirmPasswordReset(ctx context.Context, req *models.PasswordResetConfirmRequest) error
}

// Handler exposes portal accounts. RegisterPublic routes need no credentials,
// Register routes sit behind the bearer token middleware and RegisterAdmin
// routes behind the admin token.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) RegisterPublic(r chi.Router) {
	r.Post("/auth/register", h.HandleRegister)
	r.Post("/auth/login", h.HandleLogin)
	r.Post("/auth/password-reset", h.HandlePasswordReset)
	r.Post("/auth/password-reset/confirm", h.HandlePasswordResetConfirm)
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/auth/me", h.HandleMe)
}

func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/admin/accounts", h.HandleCreateStaff)
	r.Post("/admin/accounts/{id}/deactivate", h.HandleDeactivate)
}

type AccountResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone,omitempty"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type TokenResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	ExpiresIn   int             `json:"expires_in"`
	Account     AccountResponse `json:"account"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func toAccountResponse(a *models.Account) AccountResponse {
	return AccountResponse{
		ID:        a.ID.String(),
		Email:     a.Email,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Phone:     a.Phone,
		Role:      string(a.Role),
		Active:    a.Active,
		CreatedAt: a.CreatedAt,
	}
}

func toTokenResponse(result *service.AuthResult) TokenResponse {
	return TokenResponse{
		AccessToken: result.AccessToken,
		TokenType:   result.TokenType,
		ExpiresIn:   int(result.ExpiresIn.Seconds()),
		Account:     toAccountResponse(result.Account),
	}
}

// fail logs and writes err. Caller mistakes are logged at warn.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"operation", op,
		"error", err,
	}
	if code := dErrors.CodeOf(err); code == dErrors.CodeInternal || code == dErrors.CodeExternalService || code == dErrors.CodeTimeout {
		h.logger.ErrorContext(ctx, "account request failed", attrs...)
	} else {
		h.logger.WarnContext(ctx, "account request refused", attrs...)
	}
	httputil.WriteError(w, err)
}

// HandleRegister handles POST /auth/register.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[models.RegisterRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	result, err := h.service.Register(ctx, req)
	if err != nil {
		h.fail(w, r, "register", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toTokenResponse(result))
}

// HandleLogin handles POST /auth/login.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[models.LoginRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	result, err := h.service.Login(ctx, req)
	if err != nil {
		h.fail(w, r, "login", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTokenResponse(result))
}

// HandlePasswordReset handles POST /auth/password-reset. The response is the
// same whether or not the email belongs to an account.
func (h *Handler) HandlePasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[models.PasswordResetRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	if err := h.service.RequestPasswordReset(ctx, req); err != nil {
		h.fail(w, r, "password_reset", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, MessageResponse{
		Message: "if an account exists for this email, a reset link has been sent",
	})
}

// HandlePasswordResetConfirm handles POST /auth/password-reset/confirm.
func (h *Handler) HandlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[models.PasswordResetConfirmRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	if err := h.service.ConfirmPasswordReset(ctx, req); err != nil {
		h.fail(w, r, "password_reset_confirm", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, MessageResponse{Message: "password has been reset"})
}

// HandleMe handles GET /auth/me.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := requestcontext.PrincipalFrom(ctx)
	if !ok {
		h.fail(w, r, "me", dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}
	account, err := h.service.Me(ctx, principal.UserID)
	if err != nil {
		h.fail(w, r, "me", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAccountResponse(account))
}

// HandleCreateStaff handles POST /admin/accounts.
func (h *Handler) HandleCreateStaff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[models.StaffAccountRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	account, err := h.service.CreateStaff(ctx, adminActor, req)
	if err != nil {
		h.fail(w, r, "create_staff", err)
		return
	}
	h.logger.InfoContext(ctx, "staff account created",
		"request_id", requestcontext.RequestID(ctx),
		"user_id", account.ID.String(),
		"role", string(account.Role),
	)
	httputil.WriteJSON(w, http.StatusCreated, toAccountResponse(account))
}

// HandleDeactivate handles POST /admin/accounts/{id}/deactivate.
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, err := id.ParseUserID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	account, err := h.service.Deactivate(ctx, adminActor, accountID)
	if err != nil {
		h.fail(w, r, "deactivate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAccountResponse(account))
}
