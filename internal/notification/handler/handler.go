package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"dossier/internal/notification/models"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/httputil"
	"dossier/pkg/requestcontext"
)

// adminActor identifies calls authenticated by the shared admin token.
const adminActor = "admin:api-token"

type Service interface {
	ListFailed(ctx context.Context, limit int) ([]*models.Notification, error)
	Retry(ctx context.Context, actor string, notificationID id.NotificationID) (*models.Notification, error)
	RetryAllFailed(ctx context.Context, actor string) (int, error)
}

// Handler exposes operator endpoints for the notification outbox. Routes are
// expected to sit behind the admin token middleware.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/admin/notifications/failed", h.HandleListFailed)
	r.Post("/admin/notifications/retry-failed", h.HandleRetryAll)
	r.Post("/admin/notifications/{id}/retry", h.HandleRetry)
}

type NotificationResponse struct {
	ID                 string     `json:"id"`
	Kind               string     `json:"kind"`
	ApplicationID      string     `json:"application_id"`
	ConfirmationNumber string     `json:"confirmation_number"`
	Recipient          string     `json:"recipient"`
	ArtifactRef        string     `json:"artifact_ref,omitempty"`
	Status             string     `json:"status"`
	Attempts           int        `json:"attempts"`
	NextAttemptAt      time.Time  `json:"next_attempt_at"`
	LastError          string     `json:"last_error,omitempty"`
	SentAt             *time.Time `json:"sent_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

type ListFailedResponse struct {
	Notifications []NotificationResponse `json:"notifications"`
	Count         int                    `json:"count"`
}

type RetryAllResponse struct {
	Requeued int `json:"requeued"`
}

func toResponse(n *models.Notification) NotificationResponse {
	return NotificationResponse{
		ID:                 n.ID.String(),
		Kind:               string(n.Kind),
		ApplicationID:      n.ApplicationID.String(),
		ConfirmationNumber: n.ConfirmationNumber,
		Recipient:          n.Recipient,
		ArtifactRef:        n.ArtifactRef,
		Status:             string(n.Status),
		Attempts:           n.Attempts,
		NextAttemptAt:      n.NextAttemptAt,
		LastError:          n.LastError,
		SentAt:             n.SentAt,
		CreatedAt:          n.CreatedAt,
	}
}

// HandleListFailed handles GET /admin/notifications/failed.
func (h *Handler) HandleListFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	rows, err := h.service.ListFailed(ctx, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list failed notifications",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	resp := ListFailedResponse{Notifications: make([]NotificationResponse, 0, len(rows)), Count: len(rows)}
	for _, n := range rows {
		resp.Notifications = append(resp.Notifications, toResponse(n))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleRetry handles POST /admin/notifications/{id}/retry.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	notificationID, err := id.ParseNotificationID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	n, err := h.service.Retry(ctx, adminActor, notificationID)
	if err != nil {
		h.logger.WarnContext(ctx, "notification retry failed",
			"request_id", requestID,
			"notification_id", notificationID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "notification re-driven",
		"request_id", requestID,
		"notification_id", notificationID.String(),
		"status", string(n.Status),
	)
	httputil.WriteJSON(w, http.StatusOK, toResponse(n))
}

// HandleRetryAll handles POST /admin/notifications/retry-failed.
func (h *Handler) HandleRetryAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, err := h.service.RetryAllFailed(ctx, adminActor)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to re-queue notifications",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RetryAllResponse{Requeued: count})
}
