package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dossier/internal/application/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/httputil"
	"dossier/pkg/platform/sentinel"
	"dossier/pkg/requestcontext"
)

// DefaultMaxUploadBytes bounds a raw upload body before it reaches the
// attachment store.
const DefaultMaxUploadBytes int64 = 12 << 20

type Service interface {
	Create(ctx context.Context, actor models.Actor, req *models.CreateApplicationRequest) (*models.Application, error)
	Get(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) (*models.Application, error)
	GetByConfirmation(ctx context.Context, actor models.Actor, number string) (*models.Application, error)
	List(ctx context.Context, actor models.Actor, filter models.ListFilter) ([]*models.Application, error)
	Stats(ctx context.Context, actor models.Actor) (*models.Stats, error)

	Attach(ctx context.Context, actor models.Actor, applicationID id.ApplicationID, slot models.Slot, blobRef models.BlobRef) (*models.Application, error)
	UploadAttachment(ctx context.Context, actor models.Actor, applicationID id.ApplicationID, slot models.Slot, content io.Reader) (*models.Application, error)

	InitiatePayment(ctx context.Context, actor models.Actor, applicationID id.ApplicationID, method models.PaymentMethod) (*models.Application, error)
	SubmitProof(ctx context.Context, actor models.Actor, applicationID id.ApplicationID, proof models.BlobRef, reference string) (*models.Application, error)
	UploadPaymentProof(ctx context.Context, actor models.Actor, applicationID id.ApplicationID, content io.Reader, reference string) (*models.Application, error)
	VerifyPayment(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) (*models.Application, error)
	RejectPayment(ctx context.Context, actor models.Actor, applicationID id.ApplicationID, reason string) (*models.Application, error)
	ProviderCallback(ctx context.Context, applicationID id.ApplicationID, providerReference string, outcome models.ProviderOutcome) (*models.Application, error)

	MarkInProgress(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) (*models.Application, error)
	Approve(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) (*models.Application, error)
	Reject(ctx context.Context, actor models.Actor, applicationID id.ApplicationID, reason string) (*models.Application, error)
	MarkCollected(ctx context.Context, actor models.Actor, applicationID id.ApplicationID) (*models.Application, error)
}

// DocumentStore serves rendered approval forms.
type DocumentStore interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Handler exposes the application lifecycle over HTTP. Register expects to
// be mounted behind the bearer token middleware; RegisterCallback behind the
// provider shared secret.
type Handler struct {
	service        Service
	documents      DocumentStore
	catalog        *models.Catalog
	maxUploadBytes int64
	logger         *slog.Logger
}

type Option func(*Handler)

func WithDocuments(documents DocumentStore) Option {
	return func(h *Handler) {
		h.documents = documents
	}
}

// WithCatalog serves the configured application types.
func WithCatalog(catalog *models.Catalog) Option {
	return func(h *Handler) {
		h.catalog = catalog
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

func New(service Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{service: service, logger: logger, maxUploadBytes: DefaultMaxUploadBytes}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/application-types", h.HandleListTypes)
	r.Post("/applications", h.HandleCreate)
	r.Get("/applications", h.HandleList)
	r.Get("/applications/stats", h.HandleStats)
	r.Get("/applications/by-confirmation/{number}", h.HandleGetByConfirmation)
	r.Get("/applications/{id}", h.HandleGet)
	r.Get("/applications/{id}/document", h.HandleDocument)

	r.Post("/applications/{id}/attachments", h.HandleAttach)
	r.Put("/applications/{id}/attachments/{slot}", h.HandleUploadAttachment)

	r.Post("/applications/{id}/payment", h.HandleInitiatePayment)
	r.Post("/applications/{id}/payment/proof", h.HandleSubmitProof)
	r.Put("/applications/{id}/payment/proof", h.HandleUploadProof)
	r.Post("/applications/{id}/payment/verify", h.HandleVerifyPayment)
	r.Post("/applications/{id}/payment/reject", h.HandleRejectPayment)

	r.Post("/applications/{id}/in-progress", h.HandleMarkInProgress)
	r.Post("/applications/{id}/approve", h.HandleApprove)
	r.Post("/applications/{id}/reject", h.HandleReject)
	r.Post("/applications/{id}/collected", h.HandleMarkCollected)
}

// RegisterCallback mounts the payment provider webhook.
func (h *Handler) RegisterCallback(r chi.Router) {
	r.Post("/payments/callback", h.HandleProviderCallback)
}

// actorFrom turns the authenticated principal into the capability the
// service checks.
func actorFrom(ctx context.Context) (models.Actor, error) {
	p, ok := requestcontext.PrincipalFrom(ctx)
	if !ok {
		return models.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	return models.NewActor(p.UserID, p.Role)
}

// prepare resolves the actor and, when the route has one, the application id.
// It writes the error response itself.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request, withID bool) (models.Actor, id.ApplicationID, bool) {
	ctx := r.Context()
	actor, err := actorFrom(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "rejected request without a usable principal",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return models.Actor{}, id.ApplicationID{}, false
	}
	if !withID {
		return actor, id.ApplicationID{}, true
	}
	appID, err := id.ParseApplicationID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return models.Actor{}, id.ApplicationID{}, false
	}
	return actor, appID, true
}

// respond writes app or the error. Failures that are the caller's fault are
// logged at warn, everything else at error.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op string, status int, app *models.Application, err error) {
	ctx := r.Context()
	if err != nil {
		attrs := []any{
			"request_id", requestcontext.RequestID(ctx),
			"operation", op,
			"error", err,
		}
		if code := dErrors.CodeOf(err); code == dErrors.CodeInternal || code == dErrors.CodeExternalService || code == dErrors.CodeTimeout {
			h.logger.ErrorContext(ctx, "application request failed", attrs...)
		} else {
			h.logger.WarnContext(ctx, "application request refused", attrs...)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, status, toResponse(app))
}

// HandleCreate handles POST /applications.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := h.prepare(w, r, false)
	if !ok {
		return
	}
	var req models.CreateApplicationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	app, err := h.service.Create(r.Context(), actor, &req)
	if err == nil {
		h.logger.InfoContext(r.Context(), "application submitted",
			"request_id", requestcontext.RequestID(r.Context()),
			"application_id", app.ID.String(),
			"confirmation_number", app.ConfirmationNumber,
		)
	}
	h.respond(w, r, "create", http.StatusCreated, app, err)
}

// HandleGet handles GET /applications/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	app, err := h.service.Get(r.Context(), actor, appID)
	h.respond(w, r, "get", http.StatusOK, app, err)
}

// HandleGetByConfirmation handles GET /applications/by-confirmation/{number}.
func (h *Handler) HandleGetByConfirmation(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := h.prepare(w, r, false)
	if !ok {
		return
	}
	app, err := h.service.GetByConfirmation(r.Context(), actor, chi.URLParam(r, "number"))
	h.respond(w, r, "get_by_confirmation", http.StatusOK, app, err)
}

// HandleList handles GET /applications.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, _, ok := h.prepare(w, r, false)
	if !ok {
		return
	}
	filter, err := parseListFilter(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	apps, err := h.service.List(ctx, actor, filter)
	if err != nil {
		h.respond(w, r, "list", 0, nil, err)
		return
	}
	resp := ListResponse{Applications: make([]ApplicationResponse, 0, len(apps)), Count: len(apps)}
	for _, app := range apps {
		resp.Applications = append(resp.Applications, toResponse(app))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleStats handles GET /applications/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := h.prepare(w, r, false)
	if !ok {
		return
	}
	stats, err := h.service.Stats(r.Context(), actor)
	if err != nil {
		h.respond(w, r, "stats", 0, nil, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// HandleListTypes handles GET /application-types: the types an applicant may
// file, with their required attachments and fee.
func (h *Handler) HandleListTypes(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.prepare(w, r, false); !ok {
		return
	}
	if h.catalog == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "application types are not served by this instance"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTypesResponse(h.catalog))
}

// HandleDocument handles GET /applications/{id}/document and streams the
// approved form.
func (h *Handler) HandleDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	if h.documents == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "documents are not served by this instance"))
		return
	}
	app, err := h.service.Get(ctx, actor, appID)
	if err != nil {
		h.respond(w, r, "document", 0, nil, err)
		return
	}
	if app.ApprovedPDFRef == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "application has no approved document"))
		return
	}
	doc, err := h.documents.Open(ctx, app.ApprovedPDFRef)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			err = dErrors.New(dErrors.CodeNotFound, "approved document not found")
		} else {
			err = dErrors.Wrap(err, dErrors.CodeInternal, "failed to open approved document")
		}
		h.respond(w, r, "document", 0, nil, err)
		return
	}
	defer doc.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", app.ApprovedPDFRef))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, doc); err != nil {
		h.logger.WarnContext(ctx, "document download interrupted",
			"request_id", requestcontext.RequestID(ctx),
			"application_id", appID.String(),
			"error", err,
		)
	}
}

// HandleAttach handles POST /applications/{id}/attachments with a blob
// reference that was uploaded earlier.
func (h *Handler) HandleAttach(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[AttachRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	app, err := h.service.Attach(ctx, actor, appID, req.slot, models.BlobRef(req.BlobRef))
	h.respond(w, r, "attach", http.StatusOK, app, err)
}

// HandleUploadAttachment handles PUT /applications/{id}/attachments/{slot}
// with the document as the raw body.
func (h *Handler) HandleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	slot, err := models.ParseSlot(chi.URLParam(r, "slot"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	body := http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	app, err := h.service.UploadAttachment(r.Context(), actor, appID, slot, body)
	h.respond(w, r, "upload_attachment", http.StatusOK, app, uploadError(err))
}

// HandleInitiatePayment handles POST /applications/{id}/payment.
func (h *Handler) HandleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[InitiatePaymentRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	app, err := h.service.InitiatePayment(ctx, actor, appID, models.PaymentMethod(req.Method))
	h.respond(w, r, "initiate_payment", http.StatusOK, app, err)
}

// HandleSubmitProof handles POST /applications/{id}/payment/proof.
func (h *Handler) HandleSubmitProof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[SubmitProofRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	app, err := h.service.SubmitProof(ctx, actor, appID, models.BlobRef(req.ProofRef), req.Reference)
	h.respond(w, r, "submit_payment_proof", http.StatusOK, app, err)
}

// HandleUploadProof handles PUT /applications/{id}/payment/proof with the
// receipt as the raw body and the bank reference in ?reference=.
func (h *Handler) HandleUploadProof(w http.ResponseWriter, r *http.Request) {
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	body := http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	app, err := h.service.UploadPaymentProof(r.Context(), actor, appID, body, r.URL.Query().Get("reference"))
	h.respond(w, r, "upload_payment_proof", http.StatusOK, app, uploadError(err))
}

// HandleVerifyPayment handles POST /applications/{id}/payment/verify.
func (h *Handler) HandleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	app, err := h.service.VerifyPayment(r.Context(), actor, appID)
	h.respond(w, r, "verify_payment", http.StatusOK, app, err)
}

// HandleRejectPayment handles POST /applications/{id}/payment/reject.
func (h *Handler) HandleRejectPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ReasonRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	app, err := h.service.RejectPayment(ctx, actor, appID, req.Reason)
	h.respond(w, r, "reject_payment", http.StatusOK, app, err)
}

// HandleProviderCallback handles POST /payments/callback.
func (h *Handler) HandleProviderCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[ProviderCallbackRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	app, err := h.service.ProviderCallback(ctx, req.applicationID, req.ProviderReference, models.ProviderOutcome(req.Outcome))
	h.respond(w, r, "provider_callback", http.StatusOK, app, err)
}

// HandleMarkInProgress handles POST /applications/{id}/in-progress.
func (h *Handler) HandleMarkInProgress(w http.ResponseWriter, r *http.Request) {
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	app, err := h.service.MarkInProgress(r.Context(), actor, appID)
	h.respond(w, r, "mark_in_progress", http.StatusOK, app, err)
}

// HandleApprove handles POST /applications/{id}/approve.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	app, err := h.service.Approve(ctx, actor, appID)
	if err == nil {
		h.logger.InfoContext(ctx, "application approved",
			"request_id", requestcontext.RequestID(ctx),
			"application_id", app.ID.String(),
			"confirmation_number", app.ConfirmationNumber,
		)
	}
	h.respond(w, r, "approve", http.StatusOK, app, err)
}

// HandleReject handles POST /applications/{id}/reject.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ReasonRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	app, err := h.service.Reject(ctx, actor, appID, req.Reason)
	h.respond(w, r, "reject", http.StatusOK, app, err)
}

// HandleMarkCollected handles POST /applications/{id}/collected.
func (h *Handler) HandleMarkCollected(w http.ResponseWriter, r *http.Request) {
	actor, appID, ok := h.prepare(w, r, true)
	if !ok {
		return
	}
	app, err := h.service.MarkCollected(r.Context(), actor, appID)
	h.respond(w, r, "mark_collected", http.StatusOK, app, err)
}

// uploadError reports a body cut off by MaxBytesReader as a validation
// failure instead of a storage fault.
func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
	}
	return err
}
