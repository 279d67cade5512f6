package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service,DocumentStore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"dossier/internal/application/handler/mocks"
	"dossier/internal/application/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/sentinel"
	"dossier/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	service   *mocks.MockService
	documents *mocks.MockDocumentStore
	router    chi.Router

	applicantID string
	officerID   string
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.service = mocks.NewMockService(s.ctrl)
	s.documents = mocks.NewMockDocumentStore(s.ctrl)
	s.router = chi.NewRouter()
	h := New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithDocuments(s.documents),
		WithCatalog(models.DefaultCatalog()),
		WithMaxUploadBytes(16),
	)
	h.Register(s.router)
	h.RegisterCallback(s.router)
	s.applicantID = uuid.NewString()
	s.officerID = uuid.NewString()
}

func (s *HandlerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *HandlerSuite) asApplicant(req *http.Request) *http.Request {
	return testutil.WithPrincipal(req, s.applicantID, string(models.RoleApplicant))
}

func (s *HandlerSuite) asOfficer(req *http.Request) *http.Request {
	return testutil.WithPrincipal(req, s.officerID, string(models.RoleOfficer))
}

func (s *HandlerSuite) application() *models.Application {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	applicant, err := id.ParseUserID(s.applicantID)
	s.Require().NoError(err)
	return &models.Application{
		ID:                 id.NewApplicationID(),
		ConfirmationNumber: "SS-IMM-72359200-001",
		ApplicantID:        applicant,
		Type:               models.TypePassportFirst,
		Applicant: models.ApplicantDetails{
			FirstName: "Deng",
			LastName:  "Garang",
			Email:     "deng@example.org",
			Phone:     "+211 920 000 001",
		},
		Status:      models.StatusPending,
		Payment:     models.Payment{Status: models.PaymentPending},
		Attachments: map[models.Slot]models.BlobRef{models.SlotPhoto: "sha256:ab"},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *HandlerSuite) TestAuthentication() {
	s.Run("missing principal is unauthorized", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/applications"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, string(dErrors.CodeUnauthorized))
	})

	s.Run("unknown role is forbidden", func() {
		req := testutil.WithPrincipal(testutil.NewRequest(s.T(), http.MethodGet, "/applications"), s.applicantID, "visitor")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, string(dErrors.CodeForbidden))
	})

	s.Run("malformed id is rejected before the service", func() {
		rr := testutil.DoRequest(s.router, s.asApplicant(testutil.NewRequest(s.T(), http.MethodGet, "/applications/not-a-uuid")))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeInvalidInput))
	})
}

func (s *HandlerSuite) TestCreate() {
	s.Run("returns 201 with the confirmation number", func() {
		app := s.application()
		s.service.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, actor models.Actor, req *models.CreateApplicationRequest) (*models.Application, error) {
				s.Equal(models.RoleApplicant, actor.Role)
				s.Equal(s.applicantID, actor.UserID.String())
				s.Equal(models.TypePassportFirst, req.Type)
				s.Equal("Deng", req.Applicant.FirstName)
				return app, nil
			})

		req := s.asApplicant(testutil.NewJSONRequest(s.T(), http.MethodPost, "/applications", map[string]any{
			"type": "passport-first",
			"applicant": map[string]any{
				"first_name": "Deng", "last_name": "Garang", "date_of_birth": "1990-01-01",
				"email": "deng@example.org", "phone": "+211 920 000 001",
			},
		}))
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
		resp := testutil.UnmarshalResponse[ApplicationResponse](s.T(), rr)
		s.Equal(app.ConfirmationNumber, resp.ConfirmationNumber)
		s.Equal("pending", resp.Status)
		s.Equal("pending", resp.Payment.Status)
		s.Equal("sha256:ab", resp.Attachments["photo"])
		s.False(resp.HasDocument)
	})

	s.Run("unknown fields are a bad request", func() {
		req := s.asApplicant(testutil.NewRequestWithBody(s.T(), http.MethodPost, "/applications", `{"type":"visa","status":"approved"}`))
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})

	s.Run("exhausted confirmation numbers surface as unavailable", func() {
		s.service.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeConfirmationExhausted, "no confirmation number available"))
		req := s.asApplicant(testutil.NewJSONRequest(s.T(), http.MethodPost, "/applications", map[string]any{"type": "visa"}))
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusServiceUnavailable, string(dErrors.CodeConfirmationExhausted))
	})
}

func (s *HandlerSuite) TestList() {
	s.Run("passes filters through", func() {
		app := s.application()
		s.service.EXPECT().List(gomock.Any(), gomock.Any(), models.ListFilter{
			Status:        models.StatusPending,
			PaymentStatus: models.PaymentCompleted,
			Type:          models.TypeVisa,
			Limit:         10,
			Offset:        20,
		}).Return([]*models.Application{app}, nil)

		req := s.asOfficer(testutil.NewRequest(s.T(), http.MethodGet,
			"/applications?status=pending&payment_status=completed&type=visa&limit=10&offset=20"))
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[ListResponse](s.T(), rr)
		s.Equal(1, resp.Count)
		s.Equal(app.ID.String(), resp.Applications[0].ID)
	})

	s.Run("non-numeric paging is a validation error", func() {
		rr := testutil.DoRequest(s.router, s.asOfficer(testutil.NewRequest(s.T(), http.MethodGet, "/applications?limit=ten")))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})
}

func (s *HandlerSuite) TestListTypes() {
	s.Run("lists catalog types in order with slots and fee", func() {
		rr := testutil.DoRequest(s.router, s.asApplicant(testutil.NewRequest(s.T(), http.MethodGet, "/application-types")))

		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[TypesResponse](s.T(), rr)
		s.Equal("SSP", resp.Currency)
		s.Require().Len(resp.Types, len(models.DefaultCatalog().Types()))
		for i := 1; i < len(resp.Types); i++ {
			s.Less(resp.Types[i-1].Type, resp.Types[i].Type)
		}

		var visa *TypeResponse
		for i := range resp.Types {
			if resp.Types[i].Type == string(models.TypeVisa) {
				visa = &resp.Types[i]
			}
		}
		s.Require().NotNil(visa)
		s.Equal("Visa", visa.Label)
		s.Equal([]string{"photo", "idCopy"}, visa.RequiredSlots)
		s.Equal("500.00", visa.Fee)
	})

	s.Run("requires authentication", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/application-types"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, string(dErrors.CodeUnauthorized))
	})
}

func (s *HandlerSuite) TestReads() {
	s.Run("by confirmation number", func() {
		app := s.application()
		s.service.EXPECT().GetByConfirmation(gomock.Any(), gomock.Any(), "ss-imm-72359200-001").Return(app, nil)
		rr := testutil.DoRequest(s.router, s.asApplicant(testutil.NewRequest(s.T(), http.MethodGet,
			"/applications/by-confirmation/ss-imm-72359200-001")))
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "confirmation_number", app.ConfirmationNumber)
	})

	s.Run("stats route is not taken for an id", func() {
		stats := models.NewStats()
		stats.Add(s.application())
		s.service.EXPECT().Stats(gomock.Any(), gomock.Any()).Return(stats, nil)
		rr := testutil.DoRequest(s.router, s.asOfficer(testutil.NewRequest(s.T(), http.MethodGet, "/applications/stats")))
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "total", float64(1))
	})

	s.Run("forbidden read", func() {
		app := s.application()
		s.service.EXPECT().Get(gomock.Any(), gomock.Any(), app.ID).
			Return(nil, dErrors.New(dErrors.CodeForbidden, "not your application"))
		rr := testutil.DoRequest(s.router, s.asApplicant(testutil.NewRequest(s.T(), http.MethodGet, "/applications/"+app.ID.String())))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, string(dErrors.CodeForbidden))
	})
}

func (s *HandlerSuite) TestAttachments() {
	s.Run("attach by reference", func() {
		app := s.application()
		s.service.EXPECT().Attach(gomock.Any(), gomock.Any(), app.ID, models.SlotIDCopy, models.BlobRef("sha256:cd")).Return(app, nil)
		req := s.asApplicant(testutil.NewJSONRequest(s.T(), http.MethodPost, "/applications/"+app.ID.String()+"/attachments",
			map[string]string{"slot": "idCopy", "blob_ref": "sha256:cd"}))
		testutil.AssertStatusOK(s.T(), testutil.DoRequest(s.router, req))
	})

	s.Run("unknown slot never reaches the service", func() {
		appID := id.NewApplicationID()
		req := s.asApplicant(testutil.NewJSONRequest(s.T(), http.MethodPost, "/applications/"+appID.String()+"/attachments",
			map[string]string{"slot": "tattoo", "blob_ref": "sha256:cd"}))
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})

	s.Run("raw upload streams the body", func() {
		app := s.application()
		s.service.EXPECT().UploadAttachment(gomock.Any(), gomock.Any(), app.ID, models.SlotPhoto, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ models.Actor, _ id.ApplicationID, _ models.Slot, content io.Reader) (*models.Application, error) {
				body, err := io.ReadAll(content)
				s.Require().NoError(err)
				s.Equal("jpeg-bytes", string(body))
				return app, nil
			})
		req := s.asApplicant(testutil.NewRequestWithBody(s.T(), http.MethodPut, "/applications/"+app.ID.String()+"/attachments/photo", "jpeg-bytes"))
		testutil.AssertStatusOK(s.T(), testutil.DoRequest(s.router, req))
	})

	s.Run("oversized upload is a validation error", func() {
		appID := id.NewApplicationID()
		s.service.EXPECT().UploadAttachment(gomock.Any(), gomock.Any(), appID, models.SlotPhoto, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ models.Actor, _ id.ApplicationID, _ models.Slot, content io.Reader) (*models.Application, error) {
				_, err := io.ReadAll(content)
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store upload")
			})
		req := s.asApplicant(testutil.NewRequestWithBody(s.T(), http.MethodPut, "/applications/"+appID.String()+"/attachments/photo",
			strings.Repeat("x", 64)))
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})
}

func (s *HandlerSuite) TestPayment() {
	s.Run("initiate lower-cases the method", func() {
		app := s.application()
		s.service.EXPECT().InitiatePayment(gomock.Any(), gomock.Any(), app.ID, models.PaymentMethodMobileMoney).Return(app, nil)
		req := s.asApplicant(testutil.NewJSONRequest(s.T(), http.MethodPost, "/applications/"+app.ID.String()+"/payment",
			map[string]string{"method": " MOMO "}))
		testutil.AssertStatusOK(s.T(), testutil.DoRequest(s.router, req))
	})

	s.Run("proof by reference", func() {
		app := s.application()
		s.service.EXPECT().SubmitProof(gomock.Any(), gomock.Any(), app.ID, models.BlobRef("sha256:ef"), "TX-1").Return(app, nil)
		req := s.asApplicant(testutil.NewJSONRequest(s.T(), http.MethodPost, "/applications/"+app.ID.String()+"/payment/proof",
			map[string]string{"proof_ref": "sha256:ef", "reference": " TX-1 "}))
		testutil.AssertStatusOK(s.T(), testutil.DoRequest(s.router, req))
	})

	s.Run("duplicate receipt conflicts", func() {
		app := s.application()
		s.service.EXPECT().UploadPaymentProof(gomock.Any(), gomock.Any(), app.ID, gomock.Any(), "TX-2").
			Return(nil, dErrors.New(dErrors.CodeConflict, "payment receipt already used by another application"))
		req := s.asApplicant(testutil.NewRequestWithBody(s.T(), http.MethodPut,
			"/applications/"+app.ID.String()+"/payment/proof?reference=TX-2", "receipt"))
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, string(dErrors.CodeConflict))
	})

	s.Run("verify and reject", func() {
		app := s.application()
		s.service.EXPECT().VerifyPayment(gomock.Any(), gomock.Any(), app.ID).Return(app, nil)
		s.service.EXPECT().RejectPayment(gomock.Any(), gomock.Any(), app.ID, "blurry receipt").Return(app, nil)

		verify := s.asOfficer(testutil.NewRequest(s.T(), http.MethodPost, "/applications/"+app.ID.String()+"/payment/verify"))
		testutil.AssertStatusOK(s.T(), testutil.DoRequest(s.router, verify))
		reject := s.asOfficer(testutil.NewJSONRequest(s.T(), http.MethodPost, "/applications/"+app.ID.String()+"/payment/reject",
			map[string]string{"reason": "blurry receipt"}))
		testutil.AssertStatusOK(s.T(), testutil.DoRequest(s.router, reject))
	})
}

func (s *HandlerSuite) TestProviderCallback() {
	s.Run("applies the outcome without a principal", func() {
		app := s.application()
		s.service.EXPECT().ProviderCallback(gomock.Any(), app.ID, "GW-991", models.ProviderOutcomeSuccess).Return(app, nil)
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/payments/callback", map[string]string{
			"application_id":     app.ID.String(),
			"provider_reference": "GW-991",
			"outcome":            "SUCCESS",
		})
		testutil.AssertStatusOK(s.T(), testutil.DoRequest(s.router, req))
	})

	s.Run("unknown outcome is rejected", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/payments/callback", map[string]string{
			"application_id":     id.NewApplicationID().String(),
			"provider_reference": "GW-992",
			"outcome":            "maybe",
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})
}

func (s *HandlerSuite) TestTransitions() {
	s.Run("approve maps guard failures to conflict", func() {
		appID := id.NewApplicationID()
		s.service.EXPECT().Approve(gomock.Any(), gomock.Any(), appID).
			Return(nil, dErrors.New(dErrors.CodePaymentNotVerified, "payment has not been verified"))
		rr := testutil.DoRequest(s.router, s.asOfficer(testutil.NewRequest(s.T(), http.MethodPost, "/applications/"+appID.String()+"/approve")))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, string(dErrors.CodePaymentNotVerified))
	})

	s.Run("render failure is a bad gateway", func() {
		appID := id.NewApplicationID()
		s.service.EXPECT().Approve(gomock.Any(), gomock.Any(), appID).
			Return(nil, dErrors.New(dErrors.CodeExternalService, "document rendering timed out"))
		rr := testutil.DoRequest(s.router, s.asOfficer(testutil.NewRequest(s.T(), http.MethodPost, "/applications/"+appID.String()+"/approve")))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadGateway, string(dErrors.CodeExternalService))
	})

	s.Run("reject forwards the reason", func() {
		app := s.application()
		app.Status = models.StatusRejected
		app.RejectionReason = "photo does not match"
		s.service.EXPECT().Reject(gomock.Any(), gomock.Any(), app.ID, "photo does not match").Return(app, nil)
		req := s.asOfficer(testutil.NewJSONRequest(s.T(), http.MethodPost, "/applications/"+app.ID.String()+"/reject",
			map[string]string{"reason": "photo does not match"}))
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "status", "rejected")
	})

	s.Run("in progress and collected", func() {
		app := s.application()
		s.service.EXPECT().MarkInProgress(gomock.Any(), gomock.Any(), app.ID).Return(app, nil)
		s.service.EXPECT().MarkCollected(gomock.Any(), gomock.Any(), app.ID).Return(app, nil)
		for _, path := range []string{"/in-progress", "/collected"} {
			rr := testutil.DoRequest(s.router, s.asOfficer(testutil.NewRequest(s.T(), http.MethodPost, "/applications/"+app.ID.String()+path)))
			testutil.AssertStatusOK(s.T(), rr)
		}
	})
}

func (s *HandlerSuite) TestDocument() {
	s.Run("streams the approved form", func() {
		app := s.application()
		app.Status = models.StatusApproved
		app.ApprovedPDFRef = "application-SS-IMM-72359200-001-1a2b3c4d.pdf"
		s.service.EXPECT().Get(gomock.Any(), gomock.Any(), app.ID).Return(app, nil)
		s.documents.EXPECT().Open(gomock.Any(), app.ApprovedPDFRef).Return(io.NopCloser(strings.NewReader("%PDF-1.3")), nil)

		rr := testutil.DoRequest(s.router, s.asApplicant(testutil.NewRequest(s.T(), http.MethodGet, "/applications/"+app.ID.String()+"/document")))
		testutil.AssertStatusOK(s.T(), rr)
		s.Equal("application/pdf", rr.Header().Get("Content-Type"))
		s.Equal("%PDF-1.3", rr.Body.String())
	})

	s.Run("no document before approval", func() {
		app := s.application()
		s.service.EXPECT().Get(gomock.Any(), gomock.Any(), app.ID).Return(app, nil)
		rr := testutil.DoRequest(s.router, s.asApplicant(testutil.NewRequest(s.T(), http.MethodGet, "/applications/"+app.ID.String()+"/document")))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, string(dErrors.CodeNotFound))
	})

	s.Run("missing file is not found and storage faults are internal", func() {
		app := s.application()
		app.ApprovedPDFRef = "application-x.pdf"
		s.service.EXPECT().Get(gomock.Any(), gomock.Any(), app.ID).Return(app, nil).Times(2)
		gomock.InOrder(
			s.documents.EXPECT().Open(gomock.Any(), app.ApprovedPDFRef).Return(nil, sentinel.ErrNotFound),
			s.documents.EXPECT().Open(gomock.Any(), app.ApprovedPDFRef).Return(nil, errors.New("disk failure")),
		)
		path := "/applications/" + app.ID.String() + "/document"
		rr := testutil.DoRequest(s.router, s.asApplicant(testutil.NewRequest(s.T(), http.MethodGet, path)))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, string(dErrors.CodeNotFound))
		rr = testutil.DoRequest(s.router, s.asApplicant(testutil.NewRequest(s.T(), http.MethodGet, path)))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusInternalServerError, string(dErrors.CodeInternal))
	})
}
