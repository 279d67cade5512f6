package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"dossier/internal/notification/handler/mocks"
	"dossier/internal/notification/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	service *mocks.MockService
	router  chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.service = mocks.NewMockService(s.ctrl)
	s.router = chi.NewRouter()
	New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)
}

func (s *HandlerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func failedNotification() *models.Notification {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.Notification{
		ID:                 id.NewNotificationID(),
		Kind:               models.KindApplicationApproved,
		ApplicationID:      id.NewApplicationID(),
		ConfirmationNumber: "SS-IMM-72359200-001",
		Recipient:          "citizen@example.org",
		ArtifactRef:        "documents/a.pdf",
		Status:             models.StatusFailed,
		Attempts:           8,
		LastError:          "broker unavailable",
		NextAttemptAt:      now,
		CreatedAt:          now,
	}
}

func (s *HandlerSuite) TestListFailed() {
	n := failedNotification()
	s.service.EXPECT().ListFailed(gomock.Any(), 25).Return([]*models.Notification{n}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/admin/notifications/failed?limit=25"))

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[ListFailedResponse](s.T(), rr)
	s.Equal(1, resp.Count)
	s.Equal(n.ID.String(), resp.Notifications[0].ID)
	s.Equal("broker unavailable", resp.Notifications[0].LastError)
}

func (s *HandlerSuite) TestRetry() {
	s.Run("re-drives by id", func() {
		n := failedNotification()
		sent := *n
		sent.Status = models.StatusSent
		s.service.EXPECT().Retry(gomock.Any(), adminActor, n.ID).Return(&sent, nil)

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/admin/notifications/"+n.ID.String()+"/retry"))

		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "status", "sent")
	})

	s.Run("malformed id", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/admin/notifications/not-a-uuid/retry"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeInvalidInput))
	})

	s.Run("not failed", func() {
		s.service.EXPECT().Retry(gomock.Any(), adminActor, gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeInvalidState, "notification is pending"))

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/admin/notifications/"+id.NewNotificationID().String()+"/retry"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, string(dErrors.CodeInvalidState))
	})
}

func (s *HandlerSuite) TestRetryAll() {
	s.service.EXPECT().RetryAllFailed(gomock.Any(), adminActor).Return(3, nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/admin/notifications/retry-failed"))

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[RetryAllResponse](s.T(), rr)
	s.Equal(3, resp.Requeued)
}
