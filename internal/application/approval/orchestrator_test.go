package approval

//go:generate mockgen -source=orchestrator.go -destination=mocks/mocks.go -package=mocks Renderer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"dossier/internal/application/approval/mocks"
	"dossier/internal/application/confirmation"
	"dossier/internal/application/models"
	"dossier/internal/application/service"
	servicemocks "dossier/internal/application/service/mocks"
	"dossier/internal/application/store"
	notification "dossier/internal/notification/models"
	notificationstore "dossier/internal/notification/store"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/audit"
	"dossier/pkg/platform/audit/publishers/compliance"
	auditmemory "dossier/pkg/platform/audit/store/memory"
	"dossier/pkg/requestcontext"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type OrchestratorSuite struct {
	suite.Suite
	ctrl         *gomock.Controller
	renderer     *mocks.MockRenderer
	dispatcher   *servicemocks.MockDispatcher
	apps         *store.InMemoryStore
	outbox       *notificationstore.InMemoryStore
	auditStore   *auditmemory.InMemoryStore
	tx           *service.ShardedTx
	catalog      *models.Catalog
	orchestrator *Orchestrator
	lifecycle    *service.Service
	ctx          context.Context
	officer      models.Actor
	applicant    models.Actor
	sequence     atomic.Int32
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.renderer = mocks.NewMockRenderer(s.ctrl)
	s.dispatcher = servicemocks.NewMockDispatcher(s.ctrl)
	s.apps = store.NewInMemory()
	s.outbox = notificationstore.NewInMemory()
	s.auditStore = auditmemory.NewInMemoryStore()
	s.tx = service.NewShardedTx(0)
	s.catalog = models.DefaultCatalog()
	s.ctx = requestcontext.WithTime(context.Background(), testNow)
	s.officer = models.Actor{UserID: id.UserID(uuid.New()), Role: models.RoleOfficer}
	s.applicant = models.Actor{UserID: id.UserID(uuid.New()), Role: models.RoleApplicant}

	s.orchestrator = s.newOrchestrator()

	var err error
	s.lifecycle, err = service.New(s.apps, s.tx, confirmation.New(), s.catalog,
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		service.WithApprover(s.orchestrator),
	)
	s.Require().NoError(err)
}

func (s *OrchestratorSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *OrchestratorSuite) newOrchestrator(opts ...Option) *Orchestrator {
	base := []Option{
		WithOutbox(s.outbox, s.dispatcher),
		WithAuditPublisher(compliance.New(s.auditStore)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	o, err := New(s.apps, s.tx, s.renderer, s.catalog, append(base, opts...)...)
	s.Require().NoError(err)
	return o
}

// seed stores a passport-first application with every required slot filled
// and the given payment status.
func (s *OrchestratorSuite) seed(payment models.PaymentStatus) *models.Application {
	app, err := models.NewApplication(id.NewApplicationID(), s.applicant.UserID, models.TypePassportFirst,
		models.ApplicantDetails{FirstName: "Ladu", LastName: "Wani", Email: "ladu.wani@example.org"}, nil, testNow)
	s.Require().NoError(err)
	n := int(s.sequence.Add(1))
	s.Require().NoError(app.AssignConfirmationNumber(confirmation.Format(confirmation.DefaultPrefix, testNow, n)))
	for _, slot := range s.catalog.RequiredSlots(app.Type) {
		app.ApplyAttachment(slot, models.BlobRef(fmt.Sprintf("sha256:%s-%d", slot, n)), testNow)
	}
	if payment == models.PaymentCompleted {
		app.Payment.ApplyVerification("supervisor-1", testNow)
	}
	s.Require().NoError(s.apps.Create(s.ctx, app))
	return app
}

func (s *OrchestratorSuite) find(applicationID id.ApplicationID) *models.Application {
	app, err := s.apps.FindByID(context.Background(), applicationID)
	s.Require().NoError(err)
	return app
}

func (s *OrchestratorSuite) requireCode(err error, code dErrors.Code) {
	s.T().Helper()
	s.Require().Error(err)
	s.Equal(code, dErrors.CodeOf(err), "error: %v", err)
}

func (s *OrchestratorSuite) approvalRows(applicationID id.ApplicationID) []*notification.Notification {
	rows, err := s.outbox.ListByApplication(context.Background(), applicationID)
	s.Require().NoError(err)
	var approved []*notification.Notification
	for _, n := range rows {
		if n.Kind == notification.KindApplicationApproved {
			approved = append(approved, n)
		}
	}
	return approved
}

func (s *OrchestratorSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil, s.tx, s.renderer, s.catalog)
		s.ErrorContains(err, "application store is required")
	})
	s.Run("nil tx returns error", func() {
		_, err := New(s.apps, nil, s.renderer, s.catalog)
		s.ErrorContains(err, "transaction runner is required")
	})
	s.Run("nil renderer returns error", func() {
		_, err := New(s.apps, s.tx, nil, s.catalog)
		s.ErrorContains(err, "document renderer is required")
	})
	s.Run("nil catalog returns error", func() {
		_, err := New(s.apps, s.tx, s.renderer, nil)
		s.ErrorContains(err, "application catalog is required")
	})
}

func (s *OrchestratorSuite) TestApprove() {
	s.Run("unpaid application is refused without rendering", func() {
		app := s.seed(models.PaymentPending)

		_, err := s.orchestrator.Execute(s.ctx, s.officer, app.ID)
		s.requireCode(err, dErrors.CodePaymentNotVerified)
		s.Equal(app, s.find(app.ID))
		s.Empty(s.approvalRows(app.ID))
	})

	s.Run("paid application is approved with its document and notification", func() {
		app := s.seed(models.PaymentCompleted)
		artifact := "documents/" + app.ConfirmationNumber + ".pdf"

		s.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, snapshot *models.Application) (string, error) {
				s.Equal(app.ID, snapshot.ID)
				return artifact, nil
			})
		s.dispatcher.EXPECT().DispatchNow(gomock.Any(), gomock.Any()).Return(nil)

		approved, err := s.orchestrator.Execute(s.ctx, s.officer, app.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, approved.Status)
		s.Equal(artifact, approved.ApprovedPDFRef)
		s.Equal(s.officer.Ref(), approved.ReviewedBy)
		s.Equal(testNow, *approved.ReviewedAt)
		s.Equal(app.Version+1, approved.Version)
		s.Equal("supervisor-1", approved.Payment.VerifiedBy)

		rows := s.approvalRows(app.ID)
		s.Require().Len(rows, 1)
		s.Equal(artifact, rows[0].ArtifactRef)
		s.Equal("ladu.wani@example.org", rows[0].Recipient)

		events, err := s.auditStore.ListBySubject(context.Background(), app.ConfirmationNumber)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(string(audit.EventApplicationApproved), events[0].Action)
		s.Equal(s.officer.Ref(), events[0].ActorID)
	})

	s.Run("retried approve is an invalid transition with no side effects", func() {
		app := s.seed(models.PaymentCompleted)
		s.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return("documents/once.pdf", nil)
		s.dispatcher.EXPECT().DispatchNow(gomock.Any(), gomock.Any()).Return(nil)

		_, err := s.orchestrator.Execute(s.ctx, s.officer, app.ID)
		s.Require().NoError(err)
		before := s.find(app.ID)

		_, err = s.orchestrator.Execute(s.ctx, s.officer, app.ID)
		s.requireCode(err, dErrors.CodeInvalidTransition)
		s.Equal(before, s.find(app.ID))
		s.Len(s.approvalRows(app.ID), 1)
	})

	s.Run("applicants cannot approve", func() {
		app := s.seed(models.PaymentCompleted)
		_, err := s.orchestrator.Execute(s.ctx, s.applicant, app.ID)
		s.requireCode(err, dErrors.CodeForbidden)
	})

	s.Run("missing attachments are reported after payment", func() {
		app := s.seed(models.PaymentCompleted)
		_, err := s.apps.Execute(s.ctx, app.ID, func(*models.Application) error { return nil }, func(a *models.Application) {
			delete(a.Attachments, models.SlotSignature)
		})
		s.Require().NoError(err)

		_, err = s.orchestrator.Execute(s.ctx, s.officer, app.ID)
		s.requireCode(err, dErrors.CodeMissingAttachments)
	})

	s.Run("unknown application is not found", func() {
		_, err := s.orchestrator.Execute(s.ctx, s.officer, id.NewApplicationID())
		s.requireCode(err, dErrors.CodeNotFound)
	})
}

func (s *OrchestratorSuite) TestRenderFailures() {
	s.Run("render error commits nothing", func() {
		app := s.seed(models.PaymentCompleted)
		s.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return("", errors.New("font missing"))

		_, err := s.orchestrator.Execute(s.ctx, s.officer, app.ID)
		s.requireCode(err, dErrors.CodeExternalService)
		s.Equal(app, s.find(app.ID))
		s.Empty(s.approvalRows(app.ID))
	})

	s.Run("render timeout commits nothing", func() {
		o := s.newOrchestrator(WithRenderTimeout(20 * time.Millisecond))
		app := s.seed(models.PaymentCompleted)
		s.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, _ *models.Application) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			})

		_, err := o.Execute(s.ctx, s.officer, app.ID)
		s.requireCode(err, dErrors.CodeExternalService)
		s.Contains(err.Error(), "timed out")
		s.Equal(models.StatusPending, s.find(app.ID).Status)
	})

	s.Run("empty artifact reference is a render failure", func() {
		app := s.seed(models.PaymentCompleted)
		s.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return("", nil)

		_, err := s.orchestrator.Execute(s.ctx, s.officer, app.ID)
		s.requireCode(err, dErrors.CodeExternalService)
	})
}

func (s *OrchestratorSuite) TestCommitFailuresDiscardTheArtifact() {
	s.Run("rejection during render wins", func() {
		app := s.seed(models.PaymentCompleted)
		s.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, *models.Application) (string, error) {
				_, err := s.lifecycle.Reject(s.ctx, s.officer, app.ID, "forged birth certificate")
				s.Require().NoError(err)
				return "documents/loser.pdf", nil
			})
		s.renderer.EXPECT().Discard(gomock.Any(), "documents/loser.pdf").Return(nil)

		_, err := s.orchestrator.Execute(s.ctx, s.officer, app.ID)
		s.requireCode(err, dErrors.CodeInvalidTransition)

		stored := s.find(app.ID)
		s.Equal(models.StatusRejected, stored.Status)
		s.Empty(stored.ApprovedPDFRef)
		s.Empty(s.approvalRows(app.ID))
	})

	s.Run("row changed during render reports a conflict", func() {
		app := s.seed(models.PaymentCompleted)
		s.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, *models.Application) (string, error) {
				_, err := s.apps.Execute(s.ctx, app.ID, func(*models.Application) error { return nil }, func(a *models.Application) {
					a.ApplyAttachment(models.SlotPhoto, "sha256:newer-photo", testNow)
				})
				s.Require().NoError(err)
				return "documents/stale.pdf", nil
			})
		s.renderer.EXPECT().Discard(gomock.Any(), "documents/stale.pdf").Return(nil)

		_, err := s.orchestrator.Execute(s.ctx, s.officer, app.ID)
		s.requireCode(err, dErrors.CodeConflict)
		s.Equal(models.StatusPending, s.find(app.ID).Status)
	})

	s.Run("audit failure fails the approval and discards", func() {
		publisher := servicemocks.NewMockAuditPublisher(s.ctrl)
		publisher.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(errors.New("audit store down"))
		o := s.newOrchestrator(WithAuditPublisher(publisher), WithOutbox(nil, nil))

		app := s.seed(models.PaymentCompleted)
		s.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return("documents/unaudited.pdf", nil)
		s.renderer.EXPECT().Discard(gomock.Any(), "documents/unaudited.pdf").Return(errors.New("already gone"))

		_, err := o.Execute(s.ctx, s.officer, app.ID)
		s.requireCode(err, dErrors.CodeInternal)
	})
}

func (s *OrchestratorSuite) TestDispatchFailureDoesNotFailApproval() {
	app := s.seed(models.PaymentCompleted)
	s.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return("documents/ok.pdf", nil)
	s.dispatcher.EXPECT().DispatchNow(gomock.Any(), gomock.Any()).Return(errors.New("broker unavailable"))

	approved, err := s.orchestrator.Execute(s.ctx, s.officer, app.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, approved.Status)

	rows := s.approvalRows(app.ID)
	s.Require().Len(rows, 1)
	s.Equal(notification.StatusPending, rows[0].Status)
}

func (s *OrchestratorSuite) TestApproveViaServiceDelegates() {
	app := s.seed(models.PaymentCompleted)
	s.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return("documents/delegated.pdf", nil)
	s.dispatcher.EXPECT().DispatchNow(gomock.Any(), gomock.Any()).Return(nil)

	approved, err := s.lifecycle.Approve(s.ctx, s.officer, app.ID)
	s.Require().NoError(err)
	s.Equal("documents/delegated.pdf", approved.ApprovedPDFRef)
}

func (s *OrchestratorSuite) TestApproveRejectRaceHasOneWinner() {
	app := s.seed(models.PaymentCompleted)

	var rendered atomic.Int32
	s.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, *models.Application) (string, error) {
			return fmt.Sprintf("documents/race-%d.pdf", rendered.Add(1)), nil
		}).AnyTimes()
	s.renderer.EXPECT().Discard(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.dispatcher.EXPECT().DispatchNow(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := s.orchestrator.Execute(s.ctx, s.officer, app.ID); err == nil {
				successes.Add(1)
			}
		}()
		go func(i int) {
			defer wg.Done()
			if _, err := s.lifecycle.Reject(s.ctx, s.officer, app.ID, fmt.Sprintf("reason %d", i)); err == nil {
				successes.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), successes.Load())
	stored := s.find(app.ID)
	s.Equal(app.Version+1, stored.Version)
	switch stored.Status {
	case models.StatusApproved:
		s.NotEmpty(stored.ApprovedPDFRef)
		s.Empty(stored.RejectionReason)
		s.Len(s.approvalRows(app.ID), 1)
	case models.StatusRejected:
		s.Empty(stored.ApprovedPDFRef)
		s.NotEmpty(stored.RejectionReason)
		s.Empty(s.approvalRows(app.ID))
	default:
		s.Failf("torn state", "unexpected status %s", stored.Status)
	}
}
