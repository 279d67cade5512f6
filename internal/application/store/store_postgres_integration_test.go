//go:build integration

package store_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"dossier/internal/application/confirmation"
	"dossier/internal/application/models"
	"dossier/internal/application/service"
	"dossier/internal/application/store"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/sentinel"
	txcontext "dossier/pkg/platform/tx"
	"dossier/pkg/requestcontext"
	"dossier/pkg/testutil/containers"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "payment_callbacks", "applications"))
}

func (s *PostgresStoreSuite) newApplication(number string) *models.Application {
	app, err := models.NewApplication(
		id.NewApplicationID(),
		id.UserID(uuid.New()),
		models.TypePassportFirst,
		models.ApplicantDetails{FirstName: "Deng", LastName: "Majok", Email: "deng@example.org", DateOfBirth: "1988-05-04"},
		map[string]string{"height_cm": "180"},
		testNow,
	)
	s.Require().NoError(err)
	s.Require().NoError(app.AssignConfirmationNumber(number))
	return app
}

// runInTx mirrors the production adapter: stores join the transaction via ctx.
func (s *PostgresStoreSuite) runInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.postgres.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// suiteTx adapts runInTx to service.Tx. Like the server adapter it ignores
// the key, so ordering comes only from row locks.
type suiteTx struct {
	suite *PostgresStoreSuite
}

func (t suiteTx) RunInTx(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return t.suite.runInTx(ctx, fn)
}

func (s *PostgresStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	app := s.newApplication("SS-IMM-10000000-001")
	app.Attachments[models.SlotPhoto] = "sha256:photo"
	s.Require().NoError(s.store.Create(ctx, app))

	found, err := s.store.FindByID(ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(app.ConfirmationNumber, found.ConfirmationNumber)
	s.Equal(app.Applicant, found.Applicant)
	s.Equal(app.Extensions, found.Extensions)
	s.Equal(models.BlobRef("sha256:photo"), found.Attachments[models.SlotPhoto])
	s.Equal(models.PaymentPending, found.Payment.Status)
	s.Equal(int64(1), found.Version)

	byNumber, err := s.store.FindByConfirmation(ctx, "SS-IMM-10000000-001")
	s.Require().NoError(err)
	s.Equal(app.ID, byNumber.ID)
}

func (s *PostgresStoreSuite) TestConfirmationUniqueness() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.newApplication("SS-IMM-10000000-002")))

	err := s.store.Create(ctx, s.newApplication("SS-IMM-10000000-002"))
	s.ErrorIs(err, sentinel.ErrConflict)

	stats, err := s.store.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Total)
}

func (s *PostgresStoreSuite) TestListFilters() {
	ctx := context.Background()
	for i := range 3 {
		app := s.newApplication(fmt.Sprintf("SS-IMM-10000001-%03d", i))
		app.CreatedAt = testNow.Add(time.Duration(i) * time.Minute)
		if i == 2 {
			app.Type = models.TypeVisa
		}
		s.Require().NoError(s.store.Create(ctx, app))
	}

	apps, err := s.store.List(ctx, models.ListFilter{Type: models.TypePassportFirst, Limit: 10})
	s.Require().NoError(err)
	s.Require().Len(apps, 2)
	s.Equal("SS-IMM-10000001-001", apps[0].ConfirmationNumber)

	apps, err = s.store.List(ctx, models.ListFilter{Status: models.StatusApproved, Limit: 10})
	s.Require().NoError(err)
	s.Empty(apps)
}

func (s *PostgresStoreSuite) TestExecuteDuplicateProofConflicts() {
	ctx := context.Background()
	first := s.newApplication("SS-IMM-10000002-001")
	second := s.newApplication("SS-IMM-10000002-002")
	s.Require().NoError(s.store.Create(ctx, first))
	s.Require().NoError(s.store.Create(ctx, second))
	pass := func(*models.Application) error { return nil }
	attach := func(a *models.Application) { a.ApplyPaymentProof("sha256:receipt", "TXN", testNow) }

	err := s.runInTx(ctx, func(ctx context.Context) error {
		_, err := s.store.Execute(ctx, first.ID, pass, attach)
		return err
	})
	s.Require().NoError(err)

	err = s.runInTx(ctx, func(ctx context.Context) error {
		_, err := s.store.Execute(ctx, second.ID, pass, attach)
		return err
	})
	s.ErrorIs(err, sentinel.ErrConflict)
}

// TestApproveRejectRace drives concurrent approve and reject transactions at
// one application and checks exactly one decision commits.
func (s *PostgresStoreSuite) TestApproveRejectRace() {
	ctx := context.Background()
	app := s.newApplication("SS-IMM-10000003-001")
	app.ApplyPaymentProof("sha256:race", "TXN", testNow)
	app.ApplyPaymentVerification("supervisor-1", testNow)
	s.Require().NoError(s.store.Create(ctx, app))

	const workers = 10
	var (
		wg        sync.WaitGroup
		committed atomic.Int32
	)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.runInTx(ctx, func(ctx context.Context) error {
				if i%2 == 0 {
					_, err := s.store.Execute(ctx, app.ID,
						func(a *models.Application) error { return a.CanApprove() },
						func(a *models.Application) { a.ApplyApproval("officer-a", "doc-"+fmt.Sprint(i), testNow) },
					)
					return err
				}
				_, err := s.store.Execute(ctx, app.ID,
					func(a *models.Application) error { return a.CanReject() },
					func(a *models.Application) { a.ApplyRejection("officer-r", "illegible", testNow) },
				)
				return err
			})
			if err == nil {
				committed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), committed.Load())
	final, err := s.store.FindByID(ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), final.Version)
	s.True(final.Status == models.StatusApproved || final.Status == models.StatusRejected)
	if final.Status == models.StatusApproved {
		s.NotEmpty(final.ApprovedPDFRef)
		s.Empty(final.RejectionReason)
	} else {
		s.Empty(final.ApprovedPDFRef)
	}
}

func (s *PostgresStoreSuite) TestCallbackLedger() {
	ctx := context.Background()
	app := s.newApplication("SS-IMM-10000004-001")
	s.Require().NoError(s.store.Create(ctx, app))

	s.Require().NoError(s.store.RecordCallback(ctx, "prov-9", app.ID, models.ProviderOutcomeSuccess, testNow))
	err := s.store.RecordCallback(ctx, "prov-9", app.ID, models.ProviderOutcomeSuccess, testNow)
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)

	processed, err := s.store.CallbackProcessed(ctx, "prov-9")
	s.Require().NoError(err)
	s.True(processed)
}

func (s *PostgresStoreSuite) TestConcurrentDuplicateCallbacks() {
	ctx := requestcontext.WithTime(context.Background(), testNow)
	app := s.newApplication("SS-IMM-10000005-001")
	s.Require().NoError(s.store.Create(ctx, app))

	svc, err := service.New(s.store, suiteTx{suite: s}, confirmation.New(), models.DefaultCatalog())
	s.Require().NoError(err)

	const deliveries = 8
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, deliveries)
		got   = make([]*models.Application, deliveries)
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i], errs[i] = svc.ProviderCallback(ctx, app.ID, "prov-dup", models.ProviderOutcomeSuccess)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < deliveries; i++ {
		s.Require().NoError(errs[i], "delivery %d", i)
		s.Equal(models.PaymentCompleted, got[i].Payment.Status)
	}

	stored, err := s.store.FindByID(ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(app.Version+1, stored.Version)

	var rows int
	s.Require().NoError(s.postgres.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_callbacks WHERE provider_reference = $1`, "prov-dup").Scan(&rows))
	s.Equal(1, rows)
}
