package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"dossier/internal/account/models"
	application "dossier/internal/application/models"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/sentinel"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
}

func (s *InMemoryStoreSuite) newAccount(email string) *models.Account {
	account, err := models.NewAccount(id.UserID(uuid.New()), email, "Achol", "Deng", "+211 900", application.RoleApplicant, "hash", testNow)
	s.Require().NoError(err)
	return account
}

func (s *InMemoryStoreSuite) TestCreate() {
	s.Run("stores a copy", func() {
		account := s.newAccount("achol@example.org")
		s.Require().NoError(s.store.Create(s.ctx, account))

		account.Active = false

		found, err := s.store.FindByEmail(s.ctx, "achol@example.org")
		s.Require().NoError(err)
		s.True(found.Active)
		s.Equal(account.ID, found.ID)
	})

	s.Run("duplicate email conflicts", func() {
		s.Require().NoError(s.store.Create(s.ctx, s.newAccount("twice@example.org")))

		second := s.newAccount("twice@example.org")
		s.ErrorIs(s.store.Create(s.ctx, second), sentinel.ErrConflict)

		_, err := s.store.FindByID(s.ctx, second.ID)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestUpdate() {
	account := s.newAccount("update@example.org")
	s.Require().NoError(s.store.Create(s.ctx, account))

	s.Run("keeps email and created_at", func() {
		changed := *account
		changed.Email = "other@example.org"
		changed.CreatedAt = testNow.Add(time.Hour)
		changed.Deactivate(testNow.Add(time.Minute))
		s.Require().NoError(s.store.Update(s.ctx, &changed))

		found, err := s.store.FindByID(s.ctx, account.ID)
		s.Require().NoError(err)
		s.False(found.Active)
		s.Equal("update@example.org", found.Email)
		s.Equal(testNow, found.CreatedAt)
		s.Equal(testNow.Add(time.Minute), found.UpdatedAt)
	})

	s.Run("unknown account", func() {
		s.ErrorIs(s.store.Update(s.ctx, s.newAccount("ghost@example.org")), sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestResets() {
	account := s.newAccount("reset@example.org")
	s.Require().NoError(s.store.Create(s.ctx, account))
	reset := &models.PasswordReset{TokenDigest: "digest-1", AccountID: account.ID, ExpiresAt: testNow.Add(time.Hour), CreatedAt: testNow}
	s.Require().NoError(s.store.SaveReset(s.ctx, reset))

	s.Run("grant for unknown account", func() {
		err := s.store.SaveReset(s.ctx, &models.PasswordReset{TokenDigest: "digest-2", AccountID: id.UserID(uuid.New())})
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("consumes once", func() {
		consumed, err := s.store.ConsumeReset(s.ctx, "digest-1", testNow)
		s.Require().NoError(err)
		s.Nil(consumed.UsedAt)
		s.Equal(account.ID, consumed.AccountID)

		_, err = s.store.ConsumeReset(s.ctx, "digest-1", testNow)
		s.ErrorIs(err, sentinel.ErrAlreadyUsed)
	})

	s.Run("unknown digest", func() {
		_, err := s.store.ConsumeReset(s.ctx, "missing", testNow)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestConcurrentConsume() {
	account := s.newAccount("race@example.org")
	s.Require().NoError(s.store.Create(s.ctx, account))
	s.Require().NoError(s.store.SaveReset(s.ctx, &models.PasswordReset{TokenDigest: "race", AccountID: account.ID, ExpiresAt: testNow.Add(time.Hour)}))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.store.ConsumeReset(s.ctx, "race", testNow); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}
