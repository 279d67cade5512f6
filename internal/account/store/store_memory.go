package store

import (
	"context"
	"sync"
	"time"

	"dossier/internal/account/models"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/sentinel"
)

// InMemoryStore keeps accounts and reset grants in process memory. Returned
// values are copies.
type InMemoryStore struct {
	mu       sync.RWMutex
	accounts map[id.UserID]models.Account
	byEmail  map[string]id.UserID
	resets   map[string]models.PasswordReset
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		accounts: make(map[id.UserID]models.Account),
		byEmail:  make(map[string]id.UserID),
		resets:   make(map[string]models.PasswordReset),
	}
}

// Create inserts an account. A taken email or id returns sentinel.ErrConflict.
func (s *InMemoryStore) Create(_ context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return sentinel.ErrConflict
	}
	if _, taken := s.byEmail[account.Email]; taken {
		return sentinel.ErrConflict
	}
	s.accounts[account.ID] = *account
	s.byEmail[account.Email] = account.ID
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, accountID id.UserID) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &account, nil
}

func (s *InMemoryStore) FindByEmail(_ context.Context, email string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accountID, ok := s.byEmail[email]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	account := s.accounts[accountID]
	return &account, nil
}

// Update replaces mutable fields. Email is immutable.
func (s *InMemoryStore) Update(_ context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[account.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	updated := *account
	updated.Email = current.Email
	updated.CreatedAt = current.CreatedAt
	s.accounts[account.ID] = updated
	return nil
}

func (s *InMemoryStore) SaveReset(_ context.Context, reset *models.PasswordReset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[reset.AccountID]; !ok {
		return sentinel.ErrNotFound
	}
	if _, exists := s.resets[reset.TokenDigest]; exists {
		return sentinel.ErrConflict
	}
	s.resets[reset.TokenDigest] = *reset
	return nil
}

// ConsumeReset marks the grant used and returns it as it was before. A
// missing grant returns sentinel.ErrNotFound; one already used returns
// sentinel.ErrAlreadyUsed. Expiry is left to the caller.
func (s *InMemoryStore) ConsumeReset(_ context.Context, digest string, now time.Time) (*models.PasswordReset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reset, ok := s.resets[digest]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if reset.UsedAt != nil {
		return nil, sentinel.ErrAlreadyUsed
	}
	before := reset
	usedAt := now
	reset.UsedAt = &usedAt
	s.resets[digest] = reset
	return &before, nil
}
