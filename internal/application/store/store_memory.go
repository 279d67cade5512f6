package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"dossier/internal/application/models"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/sentinel"
)

// InMemoryStore keeps applications in process memory. Returned values are
// clones; callers never share state with the store.
type InMemoryStore struct {
	mu             sync.RWMutex
	applications   map[id.ApplicationID]*models.Application
	byConfirmation map[string]id.ApplicationID
	callbacks      map[string]callbackRecord
}

type callbackRecord struct {
	applicationID id.ApplicationID
	outcome       models.ProviderOutcome
	processedAt   time.Time
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		applications:   make(map[id.ApplicationID]*models.Application),
		byConfirmation: make(map[string]id.ApplicationID),
		callbacks:      make(map[string]callbackRecord),
	}
}

// Create inserts a new application. A duplicate id or confirmation number
// returns sentinel.ErrConflict.
func (s *InMemoryStore) Create(_ context.Context, app *models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.applications[app.ID]; exists {
		return sentinel.ErrConflict
	}
	if _, taken := s.byConfirmation[app.ConfirmationNumber]; taken {
		return sentinel.ErrConflict
	}
	s.applications[app.ID] = app.Clone()
	s.byConfirmation[app.ConfirmationNumber] = app.ID
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, applicationID id.ApplicationID) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.applications[applicationID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return app.Clone(), nil
}

func (s *InMemoryStore) FindByConfirmation(_ context.Context, number string) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	appID, ok := s.byConfirmation[number]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.applications[appID].Clone(), nil
}

// FindByPaymentProof returns the application whose payment currently
// references proof.
func (s *InMemoryStore) FindByPaymentProof(_ context.Context, proof models.BlobRef) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, app := range s.applications {
		if app.Payment.ProofRef == proof {
			return app.Clone(), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

// List returns matching applications, newest first.
func (s *InMemoryStore) List(_ context.Context, filter models.ListFilter) ([]*models.Application, error) {
	s.mu.RLock()
	matched := make([]*models.Application, 0)
	for _, app := range s.applications {
		if filter.Matches(app) {
			matched = append(matched, app.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ConfirmationNumber > matched[j].ConfirmationNumber
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []*models.Application{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *InMemoryStore) Stats(_ context.Context) (*models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.NewStats()
	for _, app := range s.applications {
		stats.Add(app)
	}
	return stats, nil
}

// Execute loads the application, runs validate against it and, when that
// passes, applies mutate and commits with a bumped version. Nothing is written
// when validate fails.
func (s *InMemoryStore) Execute(
	_ context.Context,
	applicationID id.ApplicationID,
	validate func(*models.Application) error,
	mutate func(*models.Application),
) (*models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.applications[applicationID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	working := current.Clone()
	if err := validate(working); err != nil {
		return nil, err
	}
	mutate(working)

	if working.Payment.ProofRef != current.Payment.ProofRef && !working.Payment.ProofRef.IsZero() {
		for otherID, other := range s.applications {
			if otherID != applicationID && other.Payment.ProofRef == working.Payment.ProofRef {
				return nil, sentinel.ErrConflict
			}
		}
	}

	working.Version = current.Version + 1
	s.applications[applicationID] = working
	return working.Clone(), nil
}

// CallbackProcessed reports whether providerReference is already in the ledger.
func (s *InMemoryStore) CallbackProcessed(_ context.Context, providerReference string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.callbacks[providerReference]
	return ok, nil
}

// RecordCallback adds providerReference to the ledger. A second record for the
// same reference returns sentinel.ErrAlreadyUsed.
func (s *InMemoryStore) RecordCallback(
	_ context.Context,
	providerReference string,
	applicationID id.ApplicationID,
	outcome models.ProviderOutcome,
	now time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.callbacks[providerReference]; ok {
		return sentinel.ErrAlreadyUsed
	}
	s.callbacks[providerReference] = callbackRecord{
		applicationID: applicationID,
		outcome:       outcome,
		processedAt:   now,
	}
	return nil
}
