package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"dossier/internal/notification/models"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu   sync.Mutex
	rows map[id.NotificationID]*models.Notification
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{rows: make(map[id.NotificationID]*models.Notification)}
}

func (s *InMemoryStore) Enqueue(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[n.ID]; exists {
		return sentinel.ErrConflict
	}
	s.rows[n.ID] = n.Clone()
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, notificationID id.NotificationID) (*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[notificationID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return n.Clone(), nil
}

// Claim leases one due row for delivery and counts the attempt. A row that is
// not pending or not yet due returns sentinel.ErrNotFound.
func (s *InMemoryStore) Claim(_ context.Context, notificationID id.NotificationID, now, leaseUntil time.Time) (*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[notificationID]
	if !ok || !n.IsDue(now) {
		return nil, sentinel.ErrNotFound
	}
	lease(n, now, leaseUntil)
	return n.Clone(), nil
}

// ClaimDue leases up to limit due rows, oldest schedule first.
func (s *InMemoryStore) ClaimDue(_ context.Context, now, leaseUntil time.Time, limit int) ([]*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*models.Notification, 0)
	for _, n := range s.rows {
		if n.IsDue(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*models.Notification, 0, len(due))
	for _, n := range due {
		lease(n, now, leaseUntil)
		claimed = append(claimed, n.Clone())
	}
	return claimed, nil
}

func lease(n *models.Notification, now, leaseUntil time.Time) {
	n.Attempts++
	n.NextAttemptAt = leaseUntil
	n.UpdatedAt = now
}

func (s *InMemoryStore) Save(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[n.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.rows[n.ID] = n.Clone()
	return nil
}

func (s *InMemoryStore) ListFailed(_ context.Context, limit int) ([]*models.Notification, error) {
	return s.listByStatus(models.StatusFailed, limit), nil
}

func (s *InMemoryStore) ListByApplication(_ context.Context, applicationID id.ApplicationID) ([]*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Notification, 0)
	for _, n := range s.rows {
		if n.ApplicationID == applicationID {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) listByStatus(status models.Status, limit int) []*models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Notification, 0)
	for _, n := range s.rows {
		if n.Status == status {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ResetFailed moves every failed row back to pending and reports how many.
func (s *InMemoryStore) ResetFailed(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.rows {
		if n.Status == models.StatusFailed {
			n.ResetForRetry(now)
			count++
		}
	}
	return count, nil
}
