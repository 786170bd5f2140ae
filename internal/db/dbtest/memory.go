// Package dbtest provides an in-memory notification repository for tests.
package dbtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/db"
)

// MemoryRepository mirrors db.Repository without Postgres. Records are
// cloned on the way in and out so callers never share state with the store.
type MemoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*db.Notification

	// Now is used for created_at/updated_at; defaults to time.Now.
	Now func() time.Time

	// Err, when set, is returned by every call.
	Err error
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[int64]*db.Notification),
		Now:     time.Now,
	}
}

func (m *MemoryRepository) CreateNotification(_ context.Context, notif *db.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if notif.ExternalRef == uuid.Nil {
		notif.ExternalRef = uuid.New()
	}
	if notif.MaxAttempts == 0 {
		notif.MaxAttempts = db.DefaultMaxAttempts
	}
	if notif.Status == "" {
		notif.Status = db.StatusPending
	}

	m.nextID++
	now := m.Now()
	notif.ID = m.nextID
	notif.CreatedAt = now
	notif.UpdatedAt = now
	m.records[notif.ID] = notif.Clone()
	return nil
}

func (m *MemoryRepository) GetNotification(_ context.Context, id int64) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	notif, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", db.ErrNotFound, id)
	}
	return notif.Clone(), nil
}

func (m *MemoryRepository) GetNotificationByRef(_ context.Context, tenantID string, ref uuid.UUID) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	for _, notif := range m.records {
		if notif.TenantID == tenantID && notif.ExternalRef == ref {
			return notif.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", db.ErrNotFound, ref)
}

func (m *MemoryRepository) UpdateNotification(_ context.Context, id int64, u db.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	notif, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: id %d", db.ErrNotFound, id)
	}
	if u.Empty() {
		return nil
	}
	if !u.Permits(notif.Status) {
		return fmt.Errorf("%w: id %d is %s", db.ErrInvalidTransition, id, notif.Status)
	}
	u.Apply(notif)
	notif.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryRepository) CancelNotification(_ context.Context, tenantID string, ref uuid.UUID) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	for _, notif := range m.records {
		if notif.TenantID != tenantID || notif.ExternalRef != ref {
			continue
		}
		if !notif.Status.CanTransitionTo(db.StatusCancelled) {
			return notif.Clone(), fmt.Errorf("%w: %s -> %s", db.ErrInvalidTransition, notif.Status, db.StatusCancelled)
		}
		notif.Status = db.StatusCancelled
		notif.UpdatedAt = m.Now()
		return notif.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", db.ErrNotFound, ref)
}

func (m *MemoryRepository) ListRecent(_ context.Context, f db.RecentFilter, limit, offset int) ([]*db.Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, 0, m.Err
	}

	matched := make([]*db.Notification, 0)
	for _, notif := range m.records {
		if notif.TenantID != f.TenantID {
			continue
		}
		if f.UserID != "" && notif.UserID != f.UserID {
			continue
		}
		if f.Channel != "" && notif.Channel != f.Channel {
			continue
		}
		if f.Status != "" && notif.Status != f.Status {
			continue
		}
		matched = append(matched, notif)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if offset >= total {
		return []*db.Notification{}, total, nil
	}
	end := min(offset+limit, total)

	page := make([]*db.Notification, 0, end-offset)
	for _, notif := range matched[offset:end] {
		page = append(page, notif.Clone())
	}
	return page, total, nil
}

func (m *MemoryRepository) Summarize(_ context.Context, tenantID string, since *time.Time, byChannel bool) (*db.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	summary := &db.Summary{CountsByStatus: db.NewStatusCounts()}
	if byChannel {
		summary.ByChannel = make(map[string]map[db.Status]int)
	}

	for _, notif := range m.records {
		if notif.TenantID != tenantID {
			continue
		}
		if since != nil && notif.CreatedAt.Before(*since) {
			continue
		}
		summary.CountsByStatus[notif.Status]++
		summary.Total++
		if byChannel {
			if summary.ByChannel[notif.Channel] == nil {
				summary.ByChannel[notif.Channel] = db.NewStatusCounts()
			}
			summary.ByChannel[notif.Channel][notif.Status]++
		}
	}
	return summary, nil
}

// Len reports how many notifications are stored.
func (m *MemoryRepository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
