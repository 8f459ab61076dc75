// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping duplicate and not-found semantics

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	results  map[string]*JobResult     // keyed by job ID
	probes   map[int64]*ScheduledProbe // keyed by definition ID
	keys     map[int64]*APIKey         // keyed by key ID
	nextID   int64
	failNext error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		results: make(map[string]*JobResult),
		probes:  make(map[int64]*ScheduledProbe),
		keys:    make(map[int64]*APIKey),
	}
}

// FailNext makes the next mutating call return err.
func (m *MockStore) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MockStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *MockStore) id() int64 {
	m.nextID++
	return m.nextID
}

// CreateJobResult stores a job result.
func (m *MockStore) CreateJobResult(ctx context.Context, r *JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, exists := m.results[r.JobID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJobID, r.JobID)
	}
	r.ID = m.id()
	c := *r
	m.results[r.JobID] = &c
	return nil
}

// GetJobResult retrieves a job result by job ID.
func (m *MockStore) GetJobResult(ctx context.Context, jobID string) (*JobResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

// ListJobResults returns matching job results newest first.
func (m *MockStore) ListJobResults(ctx context.Context, filter JobResultFilter) ([]*JobResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*JobResult
	for _, r := range m.results {
		if filter.UserID != nil && (r.UserID == nil || *r.UserID != *filter.UserID) {
			continue
		}
		if filter.ScheduledProbeID != nil && (r.ScheduledProbeID == nil || *r.ScheduledProbeID != *filter.ScheduledProbeID) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CreateScheduledProbe stores a definition.
func (m *MockStore) CreateScheduledProbe(ctx context.Context, p *ScheduledProbe) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if m.nameTakenLocked(p.Name, 0) {
		return fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
	}
	p.ID = m.id()
	c := *p
	m.probes[p.ID] = &c
	return nil
}

// GetScheduledProbe retrieves a definition by ID.
func (m *MockStore) GetScheduledProbe(ctx context.Context, id int64) (*ScheduledProbe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.probes[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// ListScheduledProbes returns a user's definitions ordered by ID.
func (m *MockStore) ListScheduledProbes(ctx context.Context, userID int64) ([]*ScheduledProbe, error) {
	return m.filterProbes(func(p *ScheduledProbe) bool { return p.UserID == userID }), nil
}

// ListActiveScheduledProbes returns every active definition.
func (m *MockStore) ListActiveScheduledProbes(ctx context.Context) ([]*ScheduledProbe, error) {
	return m.filterProbes(func(p *ScheduledProbe) bool { return p.IsActive }), nil
}

// UpdateScheduledProbe replaces a stored definition.
func (m *MockStore) UpdateScheduledProbe(ctx context.Context, p *ScheduledProbe) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	existing, ok := m.probes[p.ID]
	if !ok {
		return ErrNotFound
	}
	if m.nameTakenLocked(p.Name, p.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
	}
	c := *p
	c.UserID = existing.UserID
	c.CreatedAt = existing.CreatedAt
	m.probes[p.ID] = &c
	return nil
}

// DeleteScheduledProbe removes a definition.
func (m *MockStore) DeleteScheduledProbe(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.probes[id]; !ok {
		return ErrNotFound
	}
	delete(m.probes, id)
	return nil
}

// CreateAPIKey stores a key.
func (m *MockStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.keys {
		if existing.Prefix == k.Prefix {
			return ErrDuplicateKeyPrefix
		}
	}
	k.ID = m.id()
	c := *k
	m.keys[k.ID] = &c
	return nil
}

// GetAPIKeyByPrefix finds a key by prefix.
func (m *MockStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, k := range m.keys {
		if k.Prefix == prefix {
			c := *k
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// ListAPIKeys returns a user's keys ordered by ID.
func (m *MockStore) ListAPIKeys(ctx context.Context, userID int64) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*APIKey
	for _, k := range m.keys {
		if k.UserID == userID {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TouchAPIKey records a use of the key.
func (m *MockStore) TouchAPIKey(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.LastUsedAt = &at
	return nil
}

// RevokeAPIKey marks the key as revoked.
func (m *MockStore) RevokeAPIKey(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.RevokedAt = &at
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// JobResultCount returns how many job results are stored.
func (m *MockStore) JobResultCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

func (m *MockStore) nameTakenLocked(name string, exceptID int64) bool {
	for id, p := range m.probes {
		if id != exceptID && p.Name == name {
			return true
		}
	}
	return false
}

func (m *MockStore) filterProbes(keep func(*ScheduledProbe) bool) []*ScheduledProbe {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ScheduledProbe
	for _, p := range m.probes {
		if keep(p) {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
