package store

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/swecha/gitlab-activity/internal/aggregate"
)

// Snapshot is the result of one completed aggregation run.
type Snapshot struct {
	TakenAt           time.Time        `json:"taken_at"`
	Window            time.Duration    `json:"window"`
	Stats             aggregate.Report `json:"stats"`
	ProfileReadme     map[string]bool  `json:"profile_readme,omitempty"`
	ProjectsPlanned   int              `json:"projects_planned"`
	ProjectsProcessed int              `json:"projects_processed"`
	ProjectsFailed    int              `json:"projects_failed"`
	ProjectsTruncated bool             `json:"projects_truncated"`
	PhaseFailures     map[string]int   `json:"phase_failures,omitempty"`
}

// Clone deep-copies a snapshot so callers can mutate their copy freely.
func (s Snapshot) Clone() Snapshot {
	cloned := s
	if s.Stats != nil {
		cloned.Stats = make(aggregate.Report, len(s.Stats))
		for name, stats := range s.Stats {
			stats.Projects = maps.Clone(stats.Projects)
			cloned.Stats[name] = stats
		}
	}
	cloned.ProfileReadme = maps.Clone(s.ProfileReadme)
	cloned.PhaseFailures = maps.Clone(s.PhaseFailures)
	return cloned
}

// Store persists the latest aggregation snapshot and arbitrates run
// ownership between replicas.
type Store interface {
	// UpsertSnapshot replaces the stored snapshot.
	UpsertSnapshot(ctx context.Context, snapshot Snapshot) error
	// Latest returns the stored snapshot; found is false when none exists.
	Latest(ctx context.Context) (Snapshot, bool, error)
	// AcquireRunLock claims the aggregation run for ttl. It reports false
	// when another replica already holds the lock.
	AcquireRunLock(ctx context.Context, ttl time.Duration) (bool, error)
	Close() error
}

// MemoryStore keeps the latest snapshot in process memory. It backs
// single-replica deployments and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	latest     Snapshot
	hasLatest  bool
	lockExpiry time.Time
	// Now is injected for testability.
	Now func() time.Time
}

// NewMemoryStore creates a memory-backed snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Now: time.Now}
}

// UpsertSnapshot replaces the stored snapshot.
func (s *MemoryStore) UpsertSnapshot(_ context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = snapshot.Clone()
	s.hasLatest = true
	return nil
}

// Latest returns the stored snapshot.
func (s *MemoryStore) Latest(_ context.Context) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasLatest {
		return Snapshot{}, false, nil
	}
	return s.latest.Clone(), true, nil
}

// AcquireRunLock claims the aggregation run for ttl.
func (s *MemoryStore) AcquireRunLock(_ context.Context, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	if now.Before(s.lockExpiry) {
		return false, nil
	}
	s.lockExpiry = now.Add(ttl)
	return true, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
