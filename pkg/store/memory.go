package store

import (
	"sync"

	"github.com/psantana5/meshgen/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	jobs  map[string]*models.Job
	order []string // insertion order of job IDs
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
	}
}

// SaveJob adds or updates a job
func (s *MemoryStore) SaveJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; !exists {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobs returns all jobs in insertion order
func (s *MemoryStore) ListJobs() ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id].Clone())
	}
	return jobs, nil
}

// HealthCheck always succeeds
func (s *MemoryStore) HealthCheck() error { return nil }

// Vacuum is a no-op
func (s *MemoryStore) Vacuum() error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }
