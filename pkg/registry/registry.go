package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/store"
)

var (
	// ErrTerminal is returned for a status write to a job that already
	// reached Success, Failed or Banned.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrArtifactsInvariant is returned when an update would leave result
	// artifacts on a job that is not Success, or a Success job without them.
	ErrArtifactsInvariant = errors.New("result artifacts must be present exactly when status is success")
	ErrEmptyID            = errors.New("job id is required")
)

// JobUpdate carries the fields to merge into a job. Nil fields are left as they are.
type JobUpdate struct {
	Kind                      *models.JobKind
	Status                    *models.JobStatus
	Progress                  *int
	EstimatedRemainingSeconds *float64
	ClearEstimate             bool
	CreatedAt                 *time.Time
	InputSummary              *string
	ResultArtifacts           *models.ResultArtifacts
	LastError                 *string
	ImportedAt                *time.Time
}

// Event is published to subscribers after every successful upsert
type Event struct {
	Job     *models.Job `json:"job"`
	Created bool        `json:"created"`
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// Registry is the ordered, observable set of jobs known to a session.
// Entries are never evicted. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*models.Job
	order  []string
	store  store.Store
	logger *zap.Logger
	now    func() time.Time

	subMu  sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

// New creates a registry; s may be nil for a purely in-memory session
func New(s store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		jobs:   make(map[string]*models.Job),
		store:  s,
		logger: logger.Named("registry"),
		now:    time.Now,
		subs:   make(map[int]*subscriber),
	}
}

// Load restores jobs persisted by earlier sessions. Jobs already present in
// memory win over stored copies.
func (r *Registry) Load() (int, error) {
	if r.store == nil {
		return 0, nil
	}
	jobs, err := r.store.ListJobs()
	if err != nil {
		return 0, fmt.Errorf("failed to load jobs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, job := range jobs {
		if _, exists := r.jobs[job.ID]; exists {
			continue
		}
		r.jobs[job.ID] = job
		r.order = append(r.order, job.ID)
		loaded++
	}
	return loaded, nil
}

// Upsert merges update into the job with the given id, creating the entry if
// needed. A rejected update leaves the entry untouched.
func (r *Registry) Upsert(id string, update JobUpdate) (*models.Job, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	r.mu.Lock()
	existing, exists := r.jobs[id]
	var next *models.Job
	if exists {
		next = existing.Clone()
	} else {
		next = &models.Job{ID: id}
	}

	if err := apply(next, update); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("job %s: %w", id, err)
	}

	now := r.now()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now

	r.jobs[id] = next
	if !exists {
		r.order = append(r.order, id)
	}
	snapshot := next.Clone()

	// persisted and published under the lock so both see writes in order
	if r.store != nil {
		if err := r.store.SaveJob(snapshot); err != nil {
			// memory stays authoritative for the session
			r.logger.Warn("Failed to persist job", zap.String("job_id", id), zap.Error(err))
		}
	}
	r.publish(Event{Job: snapshot, Created: !exists})
	r.mu.Unlock()

	return snapshot.Clone(), nil
}

func apply(job *models.Job, u JobUpdate) error {
	if u.Status != nil {
		if job.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, job.Status)
		}
		if err := models.ValidateTransition(job.Status, *u.Status); err != nil {
			return err
		}
		job.Status = *u.Status
	}

	// set once, never overwritten
	if u.Kind != nil && job.Kind == "" {
		job.Kind = *u.Kind
	}
	if u.InputSummary != nil && job.InputSummary == "" {
		job.InputSummary = *u.InputSummary
	}
	if u.CreatedAt != nil && job.CreatedAt.IsZero() {
		job.CreatedAt = *u.CreatedAt
	}

	if u.Progress != nil {
		p := *u.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		job.Progress = p
	}
	if u.ClearEstimate {
		job.EstimatedRemainingSeconds = nil
	} else if u.EstimatedRemainingSeconds != nil {
		eta := *u.EstimatedRemainingSeconds
		job.EstimatedRemainingSeconds = &eta
	}
	if u.ResultArtifacts != nil {
		job.ResultArtifacts = u.ResultArtifacts.Clone()
	}
	if u.LastError != nil {
		job.LastError = *u.LastError
	}
	if u.ImportedAt != nil {
		t := *u.ImportedAt
		job.ImportedAt = &t
	}

	if job.ResultArtifacts.Empty() != (job.Status != models.JobStatusSuccess) {
		return ErrArtifactsInvariant
	}
	return nil
}

// Get returns a copy of the job with the given id
func (r *Registry) Get(id string) (*models.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// All returns copies of every job in insertion order
func (r *Registry) All() []*models.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(r.order))
	for _, id := range r.order {
		jobs = append(jobs, r.jobs[id].Clone())
	}
	return jobs
}

// Len returns the number of jobs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// CountByStatus returns the number of jobs per status
func (r *Registry) CountByStatus() map[models.JobStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.JobStatus]int)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts
}

// Subscribe returns a channel receiving an Event after every upsert and a
// func that unsubscribes and closes the channel. Slow subscribers miss
// events rather than blocking writers.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	r.subs[id] = sub
	r.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(sub.ch)
		})
	}
}

func (r *Registry) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for _, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				r.logger.Debug("Subscriber too slow, dropping events",
					zap.Int("dropped", sub.dropped), zap.String("job_id", ev.Job.ID))
			}
		}
	}
}
