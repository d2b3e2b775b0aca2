package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psantana5/meshgen/pkg/metrics"
	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/registry"
	"github.com/psantana5/meshgen/pkg/resources"
	"github.com/psantana5/meshgen/pkg/retry"
	"github.com/psantana5/meshgen/pkg/tracing"
)

var (
	ErrSessionClosed = errors.New("session is shut down")
	ErrNotTracked    = errors.New("job is not tracked by this session")
)

// Config wires a Session. Client, Host, Registry and Resources are required.
type Config struct {
	Client    RemoteJobClient
	Host      Host
	Registry  *registry.Registry
	Resources *resources.Manager

	// Retry applies to every remote call; the zero value means retry.DefaultPolicy()
	Retry        retry.Policy
	MinFreeBytes uint64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider
}

type task struct {
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started time.Time
}

// Session owns everything one orchestrator instance needs: the remote
// client, the host port, the registry, temp files and the set of jobs
// being followed. Each tracked job runs on its own goroutine.
type Session struct {
	id        string
	client    RemoteJobClient
	host      Host
	registry  *registry.Registry
	resources *resources.Manager
	engine    *Engine
	importer  *Importer
	balance   *BalanceSync
	policy    retry.Policy
	logger    *zap.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	closed bool
}

// NewSession creates a session. Jobs are tracked until Shutdown.
func NewSession(cfg Config) (*Session, error) {
	switch {
	case cfg.Client == nil:
		return nil, errors.New("session requires a remote client")
	case cfg.Host == nil:
		return nil, errors.New("session requires a host")
	case cfg.Registry == nil:
		return nil, errors.New("session requires a registry")
	case cfg.Resources == nil:
		return nil, errors.New("session requires a resource manager")
	}

	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.New().String()
	logger = logger.With(zap.String("session_id", id))

	balance := NewBalanceSync(cfg.Client, policy, logger, cfg.Metrics)
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		id:        id,
		client:    cfg.Client,
		host:      cfg.Host,
		registry:  cfg.Registry,
		resources: cfg.Resources,
		engine:    NewEngine(cfg.Client, cfg.Registry, balance, policy, logger, cfg.Metrics, cfg.Tracer),
		importer:  NewImporter(cfg.Client, cfg.Host, cfg.Resources, cfg.Registry, cfg.MinFreeBytes, logger, cfg.Metrics, cfg.Tracer),
		balance:   balance,
		policy:    policy,
		logger:    logger.Named("session"),
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[string]*task),
	}, nil
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) Registry() *registry.Registry { return s.registry }
func (s *Session) Balance() *BalanceSync        { return s.balance }

// Submit uploads any local images, submits the job and starts tracking it.
// The submission itself is not retried so a lost response never creates a
// second remote job.
func (s *Session) Submit(ctx context.Context, kind models.JobKind, params models.JobParams) (string, error) {
	if err := params.Validate(kind); err != nil {
		return "", err
	}
	if s.isClosed() {
		return "", ErrSessionClosed
	}

	if err := s.uploadImages(ctx, kind, &params); err != nil {
		return "", err
	}

	id, err := s.client.SubmitJob(ctx, kind, params)
	if err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}
	s.metrics.ObserveSubmit(kind)

	queued := models.JobStatusQueued
	summary := params.Summary(kind)
	if _, err := s.registry.Upsert(id, registry.JobUpdate{
		Kind:         &kind,
		Status:       &queued,
		InputSummary: &summary,
	}); err != nil {
		s.logger.Warn("Failed to register submitted job", zap.String("job_id", id), zap.Error(err))
	}
	s.logger.Info("Job submitted", zap.String("job_id", id), zap.String("kind", string(kind)))

	s.Track(id)
	return id, nil
}

func (s *Session) uploadImages(ctx context.Context, kind models.JobKind, params *models.JobParams) error {
	var images []*models.ImageInput
	switch kind {
	case models.JobKindImageToModel:
		images = append(images, params.Image)
	case models.JobKindMultiviewToModel:
		images = append(images, params.Views.Ordered()...)
	}

	// local validation failures are final
	policy := s.policy
	policy.Retryable = func(err error) bool {
		var verr *models.ValidationError
		return !errors.As(err, &verr)
	}

	for _, img := range images {
		if img == nil || img.Token != "" || img.Path == "" {
			continue
		}
		path := img.Path
		token, err := retry.Do(ctx, policy, s.logger, func(ctx context.Context) (string, error) {
			return s.client.UploadAsset(ctx, path)
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", path, err)
		}
		img.Token = token
		s.logger.Debug("Image uploaded", zap.String("path", path))
	}
	return nil
}

// Attach follows a job submitted elsewhere, e.g. in an earlier session
func (s *Session) Attach(id string) error {
	if id == "" {
		return registry.ErrEmptyID
	}
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.Track(id)
	return nil
}

// Track starts polling id on its own goroutine. It returns false when the
// job is already being followed or the session is shut down.
func (s *Session) Track(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if t, ok := s.tasks[id]; ok && !isDone(t) {
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel, done: make(chan struct{}), started: time.Now()}
	s.tasks[id] = t

	s.wg.Add(1)
	go s.run(ctx, id, t)
	return true
}

func (s *Session) run(ctx context.Context, id string, t *task) {
	defer s.wg.Done()
	defer close(t.done)
	defer t.cancel()

	completed, err := s.engine.Run(ctx, id)
	if err == nil {
		err = s.importer.Materialize(ctx, completed)
	}
	t.err = err
	if err != nil {
		s.report(id, err)
		return
	}
	s.logger.Info("Job finished", zap.String("job_id", id), zap.Duration("elapsed", time.Since(t.started)))
}

// report turns a job's failure into a user notification
func (s *Session) report(id string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Info("Stopped tracking job", zap.String("job_id", id))
		return
	}

	var importErr *ImportError
	if errors.As(err, &importErr) {
		msg := err.Error()
		if _, upErr := s.registry.Upsert(id, registry.JobUpdate{LastError: &msg}); upErr != nil {
			s.logger.Warn("Failed to record import error", zap.String("job_id", id), zap.Error(upErr))
		}
	}

	s.logger.Error("Job did not complete", zap.String("job_id", id), zap.Error(err))
	s.host.ShowError(err.Error())
}

// Redownload imports a Success job again. Artifact URLs are signed and
// expire, so the job is queried first and fresh references replace the stored
// ones. When the query fails the stored references are tried as they are. It
// runs on the caller's goroutine, which must not be the host thread.
func (s *Session) Redownload(ctx context.Context, id string) error {
	job, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, id)
	}
	if job.Status != models.JobStatusSuccess || job.ResultArtifacts.Empty() {
		return fmt.Errorf("job %s has no downloadable result (status %s)", id, job.Status)
	}

	if refreshed := s.refreshArtifacts(ctx, id); refreshed != nil {
		updated, err := s.registry.Upsert(id, registry.JobUpdate{ResultArtifacts: refreshed})
		if err != nil {
			return fmt.Errorf("failed to store refreshed artifacts: %w", err)
		}
		job = updated
	}

	err := s.importer.Materialize(ctx, &models.CompletedJob{Job: job, Artifacts: *job.ResultArtifacts})
	if err != nil {
		s.report(id, err)
	}
	return err
}

// refreshArtifacts re-queries a finished job for its artifact references.
// It returns nil when the remote service no longer reports them.
func (s *Session) refreshArtifacts(ctx context.Context, id string) *models.ResultArtifacts {
	logger := s.logger.With(zap.String("job_id", id))
	resp, err := retry.Do(ctx, s.policy, logger, func(ctx context.Context) (*models.StatusResponse, error) {
		return s.client.GetStatus(ctx, id)
	})
	if err != nil {
		logger.Warn("Failed to refresh artifact links, using stored ones", zap.Error(err))
		return nil
	}
	if resp.Status != models.JobStatusSuccess {
		logger.Warn("Job no longer reports success, using stored artifact links",
			zap.String("status", resp.RawStatus))
		return nil
	}
	return resp.Artifacts()
}

// Cancel stops following id. A job cancelled before success is never imported.
func (s *Session) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok || isDone(t) {
		return false
	}
	t.cancel()
	return true
}

func (s *Session) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		t.cancel()
	}
}

// Jobs returns the ids of jobs currently being followed
func (s *Session) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tasks))
	for id, t := range s.tasks {
		if !isDone(t) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every tracked job has finished
func (s *Session) Wait() {
	s.wg.Wait()
}

// Await blocks until the job's goroutine ends and returns its result
func (s *Session) Await(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, id)
	}

	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumePending tracks every job restored from the store that had not
// reached a terminal state.
func (s *Session) ResumePending() int {
	n := 0
	for _, job := range s.registry.All() {
		if job.IsTerminal() {
			continue
		}
		if s.Track(job.ID) {
			n++
		}
	}
	if n > 0 {
		s.logger.Info("Resumed pending jobs", zap.Int("count", n))
	}
	return n
}

// Shutdown cancels every job, waits for their goroutines and deletes the
// session's temp files. Imports already handed to the host finish first.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timed out waiting for jobs: %w", ctx.Err())
	}

	s.resources.Cleanup()
	s.logger.Info("Session shut down")
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func isDone(t *task) bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
