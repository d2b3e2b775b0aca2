package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/psantana5/meshgen/pkg/metrics"
	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/registry"
	"github.com/psantana5/meshgen/pkg/retry"
	"github.com/psantana5/meshgen/pkg/tracing"
)

// MinPollDelay is the shortest wait between two status queries
const MinPollDelay = 2 * time.Second

// NextDelay returns the wait before the next status query. With an ETA the
// wait is half of it, never below MinPollDelay. Without one the previous
// delay doubles, starting at MinPollDelay. There is no upper bound; the
// result saturates at the largest representable duration.
func NextDelay(prev time.Duration, etaSeconds *float64) time.Duration {
	if etaSeconds != nil {
		half := *etaSeconds * 0.5 * float64(time.Second)
		switch {
		case math.IsNaN(half) || half < float64(MinPollDelay):
			return MinPollDelay
		case half >= math.MaxInt64:
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(half)
	}

	if prev <= 0 {
		return MinPollDelay
	}
	if prev > math.MaxInt64/2 {
		return time.Duration(math.MaxInt64)
	}
	return prev * 2
}

// Engine polls one job until it reaches a terminal state
type Engine struct {
	client   RemoteJobClient
	registry *registry.Registry
	balance  *BalanceSync
	policy   retry.Policy
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Provider

	// sleep waits d or until ctx is done; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(client RemoteJobClient, reg *registry.Registry, balance *BalanceSync, policy retry.Policy, logger *zap.Logger, m *metrics.Metrics, tracer *tracing.Provider) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client:   client,
		registry: reg,
		balance:  balance,
		policy:   policy,
		logger:   logger.Named("engine"),
		metrics:  m,
		tracer:   tracer,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run polls jobID until the service reports a terminal status. It returns
// the completed job on success, a *JobError when the job ends otherwise or
// the service cannot be reached, and ctx.Err() when cancelled.
func (e *Engine) Run(ctx context.Context, jobID string) (*models.CompletedJob, error) {
	ctx, span := e.tracer.StartSpan(ctx, "orchestrator.poll", attribute.String("job.id", jobID))
	defer span.End()

	logger := e.logger.With(zap.String("job_id", jobID))
	policy := e.policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.metrics.ObserveRetry("get_status")
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}

	var delay time.Duration
	for {
		resp, err := retry.Do(ctx, policy, logger, func(ctx context.Context) (*models.StatusResponse, error) {
			return e.client.GetStatus(ctx, jobID)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			msg := err.Error()
			e.upsert(logger, jobID, registry.JobUpdate{LastError: &msg})
			tracing.SetError(ctx, err)
			return nil, &JobError{JobID: jobID, Kind: JobNetworkExhausted, Err: err}
		}

		e.metrics.ObservePoll(resp.Status)
		tracing.AddEvent(ctx, "status",
			attribute.String("status", resp.RawStatus),
			attribute.Int("progress", resp.Progress))

		switch resp.Status {
		case models.JobStatusSuccess:
			return e.complete(ctx, logger, jobID, resp)

		case models.JobStatusFailed, models.JobStatusBanned:
			detail := resp.Message
			if detail == "" {
				detail = "job " + string(resp.Status)
			}
			e.recordTerminal(logger, jobID, resp, resp.Status, detail)
			logger.Warn("Job ended without a result", zap.String("status", string(resp.Status)), zap.String("detail", detail))
			return nil, &JobError{JobID: jobID, Kind: jobErrorKind(resp.Status), Detail: detail}

		case models.JobStatusQueued, models.JobStatusRunning:
			update := observation(resp)
			update.Status = &resp.Status
			if _, err := e.registry.Upsert(jobID, update); err != nil {
				existing, ok := e.registry.Get(jobID)
				if ok && errors.Is(err, registry.ErrTerminal) && existing.Status != models.JobStatusSuccess {
					// ended locally, e.g. after an unknown status
					return nil, &JobError{JobID: jobID, Kind: jobErrorKind(existing.Status), Detail: existing.LastError}
				}
				logger.Warn("Failed to record job progress", zap.Error(err))
			}
			e.metrics.SetJobCounts(e.registry.CountByStatus())

			delay = NextDelay(delay, resp.EstimatedRemainingSeconds)
			logger.Debug("Job in progress",
				zap.String("status", string(resp.Status)),
				zap.Int("progress", resp.Progress),
				zap.Duration("next_poll", delay))
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}

		default:
			detail := fmt.Sprintf("unknown status %q", resp.RawStatus)
			e.recordTerminal(logger, jobID, resp, models.JobStatusFailed, detail)
			logger.Error("Unrecognized job status", zap.String("status", resp.RawStatus))
			return nil, &JobError{JobID: jobID, Kind: JobUnknownStatus, Detail: detail}
		}
	}
}

func (e *Engine) complete(ctx context.Context, logger *zap.Logger, jobID string, resp *models.StatusResponse) (*models.CompletedJob, error) {
	artifacts := resp.Artifacts()
	if artifacts == nil {
		detail := "no model url in response"
		e.recordTerminal(logger, jobID, resp, models.JobStatusFailed, detail)
		return nil, &JobError{JobID: jobID, Kind: JobFailed, Detail: detail}
	}

	update := observation(resp)
	status := models.JobStatusSuccess
	progress := 100
	update.Status = &status
	update.Progress = &progress
	update.ClearEstimate = true
	update.ResultArtifacts = artifacts

	job, err := e.registry.Upsert(jobID, update)
	if err != nil {
		existing, ok := e.registry.Get(jobID)
		switch {
		case errors.Is(err, registry.ErrTerminal) && ok && existing.Status == models.JobStatusSuccess:
			// polled again after an earlier success, e.g. to download again
			job = existing
		case ok && existing.IsTerminal():
			return nil, &JobError{JobID: jobID, Kind: jobErrorKind(existing.Status), Detail: existing.LastError}
		default:
			return nil, fmt.Errorf("failed to record success of job %s: %w", jobID, err)
		}
	}
	e.metrics.SetJobCounts(e.registry.CountByStatus())

	logger.Info("Job succeeded", zap.String("model_url", artifacts.Model.URL))
	if e.balance != nil {
		e.balance.Refresh(ctx)
	}

	return &models.CompletedJob{
		Job:          job,
		Artifacts:    *artifacts,
		ModelVersion: resp.ModelVersion,
	}, nil
}

func (e *Engine) recordTerminal(logger *zap.Logger, jobID string, resp *models.StatusResponse, status models.JobStatus, detail string) {
	update := observation(resp)
	update.Status = &status
	update.LastError = &detail
	update.ClearEstimate = true
	e.upsert(logger, jobID, update)
}

func (e *Engine) upsert(logger *zap.Logger, jobID string, update registry.JobUpdate) {
	if _, err := e.registry.Upsert(jobID, update); err != nil {
		logger.Warn("Failed to update job", zap.Error(err))
	}
	e.metrics.SetJobCounts(e.registry.CountByStatus())
}

// observation maps the descriptive fields of a status response onto an
// update. The registry keeps kind, summary and creation time from the
// first observation only.
func observation(resp *models.StatusResponse) registry.JobUpdate {
	progress := resp.Progress
	u := registry.JobUpdate{
		Progress:                  &progress,
		EstimatedRemainingSeconds: resp.EstimatedRemainingSeconds,
		ClearEstimate:             resp.EstimatedRemainingSeconds == nil,
		CreatedAt:                 resp.CreatedAt,
	}
	if resp.Kind.Valid() {
		kind := resp.Kind
		u.Kind = &kind
	}
	if resp.InputSummary != "" {
		summary := resp.InputSummary
		u.InputSummary = &summary
	}
	return u
}
