package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/psantana5/meshgen/pkg/metrics"
	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/registry"
	"github.com/psantana5/meshgen/pkg/resources"
	"github.com/psantana5/meshgen/pkg/tracing"
)

// DefaultMinFreeBytes is the free space required in the temp directory
// before artifacts are downloaded.
const DefaultMinFreeBytes = 256 * 1024 * 1024

// Importer downloads the artifacts of a completed job and imports the model
// into the host scene. Downloads of different jobs run in parallel; scene
// mutations never overlap.
type Importer struct {
	client       RemoteJobClient
	host         Host
	resources    *resources.Manager
	registry     *registry.Registry
	minFreeBytes uint64
	logger       *zap.Logger
	metrics      *metrics.Metrics
	tracer       *tracing.Provider

	// lock is held from scheduling until the host callback has finished
	lock *semaphore.Weighted
}

func NewImporter(client RemoteJobClient, host Host, res *resources.Manager, reg *registry.Registry, minFreeBytes uint64, logger *zap.Logger, m *metrics.Metrics, tracer *tracing.Provider) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{
		client:       client,
		host:         host,
		resources:    res,
		registry:     reg,
		minFreeBytes: minFreeBytes,
		logger:       logger.Named("importer"),
		metrics:      m,
		tracer:       tracer,
		lock:         semaphore.NewWeighted(1),
	}
}

type sceneResult struct {
	objects       []models.ObjectHandle
	previewLoaded bool
	err           error
}

// Materialize downloads and imports a completed job. Failures are returned
// as *ImportError; a context error means the job was cancelled before its
// import was scheduled. It must not be called from the host thread.
func (im *Importer) Materialize(ctx context.Context, completed *models.CompletedJob) (err error) {
	jobID := completed.Job.ID
	ctx, span := im.tracer.StartSpan(ctx, "orchestrator.import", attribute.String("job.id", jobID))
	start := time.Now()
	defer func() {
		if err != nil {
			tracing.SetError(ctx, err)
		}
		span.End()
		im.metrics.ObserveImport(time.Since(start), err)
	}()

	logger := im.logger.With(zap.String("job_id", jobID))

	if err := im.resources.CheckFreeSpace(im.minFreeBytes); err != nil {
		return &ImportError{JobID: jobID, Stage: StageDownload, Err: err}
	}

	files, err := im.client.DownloadArtifacts(ctx, completed, im.resources, im.host.SupportsImagePreview())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &ImportError{JobID: jobID, Stage: StageDownload, Err: err}
	}
	logger.Debug("Artifacts downloaded", zap.String("model", files.ModelPath), zap.String("preview", files.PreviewPath))

	if err := im.lock.Acquire(ctx, 1); err != nil {
		im.discard(logger, files.ModelPath)
		im.discard(logger, files.PreviewPath)
		return err
	}
	defer im.lock.Release(1)

	// once scheduled the callback runs to completion; ctx is not consulted
	var res sceneResult
	done := make(chan struct{})
	im.host.RunOnMainThread(func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("import callback panicked: %v", r)
			}
		}()
		res = im.applyToScene(logger, files)
	})
	<-done

	im.discard(logger, files.ModelPath)
	if files.PreviewPath != "" {
		if res.previewLoaded {
			im.resources.Release(files.PreviewPath)
		} else {
			im.discard(logger, files.PreviewPath)
		}
	}

	if res.err != nil {
		return &ImportError{JobID: jobID, Stage: StageImport, Err: res.err}
	}

	now := time.Now()
	cleared := ""
	if _, err := im.registry.Upsert(jobID, registry.JobUpdate{ImportedAt: &now, LastError: &cleared}); err != nil {
		logger.Warn("Failed to record import", zap.Error(err))
	}
	logger.Info("Model imported", zap.Int("objects", len(res.objects)), zap.Bool("preview", res.previewLoaded))
	return nil
}

// applyToScene runs on the host thread
func (im *Importer) applyToScene(logger *zap.Logger, files *models.DownloadedArtifacts) sceneResult {
	var res sceneResult

	im.host.DeselectAll()
	objects, err := im.host.ImportModelFile(files.ModelPath, models.ImporterForPath(files.ModelPath))
	if err != nil {
		res.err = err
		return res
	}
	for _, obj := range objects {
		im.host.SelectObject(obj)
		// face +Y
		im.host.RotateObject(obj, math.Pi/2)
	}
	if len(objects) > 0 {
		im.host.SetActiveObject(objects[0])
	}
	res.objects = objects

	if files.PreviewPath != "" {
		if _, err := im.host.LoadImageAsset(files.PreviewPath); err != nil {
			logger.Warn("Failed to load preview image", zap.String("path", files.PreviewPath), zap.Error(err))
		} else {
			res.previewLoaded = true
		}
	}
	return res
}

func (im *Importer) discard(logger *zap.Logger, path string) {
	if path == "" {
		return
	}
	if err := im.resources.Remove(path); err != nil {
		logger.Warn("Failed to remove temp file", zap.String("path", path), zap.Error(err))
	}
}
