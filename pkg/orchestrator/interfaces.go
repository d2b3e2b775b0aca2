package orchestrator

import (
	"context"

	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/resources"
)

// RemoteJobClient is the generation service as seen by the orchestrator.
// Implementations hold their own credentials.
type RemoteJobClient interface {
	SubmitJob(ctx context.Context, kind models.JobKind, params models.JobParams) (string, error)
	GetStatus(ctx context.Context, id string) (*models.StatusResponse, error)
	DownloadArtifacts(ctx context.Context, job *models.CompletedJob, dest resources.FileCreator, withPreview bool) (*models.DownloadedArtifacts, error)
	GetBalance(ctx context.Context) (float64, error)
	UploadAsset(ctx context.Context, path string) (string, error)
}

// Host is the scene application the models are imported into. Its document
// is not safe for concurrent use: every method except RunOnMainThread,
// ShowError and SupportsImagePreview must only be called from a callback
// passed to RunOnMainThread.
type Host interface {
	// RunOnMainThread schedules fn on the host thread. Callbacks run serially
	// in FIFO order.
	RunOnMainThread(fn func())
	ShowError(msg string)

	DeselectAll()
	// ImportModelFile returns only the objects created by this import
	ImportModelFile(path string, importer models.Importer) ([]models.ObjectHandle, error)
	SelectObject(obj models.ObjectHandle)
	RotateObject(obj models.ObjectHandle, radiansZ float64)
	SetActiveObject(obj models.ObjectHandle)

	SupportsImagePreview() bool
	// LoadImageAsset hands the file to the host, which owns it afterwards
	LoadImageAsset(path string) (models.ImageHandle, error)
}
