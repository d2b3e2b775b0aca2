package orchestrator

import (
	"fmt"

	"github.com/psantana5/meshgen/pkg/models"
)

// JobErrorKind is the closed set of reasons a job stops without a result
type JobErrorKind string

const (
	JobFailed           JobErrorKind = "failed"
	JobBanned           JobErrorKind = "banned"
	JobUnknownStatus    JobErrorKind = "unknown_status"
	JobNetworkExhausted JobErrorKind = "network_exhausted"
)

// JobError ends a polling run
type JobError struct {
	JobID  string
	Kind   JobErrorKind
	Detail string
	Err    error
}

func (e *JobError) Error() string {
	switch e.Kind {
	case JobFailed:
		return fmt.Sprintf("job %s failed: %s", e.JobID, e.Detail)
	case JobBanned:
		return fmt.Sprintf("job %s was rejected by the service: %s", e.JobID, e.Detail)
	case JobUnknownStatus:
		return fmt.Sprintf("job %s stopped: %s", e.JobID, e.Detail)
	case JobNetworkExhausted:
		return fmt.Sprintf("job %s: status unavailable after retries: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("job %s: %s", e.JobID, e.Detail)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func jobErrorKind(status models.JobStatus) JobErrorKind {
	if status == models.JobStatusBanned {
		return JobBanned
	}
	return JobFailed
}

// ImportStage names the step of the import pipeline that failed
type ImportStage string

const (
	StageDownload ImportStage = "download"
	StageImport   ImportStage = "import"
)

// ImportError is a download or scene import failure after the job succeeded.
// The remote artifacts still exist, so the job can be downloaded again.
type ImportError struct {
	JobID string
	Stage ImportStage
	Err   error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("failed to %s model for job %s: %v", e.Stage, e.JobID, e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}
