package models

import (
	"time"
)

// JobKind identifies the generation pipeline a job was submitted to
type JobKind string

const (
	JobKindTextToModel      JobKind = "text_to_model"
	JobKindImageToModel     JobKind = "image_to_model"
	JobKindMultiviewToModel JobKind = "multiview_to_model"
)

// Valid reports whether k is one of the known job kinds
func (k JobKind) Valid() bool {
	switch k {
	case JobKindTextToModel, JobKindImageToModel, JobKindMultiviewToModel:
		return true
	}
	return false
}

// Job is one remote generation request and its tracked lifecycle
type Job struct {
	ID                        string           `json:"id"`
	Kind                      JobKind          `json:"kind,omitempty"`
	Status                    JobStatus        `json:"status,omitempty"`
	Progress                  int              `json:"progress"` // 0-100, advisory
	EstimatedRemainingSeconds *float64         `json:"estimated_remaining_seconds,omitempty"`
	CreatedAt                 time.Time        `json:"created_at"`
	UpdatedAt                 time.Time        `json:"updated_at"`
	InputSummary              string           `json:"input_summary,omitempty"`
	ResultArtifacts           *ResultArtifacts `json:"result_artifacts,omitempty"`
	LastError                 string           `json:"last_error,omitempty"`
	ImportedAt                *time.Time       `json:"imported_at,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the registry
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.EstimatedRemainingSeconds != nil {
		eta := *j.EstimatedRemainingSeconds
		c.EstimatedRemainingSeconds = &eta
	}
	if j.ResultArtifacts != nil {
		c.ResultArtifacts = j.ResultArtifacts.Clone()
	}
	if j.ImportedAt != nil {
		t := *j.ImportedAt
		c.ImportedAt = &t
	}
	return &c
}

// IsTerminal reports whether the job reached Success, Failed or Banned
func (j *Job) IsTerminal() bool {
	return IsTerminalState(j.Status)
}

// CompletedJob is what the polling engine hands to the import pipeline once
// the remote service reports success.
type CompletedJob struct {
	Job          *Job            `json:"job"`
	Artifacts    ResultArtifacts `json:"artifacts"`
	ModelVersion string          `json:"model_version,omitempty"`
}
