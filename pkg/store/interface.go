package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/meshgen/pkg/models"
)

// Store persists job entries so a registry can be restored across sessions
type Store interface {
	// SaveJob inserts or updates a job, keeping its original insertion order
	SaveJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	// ListJobs returns every job in insertion order
	ListJobs() ([]*models.Job, error)
	HealthCheck() error
	Vacuum() error
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SQLite specific
	Path string
}

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "meshgen.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabase, config.Type)
	}
}

// jobRow holds the nullable columns shared by the SQL stores
type jobRow struct {
	id           string
	kind         string
	status       string
	progress     int
	eta          sql.NullFloat64
	createdAt    time.Time
	updatedAt    time.Time
	inputSummary string
	artifacts    sql.NullString
	lastError    sql.NullString
	importedAt   sql.NullTime
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const jobColumns = `id, kind, status, progress, eta_seconds, created_at, updated_at,
	input_summary, result_artifacts, last_error, imported_at`

func scanJob(s rowScanner) (*models.Job, error) {
	var r jobRow
	if err := s.Scan(&r.id, &r.kind, &r.status, &r.progress, &r.eta, &r.createdAt, &r.updatedAt,
		&r.inputSummary, &r.artifacts, &r.lastError, &r.importedAt); err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:           r.id,
		Kind:         models.JobKind(r.kind),
		Status:       models.JobStatus(r.status),
		Progress:     r.progress,
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
		InputSummary: r.inputSummary,
		LastError:    r.lastError.String,
	}
	if r.eta.Valid {
		eta := r.eta.Float64
		job.EstimatedRemainingSeconds = &eta
	}
	if r.artifacts.Valid && r.artifacts.String != "" {
		var a models.ResultArtifacts
		if err := json.Unmarshal([]byte(r.artifacts.String), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result_artifacts for job %s: %w", r.id, err)
		}
		job.ResultArtifacts = &a
	}
	if r.importedAt.Valid {
		t := r.importedAt.Time
		job.ImportedAt = &t
	}
	return job, nil
}

// jobArgs returns the column values in jobColumns order
func jobArgs(job *models.Job) ([]interface{}, error) {
	var eta sql.NullFloat64
	if job.EstimatedRemainingSeconds != nil {
		eta = sql.NullFloat64{Float64: *job.EstimatedRemainingSeconds, Valid: true}
	}

	var artifacts sql.NullString
	if job.ResultArtifacts != nil {
		data, err := json.Marshal(job.ResultArtifacts)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result_artifacts: %w", err)
		}
		artifacts = sql.NullString{String: string(data), Valid: true}
	}

	var importedAt sql.NullTime
	if job.ImportedAt != nil {
		importedAt = sql.NullTime{Time: *job.ImportedAt, Valid: true}
	}

	return []interface{}{
		job.ID, string(job.Kind), string(job.Status), job.Progress, eta,
		job.CreatedAt, job.UpdatedAt, job.InputSummary, artifacts,
		sql.NullString{String: job.LastError, Valid: job.LastError != ""}, importedAt,
	}, nil
}
