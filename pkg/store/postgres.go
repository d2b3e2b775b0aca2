package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/psantana5/meshgen/pkg/models"
)

// PostgreSQLStore implements Store using PostgreSQL, for setups where several
// daemons share one job history.
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := newPostgreSQLStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newPostgreSQLStoreFromDB(db *sql.DB) (*PostgreSQLStore, error) {
	store := &PostgreSQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		eta_seconds DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		input_summary TEXT NOT NULL DEFAULT '',
		result_artifacts JSONB,
		last_error TEXT,
		imported_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_seq ON jobs(seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveJob inserts or updates a job
func (s *PostgreSQLStore) SaveJob(job *models.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			eta_seconds = EXCLUDED.eta_seconds,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			input_summary = EXCLUDED.input_summary,
			result_artifacts = EXCLUDED.result_artifacts,
			last_error = EXCLUDED.last_error,
			imported_at = EXCLUDED.imported_at
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *PostgreSQLStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns all jobs in insertion order
func (s *PostgreSQLStore) ListJobs() ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// HealthCheck pings the database
func (s *PostgreSQLStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum runs VACUUM ANALYZE on the jobs table
func (s *PostgreSQLStore) Vacuum() error {
	if _, err := s.db.Exec("VACUUM ANALYZE jobs"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}
