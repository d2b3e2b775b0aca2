package models

import (
	"fmt"
	"strings"
)

// JobStatus represents the status of a job
type JobStatus string

// Job states as reported by the remote service
const (
	JobStatusQueued  JobStatus = "queued"  // accepted, waiting for capacity
	JobStatusRunning JobStatus = "running" // generation in progress
	JobStatusSuccess JobStatus = "success" // artifacts available
	JobStatusFailed  JobStatus = "failed"  // generation failed permanently
	JobStatusBanned  JobStatus = "banned"  // rejected by content policy

	// JobStatusUnknown is never stored on a Job. It marks a status response
	// whose raw value is outside the known set.
	JobStatusUnknown JobStatus = "unknown"
)

// validTransitions maps from-state to allowed to-states.
// The empty state is a job that has not been observed yet.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	"": {
		JobStatusQueued:  true,
		JobStatusRunning: true,
		JobStatusSuccess: true,
		JobStatusFailed:  true,
		JobStatusBanned:  true,
	},
	JobStatusQueued: {
		JobStatusQueued:  true,
		JobStatusRunning: true, // Queued → Running (picked up)
		JobStatusSuccess: true,
		JobStatusFailed:  true,
		JobStatusBanned:  true,
	},
	JobStatusRunning: {
		JobStatusRunning: true,
		JobStatusQueued:  true, // Running → Queued (service re-queued the job)
		JobStatusSuccess: true,
		JobStatusFailed:  true,
		JobStatusBanned:  true,
	},
	// Terminal states (no transitions allowed)
	JobStatusSuccess: {},
	JobStatusFailed:  {},
	JobStatusBanned:  {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusSuccess || state == JobStatusFailed || state == JobStatusBanned
}

// ParseJobStatus maps a raw status string onto the known set.
// "completed" is an older spelling of success. Anything unrecognized,
// including "expired" and "cancelled", maps to JobStatusUnknown.
func ParseJobStatus(raw string) JobStatus {
	switch s := JobStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case "completed":
		return JobStatusSuccess
	case JobStatusQueued, JobStatusRunning, JobStatusSuccess, JobStatusFailed, JobStatusBanned:
		return s
	default:
		return JobStatusUnknown
	}
}
