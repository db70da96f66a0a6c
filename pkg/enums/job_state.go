package enums

import "fmt"

// JobState maps to the job_state_enum type in Postgres.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

var validJobStates = []JobState{
	JobStatePending,
	JobStateActive,
	JobStateCompleted,
	JobStateFailed,
}

// IsValid reports whether the value matches the canonical job state enum.
func (s JobState) IsValid() bool {
	for _, candidate := range validJobStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// Claimable reports whether a job in this state may be leased once visible.
func (s JobState) Claimable() bool {
	return s == JobStatePending || s == JobStateActive
}

// ParseJobState converts raw input into JobState.
func ParseJobState(value string) (JobState, error) {
	for _, candidate := range validJobStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid job state %q", value)
}
