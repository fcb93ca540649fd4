package domain

import (
	"time"
)

type JobState string

const (
	JobStateSubmitted JobState = "submitted"
	JobStatePolling   JobState = "polling"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateTimedOut  JobState = "timed_out"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateTimedOut:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[JobState][]JobState{
	JobStateSubmitted: {JobStatePolling, JobStateCompleted, JobStateFailed, JobStateTimedOut},
	JobStatePolling:   {JobStatePolling, JobStateCompleted, JobStateFailed, JobStateTimedOut},
}

// Job is one unit of work submitted to a provider.
type Job struct {
	ID            string     `json:"job_id"`
	GenerationID  string     `json:"generation_id"`
	UserID        string     `json:"user_id"`
	Feature       string     `json:"feature"`
	Provider      string     `json:"provider"`
	ExternalJobID string     `json:"external_job_id,omitempty"`
	State         JobState   `json:"state"`
	Attempts      int        `json:"attempts"`
	Outputs       []string   `json:"outputs,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	TerminalAt    *time.Time `json:"terminal_at,omitempty"`
}

func (j *Job) Terminal() bool {
	return j.State.Terminal()
}

// Transition moves the job to state. Terminal states are final.
func (j *Job) Transition(to JobState, now time.Time) error {
	if j.State.Terminal() {
		return ErrJobTerminal
	}
	allowed := false
	for _, next := range allowedTransitions[j.State] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidTransition
	}

	j.State = to
	j.UpdatedAt = now
	if to.Terminal() {
		at := now
		j.TerminalAt = &at
	}
	return nil
}

// Complete applies a terminal outcome.
func (j *Job) Complete(outcome Outcome, now time.Time) error {
	if !outcome.Terminal {
		return ErrInvalidTransition
	}
	if outcome.Succeeded() {
		if err := j.Transition(JobStateCompleted, now); err != nil {
			return err
		}
		j.Outputs = append([]string(nil), outcome.Outputs...)
		return nil
	}
	if err := j.Transition(JobStateFailed, now); err != nil {
		return err
	}
	j.FailureReason = outcome.FailureReason
	return nil
}

// Snapshot returns a copy safe to hand to other goroutines.
func (j *Job) Snapshot() Job {
	out := *j
	out.Outputs = append([]string(nil), j.Outputs...)
	if j.TerminalAt != nil {
		at := *j.TerminalAt
		out.TerminalAt = &at
	}
	return out
}
