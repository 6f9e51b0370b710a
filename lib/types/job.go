package types

import "time"

// JobState is the dispatch lifecycle of a Job, per spec.md §3/§8 property 1:
// pending -> assigned -> running -> {completed|failed|cancelled}, or
// pending -> dead; assigned -> pending only on reservation-lease expiry.
type JobState string

const (
	JobPending   JobState = "pending"
	JobAssigned  JobState = "assigned"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
	JobDead      JobState = "dead"
)

// Job is a unit of work dispatchable to a runner.
type Job struct {
	JobID          string    `json:"job_id"`
	RunID          string    `json:"run_id"`
	Repository     string    `json:"repository"`
	Workflow       string    `json:"workflow"`
	Labels         []string  `json:"labels"`
	Priority       int       `json:"priority"`
	State          JobState  `json:"state"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	CreatedAt      time.Time `json:"created_at"`
	ScheduledRunAt time.Time `json:"scheduled_run_at"`
	AssignedRunner string    `json:"assigned_runner,omitempty"`
	AssignedWorker string    `json:"assigned_worker,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	Conclusion     string    `json:"conclusion,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	DelegationID   string    `json:"delegation_id,omitempty"`
}

// CanTransitionTo reports whether moving from j.State to next is legal
// under the state machine in spec.md §3/§8.
func (j *Job) CanTransitionTo(next JobState) bool {
	switch j.State {
	case JobPending:
		return next == JobAssigned || next == JobDead
	case JobAssigned:
		return next == JobRunning || next == JobPending
	case JobRunning:
		return next == JobCompleted || next == JobFailed || next == JobCancelled
	default:
		return false
	}
}

// IsTerminal reports whether State is one the Job never leaves.
func (j *Job) IsTerminal() bool {
	switch j.State {
	case JobCompleted, JobFailed, JobCancelled, JobDead:
		return true
	default:
		return false
	}
}
