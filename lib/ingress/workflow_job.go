package ingress

import (
	"fmt"
	"time"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/githubapp"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
)

const defaultMaxAttempts = 5

// processWorkflowJob implements §4.1 step 6: derive a Job from a
// workflow_job delivery and drive its state machine forward.
func (h *Handler) processWorkflowJob(deliveryID string, payload []byte) error {
	event, err := githubapp.ParseWorkflowJob(deliveryID, "workflow_job", payload)
	if err != nil {
		return fmt.Errorf("ingress: %w", err)
	}
	if event == nil {
		return nil
	}

	jobID := fmt.Sprintf("%d-%d", event.RunID, event.JobID)

	switch event.Action {
	case "queued":
		return h.jobQueued(jobID, event)
	case "in_progress":
		return h.jobInProgress(jobID, event)
	case "completed":
		return h.jobCompleted(jobID, event)
	default:
		return nil
	}
}

func (h *Handler) jobQueued(jobID string, event *githubapp.WorkflowJobEvent) error {
	priority := computePriority(event.Repository, event.Labels)
	now := time.Now()

	job := &types.Job{
		JobID:          jobID,
		RunID:          fmt.Sprintf("%d", event.RunID),
		Repository:     event.Repository,
		Labels:         event.Labels,
		Priority:       priority,
		State:          types.JobPending,
		MaxAttempts:    defaultMaxAttempts,
		CreatedAt:      now,
		ScheduledRunAt: now,
	}

	inserted, err := h.store.Collection("jobs").AddIfAbsent(jobID, job)
	if err != nil {
		return fmt.Errorf("ingress: recording job %s: %w", jobID, err)
	}
	if !inserted {
		// Redelivered queued event for a job we already know about; not an
		// error, just nothing new to enqueue.
		return nil
	}

	if h.bus != nil {
		h.bus.JobState.Publish(bus.JobStateEvent{JobID: jobID, To: types.JobPending, At: now})
	}
	if h.queue != nil {
		if err := h.queue.Enqueue(job); err != nil {
			return fmt.Errorf("ingress: enqueueing job %s: %w", jobID, err)
		}
	}
	return nil
}

func (h *Handler) jobInProgress(jobID string, event *githubapp.WorkflowJobEvent) error {
	var job types.Job
	now := time.Now()
	var from types.JobState

	err := h.store.Collection("jobs").Mutate(jobID, &job, func(exists bool) error {
		if !exists {
			return store.ErrMutateAbort
		}
		from = job.State
		if !job.CanTransitionTo(types.JobRunning) {
			return store.ErrMutateAbort
		}
		job.State = types.JobRunning
		job.AssignedRunner = event.RunnerName
		job.StartedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("ingress: transitioning job %s to running: %w", jobID, err)
	}

	if h.bus != nil && from == types.JobAssigned {
		h.bus.JobState.Publish(bus.JobStateEvent{JobID: jobID, From: from, To: types.JobRunning, At: now})
		h.bus.RunnerState.Publish(bus.RunnerStateEvent{RunnerID: event.RunnerName, Pool: event.Repository, To: types.RunnerBusy, At: now})
	}
	return nil
}

func (h *Handler) jobCompleted(jobID string, event *githubapp.WorkflowJobEvent) error {
	next := conclusionToState(event.Conclusion)

	var job types.Job
	now := time.Now()
	var from types.JobState
	var assignedRunner string

	err := h.store.Collection("jobs").Mutate(jobID, &job, func(exists bool) error {
		if !exists {
			return store.ErrMutateAbort
		}
		from = job.State
		if !job.CanTransitionTo(next) {
			return store.ErrMutateAbort
		}
		job.State = next
		job.Conclusion = event.Conclusion
		assignedRunner = job.AssignedRunner
		return nil
	})
	if err != nil {
		return fmt.Errorf("ingress: transitioning job %s to %s: %w", jobID, next, err)
	}

	if h.bus != nil {
		h.bus.JobState.Publish(bus.JobStateEvent{JobID: jobID, From: from, To: next, At: now})
		if assignedRunner != "" {
			// Announces the runner's return to idle on the bus. Nothing
			// subscribes to RunnerState, so no container teardown follows
			// from this event.
			h.bus.RunnerState.Publish(bus.RunnerStateEvent{RunnerID: assignedRunner, Pool: event.Repository, To: types.RunnerIdle, At: now})
		}
	}
	return nil
}

func conclusionToState(conclusion string) types.JobState {
	switch conclusion {
	case "success":
		return types.JobCompleted
	case "cancelled":
		return types.JobCancelled
	default:
		return types.JobFailed
	}
}
