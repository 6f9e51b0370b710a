package githubapp

import (
	"fmt"

	"github.com/google/go-github/v71/github"
)

// WorkflowJobEvent is the subset of github.WorkflowJobEvent ingress cares
// about, decoupling C1 from the go-github event type directly.
type WorkflowJobEvent struct {
	DeliveryID string
	Action     string
	Repository string
	RunID      int64
	JobID      int64
	Labels     []string
	Status     string
	Conclusion string
	RunnerID   int64
	RunnerName string
}

// ValidateSignature checks payload against the X-Hub-Signature-256 header
// using secret, the same helper the teacher's gate driver calls before
// trusting webhook content.
func ValidateSignature(signature string, payload []byte, secret []byte) error {
	return github.ValidateSignature(signature, payload, secret)
}

// ParseWorkflowJob parses a raw webhook payload of the given eventType
// (the X-GitHub-Event header value) and extracts its workflow_job fields.
// It returns (nil, nil) for any event type other than "workflow_job" so
// callers can skip events they don't act on without treating them as
// errors.
func ParseWorkflowJob(deliveryID, eventType string, payload []byte) (*WorkflowJobEvent, error) {
	if eventType != "workflow_job" {
		return nil, nil
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("githubapp: parsing webhook payload: %w", err)
	}
	wje, ok := event.(*github.WorkflowJobEvent)
	if !ok {
		return nil, fmt.Errorf("githubapp: unexpected event type for workflow_job")
	}

	repo := wje.GetRepo()
	if repo == nil {
		return nil, fmt.Errorf("githubapp: workflow_job event has no repository")
	}
	job := wje.GetWorkflowJob()
	if job == nil {
		return nil, fmt.Errorf("githubapp: workflow_job event has no job payload")
	}

	return &WorkflowJobEvent{
		DeliveryID: deliveryID,
		Action:     wje.GetAction(),
		Repository: repo.GetFullName(),
		RunID:      job.GetRunID(),
		JobID:      job.GetID(),
		Labels:     job.Labels,
		Status:     job.GetStatus(),
		Conclusion: job.GetConclusion(),
		RunnerID:   job.GetRunnerID(),
		RunnerName: job.GetRunnerName(),
	}, nil
}
