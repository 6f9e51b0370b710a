package types

import "time"

// PrewarmStatus is the lifecycle of a PrewarmedContainer.
type PrewarmStatus string

const (
	PrewarmWarming PrewarmStatus = "warming"
	PrewarmReady   PrewarmStatus = "ready"
	PrewarmClaimed PrewarmStatus = "claimed"
	PrewarmExpired PrewarmStatus = "expired"
)

// ContainerTemplate names an image and its label set, used both for
// pre-warming and for provisioning fresh runners.
type ContainerTemplate struct {
	Image  string   `json:"image"`
	Labels []string `json:"labels"`
}

// PrewarmedContainer is a ready-but-unclaimed runner template instance. A
// container with Status=ready is fully bootstrapped but not yet registered
// to a specific GitHub runner token.
type PrewarmedContainer struct {
	RunnerID        string            `json:"runner_id"`
	ContainerID     string            `json:"container_id"`
	Repository      string            `json:"repository"`
	Template        ContainerTemplate `json:"template"`
	Status          PrewarmStatus     `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	LastHealthCheck time.Time         `json:"last_health_check,omitempty"`
}
