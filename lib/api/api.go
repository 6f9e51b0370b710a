// Package api implements the Control API surface of spec.md §6: an
// authenticated HTTP interface over the job queue, runner pools, cleanup
// policies and HA status, plus the GitHub webhook ingress route.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/runnerhub/runnerhub/lib/containers"
	"github.com/runnerhub/runnerhub/lib/ha"
	"github.com/runnerhub/runnerhub/lib/types"
)

// PoolsAPI is the slice of lib/pool.Manager the Control API needs. Kept
// narrow so handlers can be exercised against a stub, the same idiom
// lib/autoscaler uses for PoolScaler.
type PoolsAPI interface {
	GetOrCreatePool(repo string) (types.RunnerPool, error)
	UpdatePool(repo string, cfg types.RunnerPool) error
	PoolStats(repo string) (current, busy int, err error)
	ListRunners(repo string) ([]types.Runner, error)
	Repositories() ([]string, error)
	Scale(repo string, delta int) error
}

// CleanupAPI is the slice of lib/containers.Manager the Control API needs.
type CleanupAPI interface {
	PolicyFor(repo string) (containers.CleanupPolicy, error)
	SetPolicy(repo string, policy containers.CleanupPolicy) error
	Policies() (map[string]containers.CleanupPolicy, error)
	Cleanup(defaultPolicy containers.CleanupPolicy) error
}

// Enqueuer hands a durably-written Job to C2's queue, same narrow shape
// lib/ingress depends on.
type Enqueuer interface {
	Enqueue(job *types.Job) error
}

// HACoordinator reports this node's current leadership, backing
// `GET /api/system/ha/status`.
type HACoordinator interface {
	CurrentStatus() (ha.Status, error)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
