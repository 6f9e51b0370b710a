// Package containers implements C4: all interaction with the container
// runtime via the docker CLI, grounded on the teacher's
// lib/drivers/provider/docker driver (which shells out to `docker` through
// lib/util.RunAndLog rather than linking a Docker SDK).
package containers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v71/github"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/config"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
	"github.com/runnerhub/runnerhub/lib/util"
)

const (
	managedLabel    = "runnerhub.managed"
	persistentLabel = "runnerhub.persistent"
	poolLabel       = "runnerhub.pool"
	runnerIDLabel   = "runnerhub.runner_id"

	defaultWarmupTimeout = 90 * time.Second
	stopGrace            = 10 * time.Second
)

// TokenSource mints ephemeral GitHub runner registration tokens, and
// de-registers a runner GitHub still thinks exists. Implemented by
// lib/githubapp.Client; kept narrow so lib/containers doesn't need the
// whole client surface.
type TokenSource interface {
	CreateRunnerToken(ctx context.Context, owner, repo string) (*github.RegistrationToken, error)
	RemoveRunner(ctx context.Context, owner, repo string, runnerID int64) error
	ListRunners(ctx context.Context, owner, repo string) ([]*github.Runner, error)
}

// Manager owns provisioning, monitoring and cleanup of containers backing
// Runners, per §4.4.
type Manager struct {
	st     *store.Store
	bus    *bus.Bus
	tokens TokenSource
	cfg    config.Config

	org string
}

// New builds a Manager. cfg supplies the docker binary path, workspace
// root and the GitHub organization (GitHubOrg) runners register against;
// the image for each runner type is fixed in imageFor.
func New(st *store.Store, b *bus.Bus, tokens TokenSource, cfg config.Config) *Manager {
	return &Manager{st: st, bus: b, tokens: tokens, cfg: cfg, org: cfg.GitHubOrg}
}

func (m *Manager) runners() *store.Collection { return m.st.Collection("runners") }

// Get loads the runner record for runnerID, for callers outside this
// package (C5's pre-warmer needs the full Runner behind a claimed
// PrewarmedContainer).
func (m *Manager) Get(runnerID string) (*types.Runner, error) {
	var r types.Runner
	if err := m.runners().Get(runnerID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// imageFor maps a RunnerType to the docker image used to back it, per
// §4.4 step 1 ("Select image by type").
func imageFor(t types.RunnerType) string {
	switch t {
	case types.RunnerSmall:
		return "ghcr.io/runnerhub/actions-runner:small"
	case types.RunnerLarge:
		return "ghcr.io/runnerhub/actions-runner:large"
	default:
		return "ghcr.io/runnerhub/actions-runner:medium"
	}
}

// resourceLimitsFor returns the docker CPU/memory flags for t, per §4.4
// step 2 ("CPU shares = cores*1024; memory hard cap; no swap expansion").
// Memory caps are expressed in util.HumanSize and passed to docker as a
// raw byte count, which --memory accepts without a unit suffix.
func resourceLimitsFor(t types.RunnerType) []string {
	var cores int
	var mem util.HumanSize
	switch t {
	case types.RunnerSmall:
		cores, mem = 1, 2*util.GB
	case types.RunnerLarge:
		cores, mem = 8, 32*util.GB
	default:
		cores, mem = 2, 4*util.GB
	}
	memBytes := fmt.Sprintf("%d", mem.Bytes())
	return []string{
		"--cpu-shares", fmt.Sprintf("%d", cores*1024),
		"--memory", memBytes,
		"--memory-swap", memBytes, // equal to --memory disables swap expansion
	}
}

func containerName(runnerID string) string {
	return "runnerhub-" + strings.ReplaceAll(runnerID, ":", "")
}

func dockerErrIsMissingContainer(stderr string) bool {
	return strings.Contains(stderr, "No such container")
}

func (m *Manager) dockerPath() string {
	if m.cfg.DockerPath != "" {
		return m.cfg.DockerPath
	}
	return "docker"
}

func (m *Manager) warmupTimeout() time.Duration {
	if m.cfg.WarmupTimeout > 0 {
		return m.cfg.WarmupTimeout
	}
	return defaultWarmupTimeout
}
