package containers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hpcloud/tail"

	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/types"
	"github.com/runnerhub/runnerhub/lib/util"
)

// registeredMarker is the line the actions-runner entrypoint prints once
// it has registered with GitHub and started polling for jobs.
const registeredMarker = "Listening for Jobs"

func splitRepo(repository string) (owner, repo string, err error) {
	parts := strings.SplitN(repository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("containers: repository %q is not in owner/repo form", repository)
	}
	return parts[0], parts[1], nil
}

// Provision implements §4.4 `provision(type, labels, pool) → Runner`: mints
// a registration token, starts a container with the resource and security
// policy applied, waits for it to register with GitHub, and returns a
// Runner in state=idle for the caller to record. On any failure past
// container start, the container is destroyed and the error returned — no
// half-registered Runner is ever returned.
func (m *Manager) Provision(pool string, runnerType types.RunnerType, labels []string) (*types.Runner, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.warmupTimeout()+30*time.Second)
	defer cancel()

	owner, repo, err := splitRepo(pool)
	if err != nil {
		return nil, err
	}

	logger := log.WithFunc("containers", "Provision").With("pool", pool, "type", runnerType)

	tok, err := m.tokens.CreateRunnerToken(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("containers: provision %s: %w", pool, err)
	}

	runnerID := uuid.NewString()
	cName := containerName(runnerID)
	workDir := workDirFor(m.cfg.WorkspacePath, runnerID)

	envPath, err := envFileFor(m.cfg.WorkspacePath, runnerID, map[string]string{
		"RUNNER_NAME":      cName,
		"RUNNER_TOKEN":     tok.GetToken(),
		"RUNNER_REPO":      fmt.Sprintf("https://github.com/%s", pool),
		"RUNNER_LABELS":    strings.Join(labels, ","),
		"RUNNER_WORKDIR":   "/home/runner/_work",
		"RUNNER_EPHEMERAL": "true",
	})
	if err != nil {
		return nil, fmt.Errorf("containers: provision %s: %w", pool, err)
	}

	args := []string{"run", "-d",
		"--name", cName,
		"--label", managedLabel + "=true",
		"--label", poolLabel + "=" + pool,
		"--label", runnerIDLabel + "=" + runnerID,
		"--env-file", envPath,
	}
	args = append(args, resourceLimitsFor(runnerType)...)
	args = append(args, securityArgs(m.cfg.NetworkName, workDir)...)
	args = append(args, imageFor(runnerType))

	if _, _, err := util.RunAndLog("CONTAINERS", 30*time.Second, nil, m.dockerPath(), args...); err != nil {
		return nil, fmt.Errorf("containers: start container for %s: %w", pool, err)
	}

	containerID, err := m.inspectID(cName)
	if err != nil {
		m.destroy(cName)
		return nil, fmt.Errorf("containers: provision %s: %w", pool, err)
	}

	warmupStart := time.Now()
	regCtx, regCancel := context.WithTimeout(ctx, m.warmupTimeout())
	defer regCancel()
	if err := m.waitForRegistration(regCtx, cName, runnerID); err != nil {
		logger.Error("runner failed to register within warmup timeout", "container", cName, "err", err)
		m.destroy(cName)
		return nil, fmt.Errorf("containers: provision %s: %w", pool, err)
	}

	r := &types.Runner{
		RunnerID:        runnerID,
		Pool:            pool,
		ContainerID:     containerID,
		Labels:          labels,
		State:           types.RunnerIdle,
		Type:            runnerType,
		Lifecycle:       types.LifecycleOnDemand,
		CreatedAt:       time.Now(),
		WarmupStartedAt: warmupStart,
		RegisteredAt:    time.Now(),
	}

	logger.Info("provisioned runner", "runner_id", runnerID, "container_id", containerID)
	return r, nil
}

func (m *Manager) inspectID(cName string) (string, error) {
	stdout, _, err := util.RunAndLog("CONTAINERS", 5*time.Second, nil, m.dockerPath(), "inspect", "--format", "{{ .Id }}", cName)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", cName, err)
	}
	return strings.TrimSpace(stdout), nil
}

// waitForRegistration tails the container's captured log for the
// actions-runner's "Listening for Jobs" marker, per §4.4 step 4, grounded
// on the teacher's vmx log-monitoring pattern (docker logs -f piped to a
// file, tailed with hpcloud/tail). Falls back to the exec-based
// `checkRegistered` poll if the log file can't be captured at all.
func (m *Manager) waitForRegistration(ctx context.Context, cName, runnerID string) error {
	logPath := filepath.Join(m.cfg.WorkspacePath, runnerID, "container.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return m.pollForRegistration(ctx, cName)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return m.pollForRegistration(ctx, cName)
	}
	defer logFile.Close()

	logsCmd := exec.CommandContext(ctx, m.dockerPath(), "logs", "-f", cName)
	logsCmd.Stdout = logFile
	if err := logsCmd.Start(); err != nil {
		return m.pollForRegistration(ctx, cName)
	}
	go func() { _ = logsCmd.Wait() }()

	t, err := tail.TailFile(logPath, tail.Config{
		Location: &tail.SeekInfo{Offset: 0, Whence: 0},
		Follow:   true,
		Poll:     true,
	})
	if err != nil {
		return m.pollForRegistration(ctx, cName)
	}
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for runner registration")
		case line, ok := <-t.Lines:
			if !ok {
				return fmt.Errorf("registration log stream closed before %q observed", registeredMarker)
			}
			if strings.Contains(line.Text, registeredMarker) {
				return nil
			}
		}
	}
}

// pollForRegistration is the exec-probe fallback for waitForRegistration
// when the container's log can't be captured to a file.
func (m *Manager) pollForRegistration(ctx context.Context, cName string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		if m.checkRegistered(cName) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for runner registration")
		case <-ticker.C:
		}
	}
}

func (m *Manager) checkRegistered(cName string) bool {
	_, _, err := util.RunAndLog("CONTAINERS", 5*time.Second, nil, m.dockerPath(),
		"exec", cName, "test", "-f", "/actions-runner/.runner")
	return err == nil
}
