package containers

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alessio/shellescape"
)

// securityArgs returns the docker run flags implementing §4.4 step 2's
// security policy: capability drop, no-new-privileges, read-only root
// filesystem except /tmp and the work dir, isolated network, seccomp
// default profile.
func securityArgs(networkName, workDir string) []string {
	return []string{
		"--cap-drop", "ALL",
		"--cap-add", "CHOWN",
		"--cap-add", "DAC_OVERRIDE",
		"--cap-add", "SETGID",
		"--cap-add", "SETUID",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=default",
		"--read-only",
		"--tmpfs", "/tmp",
		"-v", workDir + ":/home/runner/_work",
		"--network", networkName,
	}
}

// envFileFor writes the ephemeral runner's registration environment to a
// file under workspacePath, one KEY=value per line, each value shell-quoted
// so a label or token containing spaces or shell metacharacters can't
// corrupt the file. Grounded on the teacher's envCreate, generalized from
// metadata key/value pairs to the fixed runner-registration fields.
func envFileFor(workspacePath, runnerID string, env map[string]string) (string, error) {
	dir := filepath.Join(workspacePath, runnerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("containers: create env dir %q: %w", dir, err)
	}

	path := filepath.Join(dir, ".env")
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("containers: create env file %q: %w", path, err)
	}
	defer fd.Close()

	for key, value := range env {
		line := fmt.Sprintf("%s=%s\n", key, shellescape.Quote(value))
		if _, err := fd.WriteString(line); err != nil {
			return "", fmt.Errorf("containers: write env file %q: %w", path, err)
		}
	}

	return path, nil
}

func workDirFor(workspacePath, runnerID string) string {
	return filepath.Join(workspacePath, runnerID, "work")
}
