package util

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/runnerhub/runnerhub/lib/log"
)

// RunAndLog runs path with arg under a timeout, logging stdout/stderr at
// debug level under the given section tag, and returns the captured output.
func RunAndLog(section string, timeout time.Duration, stdin io.Reader, path string, arg ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, arg...)

	logger := log.WithFunc(section, "RunAndLog")
	logger.Debug("Executing", "cmd", cmd.Path, "args", strings.Join(cmd.Args[1:], " "))
	if stdin != nil {
		cmd.Stdin = stdin
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	stdoutString := strings.TrimSpace(stdout.String())
	stderrString := strings.TrimSpace(stderr.String())

	if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%s: command timed out", section)
	} else if _, ok := err.(*exec.ExitError); ok {
		message := stderrString
		if message == "" {
			message = stdoutString
		}
		err = fmt.Errorf("%s: command exited with error: %w: %s", section, err, message)
	}

	if len(stdoutString) > 0 {
		logger.Debug("stdout", "stdout", stdoutString)
	}
	if len(stderrString) > 0 {
		logger.Debug("stderr", "stderr", stderrString)
	}

	// Normalize to Unix line endings regardless of the host platform.
	returnStdout := strings.ReplaceAll(stdout.String(), "\r\n", "\n")
	returnStderr := strings.ReplaceAll(stderr.String(), "\r\n", "\n")

	return returnStdout, returnStderr, err
}

// RunAndLogRetry retries RunAndLog up to retry times with a linear backoff,
// accumulating the output of every attempt for diagnostics.
func RunAndLogRetry(section string, retry int, timeout time.Duration, stdin io.Reader, path string, arg ...string) (stdout string, stderr string, err error) {
	counter := 0
	for {
		counter++
		rout, rerr, err := RunAndLog(section, timeout, stdin, path, arg...)
		stdout += fmt.Sprintf("\n--- %s: command execution attempt %d ---\n", section, counter)
		stdout += rout
		stderr += fmt.Sprintf("\n--- %s: command execution attempt %d ---\n", section, counter)
		stderr += rerr
		if err != nil && counter <= retry {
			time.Sleep(time.Duration(counter) * time.Second)
			continue
		}
		return stdout, stderr, err
	}
}
