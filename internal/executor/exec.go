package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/parwave/parwave/internal/repo"
)

const (
	logFileMode = 0o644
	logDirMode  = 0o755

	// killGracePeriod bounds how long Wait blocks after the process group
	// is killed, in case a grandchild holds the output pipes open.
	killGracePeriod = 5 * time.Second
)

// procSpec defines one child process invocation inside a workspace.
type procSpec struct {
	Command []string
	Dir     string
	TaskID  string
	// Label distinguishes log files for the same task: "apply", "verify-1", "verify-2".
	Label   string
	Timeout time.Duration
	// OnStart receives the child pid once the process is running.
	OnStart func(pid int)
}

// procResult captures the observable outcome of one child process.
type procResult struct {
	ExitCode   int
	TimedOut   bool
	Stdout     string
	StdoutPath string
	StderrPath string
	Duration   time.Duration
}

// runProcess executes the spec's command with its own process group, a hard
// timeout, and stdout/stderr captured to per-task log files. Stdout is also
// buffered in memory for pass-pattern matching. On timeout the entire process
// group is killed so orphaned grandchildren cannot outlive the task.
func runProcess(ctx context.Context, repoRoot string, spec procSpec) (procResult, error) {
	if len(spec.Command) == 0 {
		return procResult{}, errors.New("command is required")
	}
	if strings.TrimSpace(spec.Dir) == "" {
		return procResult{}, errors.New("work directory is required")
	}
	if spec.Timeout <= 0 {
		return procResult{}, errors.New("timeout must be positive")
	}

	logsDir := repo.LogsPath(repoRoot)
	if err := os.MkdirAll(logsDir, logDirMode); err != nil {
		return procResult{}, fmt.Errorf("create logs directory %s: %w", logsDir, err)
	}
	stdoutPath := filepath.Join(logsDir, fmt.Sprintf("%s-%s-stdout.log", spec.TaskID, spec.Label))
	stderrPath := filepath.Join(logsDir, fmt.Sprintf("%s-%s-stderr.log", spec.TaskID, spec.Label))

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, logFileMode)
	if err != nil {
		return procResult{}, fmt.Errorf("create stdout log %s: %w", stdoutPath, err)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, logFileMode)
	if err != nil {
		return procResult{}, fmt.Errorf("create stderr log %s: %w", stderrPath, err)
	}
	defer stderrFile.Close()

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	var stdoutBuf bytes.Buffer
	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdout = io.MultiWriter(stdoutFile, &stdoutBuf)
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killGracePeriod

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return procResult{}, fmt.Errorf("start %s process for task %s: %w", spec.Label, spec.TaskID, err)
	}
	if spec.OnStart != nil {
		spec.OnStart(cmd.Process.Pid)
	}

	waitErr := cmd.Wait()
	result := procResult{
		Stdout:     stdoutBuf.String(),
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		Duration:   time.Since(start),
	}

	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case runCtx.Err() != nil:
		result.TimedOut = true
		result.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return procResult{}, fmt.Errorf("run %s process for task %s: %w", spec.Label, spec.TaskID, waitErr)
		}
	}
	return result, nil
}
