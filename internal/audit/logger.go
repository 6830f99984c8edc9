// Package audit provides append-only audit logging for parwave runs.
//
// The audit log is the durable trail of every side effect a run performs:
// checkpoints, workspace lifecycle, task transitions, integrations, and
// rollbacks. It is written under the local state directory but deliberately
// survives rollback, so an unattended run that was unwound can still be
// reconstructed.
package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// localStateDirName is the relative path for transient parwave state.
	localStateDirName = "_parwave/_local-state"
	// logFileName is the filename used for audit logging.
	logFileName = "audit.log"
	logFileMode = 0o644
	logDirMode  = 0o755
)

// Event names recorded by the orchestrator and its collaborators.
const (
	EventCheckpointCreate = "checkpoint.create"
	EventWorkspaceCreate  = "workspace.create"
	EventWorkspaceDestroy = "workspace.destroy"
	EventBranchDelete     = "branch.delete"
	EventTaskTransition   = "task.transition"
	EventRunTransition    = "run.transition"
	EventExecTimeout      = "exec.timeout"
	EventIntegrationOpen  = "integration.open"
	EventIntegrationMerge = "integration.merge"
	EventIntegrationClose = "integration.close"
	EventRollbackStart    = "rollback.start"
	EventRollbackComplete = "rollback.complete"
)

// Logger appends audit entries to the run's audit log file.
type Logger struct {
	path     string
	warnings io.Writer
	now      func() time.Time
	mu       sync.Mutex
}

// Field is a single logfmt key/value pair.
type Field struct {
	Key   string
	Value string
}

// Entry is one audit record. TaskID is empty for run-level events.
type Entry struct {
	Event  string
	TaskID string
	Fields []Field
}

// NewLogger builds an audit logger rooted at the provided repo.
func NewLogger(repoRoot string, warnings io.Writer) (*Logger, error) {
	if repoRoot == "" {
		return nil, errors.New("repo root is required")
	}
	if warnings == nil {
		warnings = os.Stderr
	}
	return &Logger{
		path:     filepath.Join(repoRoot, filepath.FromSlash(localStateDirName), logFileName),
		warnings: warnings,
		now:      time.Now,
	}, nil
}

// Log appends a single entry to the audit log.
func (logger *Logger) Log(entry Entry) error {
	if logger == nil {
		return errors.New("audit logger is nil")
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()

	line, err := logger.formatEntry(entry)
	if err != nil {
		logger.warnf("audit entry rejected: %v", err)
		return err
	}
	if err := logger.appendLine(line); err != nil {
		logger.warnf("audit write failed for %s: %v", logger.path, err)
		return err
	}
	return nil
}

// LogTaskTransition records a task lifecycle change.
func (logger *Logger) LogTaskTransition(taskID string, from string, to string) error {
	if from == "" || to == "" {
		return errors.New("task transition requires from and to states")
	}
	return logger.Log(Entry{
		Event:  EventTaskTransition,
		TaskID: taskID,
		Fields: []Field{
			{Key: "from", Value: from},
			{Key: "to", Value: to},
		},
	})
}

// LogRunTransition records a run lifecycle change.
func (logger *Logger) LogRunTransition(runID string, from string, to string) error {
	if from == "" || to == "" {
		return errors.New("run transition requires from and to states")
	}
	return logger.Log(Entry{
		Event: EventRunTransition,
		Fields: []Field{
			{Key: "run_id", Value: runID},
			{Key: "from", Value: from},
			{Key: "to", Value: to},
		},
	})
}

// LogWorkspaceCreate records workspace materialization.
func (logger *Logger) LogWorkspaceCreate(taskID string, path string, branch string) error {
	return logger.Log(Entry{
		Event:  EventWorkspaceCreate,
		TaskID: taskID,
		Fields: []Field{
			{Key: "path", Value: path},
			{Key: "branch", Value: branch},
		},
	})
}

// LogWorkspaceDestroy records workspace teardown.
func (logger *Logger) LogWorkspaceDestroy(taskID string, path string, branchDeleted bool) error {
	return logger.Log(Entry{
		Event:  EventWorkspaceDestroy,
		TaskID: taskID,
		Fields: []Field{
			{Key: "path", Value: path},
			{Key: "branch_deleted", Value: fmt.Sprintf("%t", branchDeleted)},
		},
	})
}

// LogExecTimeout records a task process killed on timeout.
func (logger *Logger) LogExecTimeout(taskID string, timeoutSecs int) error {
	return logger.Log(Entry{
		Event:  EventExecTimeout,
		TaskID: taskID,
		Fields: []Field{
			{Key: "timeout_seconds", Value: fmt.Sprintf("%d", timeoutSecs)},
		},
	})
}

// formatEntry renders an entry as a single logfmt line.
func (logger *Logger) formatEntry(entry Entry) (string, error) {
	if entry.Event == "" {
		return "", errors.New("event is required")
	}
	now := logger.now
	if now == nil {
		now = time.Now
	}

	fields := []string{formatField("ts", now().UTC().Format(time.RFC3339))}
	fields = append(fields, formatField("event", entry.Event))
	if entry.TaskID != "" {
		fields = append(fields, formatField("task_id", entry.TaskID))
	}
	for _, field := range entry.Fields {
		if field.Value == "" {
			continue
		}
		if field.Key == "" {
			return "", errors.New("field key is required")
		}
		fields = append(fields, formatField(field.Key, field.Value))
	}
	return strings.Join(fields, " "), nil
}

// formatField encodes a logfmt key/value pair, quoting when needed.
func formatField(key string, value string) string {
	value = strings.ReplaceAll(value, "\n", `\n`)
	value = strings.ReplaceAll(value, "\r", `\r`)
	if needsQuoting(value) {
		escaped := strings.ReplaceAll(value, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return fmt.Sprintf(`%s="%s"`, key, escaped)
	}
	return fmt.Sprintf("%s=%s", key, value)
}

// needsQuoting reports whether the value needs logfmt quoting.
func needsQuoting(value string) bool {
	if value == "" {
		return true
	}
	return strings.ContainsAny(value, " \t\n=\"")
}

// appendLine writes the entry to the audit log file.
func (logger *Logger) appendLine(line string) error {
	if err := os.MkdirAll(filepath.Dir(logger.path), logDirMode); err != nil {
		return fmt.Errorf("create audit log directory %s: %w", filepath.Dir(logger.path), err)
	}
	file, err := os.OpenFile(logger.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFileMode)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", logger.path, err)
	}
	if _, err := file.WriteString(line + "\n"); err != nil {
		_ = file.Close()
		return fmt.Errorf("write audit log %s: %w", logger.path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close audit log %s: %w", logger.path, err)
	}
	return nil
}

// warnf writes a warning message to the configured warnings writer.
func (logger *Logger) warnf(format string, args ...any) {
	if logger == nil || logger.warnings == nil {
		return
	}
	_, _ = fmt.Fprintf(logger.warnings, format+"\n", args...)
}
