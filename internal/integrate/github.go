package integrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/parwave/parwave/internal/audit"
	"github.com/parwave/parwave/internal/config"
	"github.com/parwave/parwave/internal/task"
)

// githubIntegrator pushes task branches and drives pull requests through the
// gh CLI. Merging polls PR mergeability with a bounded number of attempts so
// required status checks can finish.
type githubIntegrator struct {
	repoRoot string
	cfg      config.Config
	logger   *audit.Logger
	// runGH executes a gh invocation; injectable for tests.
	runGH func(ctx context.Context, args ...string) (string, error)
}

// prStatus is the subset of gh pr view fields merging depends on.
type prStatus struct {
	State     string `json:"state"`
	Mergeable string `json:"mergeable"`
}

// Open commits the workspace, pushes the task branch, and opens a PR. The
// returned ref is the pull request URL.
func (gi *githubIntegrator) Open(ctx context.Context, tsk task.Task, workspacePath string, branch string) (string, error) {
	if err := commitWorkspace(workspacePath, CommitMessage(tsk)); err != nil {
		return "", fmt.Errorf("commit workspace for task %s: %w", tsk.ID, err)
	}
	if _, err := runGitIn(workspacePath, "push", "-u", gi.cfg.Integration.Remote, branch); err != nil {
		return "", fmt.Errorf("push branch %s: %w", branch, err)
	}

	args := []string{
		"pr", "create",
		"--head", branch,
		"--base", gi.cfg.Branches.Base,
		"--title", CommitMessage(tsk),
		"--body", prBody(tsk),
	}
	for _, label := range gi.cfg.Integration.Labels {
		args = append(args, "--label", label)
	}
	out, err := gi.runGH(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("create pull request for task %s: %w", tsk.ID, err)
	}
	ref := lastLine(out)
	if ref == "" {
		return "", fmt.Errorf("create pull request for task %s: gh returned no URL", tsk.ID)
	}

	if gi.logger != nil {
		_ = gi.logger.Log(audit.Entry{
			Event:  audit.EventIntegrationOpen,
			TaskID: tsk.ID,
			Fields: []audit.Field{{Key: "ref", Value: ref}, {Key: "mode", Value: config.IntegrationModeGitHub}},
		})
	}
	return ref, nil
}

// Merge waits for the PR to become mergeable, squash-merges it, and brings
// the local base branch up to date with the remote.
func (gi *githubIntegrator) Merge(ctx context.Context, tsk task.Task, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("integration ref for task %s is empty", tsk.ID)
	}

	status, err := gi.awaitMergeable(ctx, ref)
	if err != nil {
		return fmt.Errorf("await mergeable pull request %s: %w", ref, err)
	}
	if strings.EqualFold(status.Mergeable, "conflicting") {
		return &ConflictError{TaskID: tsk.ID, Detail: fmt.Sprintf("pull request %s has conflicts with %s", ref, gi.cfg.Branches.Base)}
	}

	if _, err := gi.runGH(ctx, "pr", "merge", ref, "--squash"); err != nil {
		return fmt.Errorf("merge pull request %s: %w", ref, err)
	}

	if _, err := runGitIn(gi.repoRoot, "fetch", gi.cfg.Integration.Remote, gi.cfg.Branches.Base); err != nil {
		return err
	}
	if _, err := runGitIn(gi.repoRoot, "merge", "--ff-only",
		fmt.Sprintf("%s/%s", gi.cfg.Integration.Remote, gi.cfg.Branches.Base)); err != nil {
		return fmt.Errorf("fast-forward %s after merge: %w", gi.cfg.Branches.Base, err)
	}

	if gi.logger != nil {
		_ = gi.logger.Log(audit.Entry{
			Event:  audit.EventIntegrationMerge,
			TaskID: tsk.ID,
			Fields: []audit.Field{{Key: "ref", Value: ref}},
		})
	}
	return nil
}

// Close withdraws an open pull request during rollback. Closing an already
// closed or merged PR is tolerated.
func (gi *githubIntegrator) Close(ctx context.Context, taskID string, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return nil
	}
	if _, err := gi.runGH(ctx, "pr", "close", ref, "--delete-branch"); err != nil {
		msg := strings.ToLower(err.Error())
		if !strings.Contains(msg, "already") && !strings.Contains(msg, "merged") {
			return fmt.Errorf("close pull request %s: %w", ref, err)
		}
	}
	if gi.logger != nil {
		_ = gi.logger.Log(audit.Entry{
			Event:  audit.EventIntegrationClose,
			TaskID: taskID,
			Fields: []audit.Field{{Key: "ref", Value: ref}},
		})
	}
	return nil
}

// awaitMergeable polls the PR until GitHub reports a merge decision or the
// attempt budget runs out. An open PR with unknown mergeability keeps polling.
func (gi *githubIntegrator) awaitMergeable(ctx context.Context, ref string) (prStatus, error) {
	var last prStatus
	for attempt := 1; attempt <= gi.cfg.Integration.PollAttempts; attempt++ {
		out, err := gi.runGH(ctx, "pr", "view", ref, "--json", "state,mergeable")
		if err != nil {
			return prStatus{}, err
		}
		if err := json.Unmarshal([]byte(out), &last); err != nil {
			return prStatus{}, fmt.Errorf("decode pr status: %w", err)
		}
		if !strings.EqualFold(last.State, "open") {
			return last, fmt.Errorf("pull request %s is %s", ref, strings.ToLower(last.State))
		}
		if strings.EqualFold(last.Mergeable, "mergeable") || strings.EqualFold(last.Mergeable, "conflicting") {
			return last, nil
		}
		select {
		case <-ctx.Done():
			return prStatus{}, ctx.Err()
		case <-time.After(gi.cfg.PollInterval()):
		}
	}
	return last, fmt.Errorf("pull request %s not mergeable after %d attempts", ref, gi.cfg.Integration.PollAttempts)
}

// prBody renders the PR description from the task definition.
func prBody(tsk task.Task) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(tsk.Description))
	if tsk.Target != "" {
		fmt.Fprintf(&sb, "\n\nTarget: %s", tsk.Target)
	}
	if len(tsk.DependsOn) > 0 {
		fmt.Fprintf(&sb, "\nDepends on: %s", strings.Join(tsk.DependsOn, ", "))
	}
	return sb.String()
}

// lastLine returns the final non-empty line of command output; gh prints the
// PR URL there.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// runGHCommand builds the default gh runner rooted at the repo.
func runGHCommand(repoRoot string) func(ctx context.Context, args ...string) (string, error) {
	return func(ctx context.Context, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, "gh", args...)
		cmd.Dir = repoRoot
		var stdout bytes.Buffer
		var stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("gh %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	}
}
