// Package gitsync runs git pull/commit/push around task execution and
// provides the status summary shown in session headers. All failures are
// surfaced as *SyncError and treated as non-fatal by callers.
package gitsync

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// commandTimeout bounds individual git invocations so a wedged remote
// cannot stall the task worker indefinitely.
const commandTimeout = 30 * time.Second

// SyncError carries the failing git command and its captured output.
type SyncError struct {
	Op     string
	Dir    string
	Output string
	Err    error
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("git %s in %s failed: %v", e.Op, e.Dir, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// Summary describes a working tree for display.
type Summary struct {
	IsRepo      bool
	Branch      string
	Uncommitted int
}

func (s Summary) String() string {
	if !s.IsRepo {
		return "not a git repo"
	}
	if s.Uncommitted == 0 {
		return fmt.Sprintf("on %s (clean)", s.Branch)
	}
	return fmt.Sprintf("on %s (%d uncommitted)", s.Branch, s.Uncommitted)
}

// Helper executes git commands in task working directories.
type Helper struct {
	gitPath string
}

func NewHelper() *Helper {
	return &Helper{gitPath: "git"}
}

// Pull runs `git pull` in dir. A merge conflict or non-zero exit returns a
// *SyncError with the captured output; callers log it and proceed with the
// task anyway.
func (h *Helper) Pull(ctx context.Context, dir string) (string, error) {
	return h.run(ctx, dir, "pull")
}

// Push stages all changes, commits with message (a default is used when
// empty), and pushes the current branch. Nothing to commit is a no-op
// success, not a failure.
func (h *Helper) Push(ctx context.Context, dir, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		message = "Update from agent task"
	}

	if out, err := h.run(ctx, dir, "add", "-A"); err != nil {
		return out, err
	}

	out, err := h.run(ctx, dir, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(out, "nothing added to commit") {
			return "nothing to commit", nil
		}
		return out, err
	}

	return h.run(ctx, dir, "push")
}

// Status reports the branch and dirty-file count for dir.
func (h *Helper) Status(ctx context.Context, dir string) (Summary, error) {
	if _, err := h.run(ctx, dir, "rev-parse", "--git-dir"); err != nil {
		return Summary{IsRepo: false}, nil
	}

	branch, err := h.run(ctx, dir, "branch", "--show-current")
	if err != nil {
		return Summary{IsRepo: true}, err
	}
	branch = strings.TrimSpace(branch)
	if branch == "" {
		branch = "detached HEAD"
	}

	porcelain, err := h.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return Summary{IsRepo: true, Branch: branch}, err
	}
	count := 0
	if s := strings.TrimSpace(porcelain); s != "" {
		count = len(strings.Split(s, "\n"))
	}
	return Summary{IsRepo: true, Branch: branch, Uncommitted: count}, nil
}

// Run executes an arbitrary git command for the /git passthrough. Output is
// returned as-is; callers truncate for display.
func (h *Helper) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return h.run(ctx, dir, args...)
}

func (h *Helper) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.gitPath, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	output := string(out)
	if err != nil {
		return output, &SyncError{Op: strings.Join(args, " "), Dir: dir, Output: output, Err: err}
	}
	return output, nil
}
