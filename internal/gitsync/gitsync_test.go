package gitsync

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

func TestSummaryString(t *testing.T) {
	cases := []struct {
		s    Summary
		want string
	}{
		{Summary{}, "not a git repo"},
		{Summary{IsRepo: true, Branch: "main"}, "on main (clean)"},
		{Summary{IsRepo: true, Branch: "main", Uncommitted: 3}, "on main (3 uncommitted)"},
	}
	for _, tc := range cases {
		if got := tc.s.String(); got != tc.want {
			t.Fatalf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestSyncErrorWraps(t *testing.T) {
	inner := errors.New("exit status 1")
	err := &SyncError{Op: "pull", Dir: "/work", Output: "CONFLICT in main.go\n", Err: inner}

	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is should reach the wrapped error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "pull") || !strings.Contains(msg, "/work") || !strings.Contains(msg, "CONFLICT") {
		t.Fatalf("Error() = %q, want op, dir, and output", msg)
	}

	var syncErr *SyncError
	if !errors.As(error(err), &syncErr) {
		t.Fatalf("errors.As failed for *SyncError")
	}
}

func TestStatusOutsideRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	h := NewHelper()
	summary, err := h.Status(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if summary.IsRepo {
		t.Fatalf("IsRepo = true for an empty temp dir")
	}
}

func TestRunSurfacesSyncError(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	h := NewHelper()
	_, err := h.Run(context.Background(), t.TempDir(), "log")
	if err == nil {
		t.Fatalf("Run(log) outside a repo should fail")
	}
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("error %T, want *SyncError", err)
	}
	if syncErr.Op != "log" {
		t.Fatalf("Op = %q, want log", syncErr.Op)
	}
}
