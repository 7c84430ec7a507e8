// Package agent spawns the coding-agent CLI for a single task and
// translates its line-framed JSON output into a finite event stream.
// Permission prompts suspend the stream until resolved; cancellation kills
// the subprocess and guarantees no events after the stream closes.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"

	"github.com/amori/droidrelay/internal/settings"
)

// Runner spawns agent CLI subprocesses. It holds no per-run state; each
// Start returns an independent Run.
type Runner struct {
	cliPath string
}

func NewRunner(cliPath string) *Runner {
	return &Runner{cliPath: strings.TrimSpace(cliPath)}
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	WorkingDir   string
	Instruction  string
	Continuation string
	Settings     settings.Effective
}

// Run is one in-flight agent invocation. Events is finite and not
// restartable: it ends with exactly one RunCompleted or RunFailed, after
// which the channel closes.
type Run struct {
	events    chan Event
	decisions chan decisionMsg
	cancel    context.CancelFunc

	cancelOnce sync.Once
	cancelled  chan struct{}
	done       chan struct{}

	mu    sync.Mutex
	final *Event
}

// Events returns the run's event stream.
func (r *Run) Events() <-chan Event { return r.events }

// RespondPermission resolves the pending permission request. The id may be
// empty to address whichever request is currently pending.
func (r *Run) RespondPermission(id string, d Decision) error {
	select {
	case r.decisions <- decisionMsg{id: id, decision: d}:
		return nil
	case <-r.done:
		return errors.New("run already finished")
	}
}

// Cancel terminates the subprocess. After Cancel returns and the events
// channel closes, no further events are delivered; if the run had not
// completed, its terminal event is RunFailed with reason "cancelled".
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() {
		close(r.cancelled)
		r.cancel()
	})
}

// Wait blocks until the run reaches a terminal state and returns the
// terminal event.
func (r *Run) Wait() Event {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final == nil {
		return Event{Type: EventRunFailed, Reason: ProtocolErrorReason}
	}
	return *r.final
}

func (r *Run) setFinal(ev Event) {
	r.mu.Lock()
	r.final = &ev
	r.mu.Unlock()
}

// Start spawns the CLI bound to the request's working directory and
// continuation handle and begins streaming events.
func (r *Runner) Start(ctx context.Context, req RunRequest) (*Run, error) {
	if r.cliPath == "" {
		return nil, errors.New("agent cli path is not configured")
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, errors.New("instruction is empty")
	}

	args := []string{"exec", "--output-format", "stream-json", "--auto", string(req.Settings.Autonomy)}
	if req.Settings.Autonomy == settings.LevelUnsafe {
		args = append(args, "--skip-permissions-unsafe")
	}
	if m := strings.TrimSpace(req.Settings.Model); m != "" {
		args = append(args, "--model", m)
	}
	if h := strings.TrimSpace(req.Continuation); h != "" {
		args = append(args, "-s", h)
	}
	args = append(args, req.Instruction)

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, r.cliPath, args...)
	cmd.Dir = req.WorkingDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start agent cli: %w", err)
	}
	log.Printf("agent: started %s in %s (autonomy=%s model=%s continuation=%v)",
		r.cliPath, req.WorkingDir, req.Settings.Autonomy, req.Settings.Model, req.Continuation != "")

	run := &Run{
		events:    make(chan Event, 64),
		decisions: make(chan decisionMsg, 1),
		cancel:    cancel,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}

	go func() {
		defer close(run.done)
		defer close(run.events)
		defer cancel()
		defer stdin.Close()

		st := pump(runCtx, stdout, stdin, req.Settings.Autonomy, run.events, run.decisions)
		waitErr := cmd.Wait()

		switch {
		case st.completed:
			run.setFinal(Event{Type: EventRunCompleted, FinalText: st.finalText, Continuation: st.continuation})
		case st.failed:
			run.setFinal(Event{Type: EventRunFailed, Reason: st.reason})
		default:
			// No terminal record was seen: synthesize one. A
			// cancelled run always fails with reason "cancelled",
			// never "done".
			ev := Event{Type: EventRunFailed, Reason: failureReason(run, waitErr, stderr.String())}
			run.setFinal(ev)
			select {
			case <-run.cancelled:
				// The caller asked for cancellation; the channel
				// close is the acknowledgment, nothing more is
				// delivered.
			default:
				select {
				case run.events <- ev:
				case <-runCtx.Done():
				}
			}
		}
	}()

	return run, nil
}

func failureReason(run *Run, waitErr error, stderr string) string {
	select {
	case <-run.cancelled:
		return CancelReason
	default:
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		reason := fmt.Sprintf("exit status %d", exitErr.ExitCode())
		if msg := strings.TrimSpace(stderr); msg != "" {
			reason = fmt.Sprintf("%s: %s", reason, firstLine(msg))
		}
		return reason
	}
	return ProtocolErrorReason
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
