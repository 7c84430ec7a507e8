package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"

	"github.com/amori/droidrelay/internal/settings"
)

// maxLineBytes bounds a single stream record. The CLI emits one JSON object
// per line; anything larger than this is a protocol violation.
const maxLineBytes = 1 << 20

// wireEvent mirrors the CLI's stream-json framing. Field names follow the
// CLI's output; alternates seen in the wild are coalesced in fromWire.
type wireEvent struct {
	Type        string         `json:"type"`
	ToolName    string         `json:"toolName"`
	Name        string         `json:"name"`
	Input       map[string]any `json:"input"`
	Args        map[string]any `json:"args"`
	Summary     string         `json:"summary"`
	Text        string         `json:"text"`
	FinalText   string         `json:"finalText"`
	SessionID   string         `json:"session_id"`
	Message     string         `json:"message"`
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Destructive bool           `json:"destructive"`
}

func (w wireEvent) toolName() string {
	if w.ToolName != "" {
		return w.ToolName
	}
	return w.Name
}

func (w wireEvent) toolArgs() map[string]any {
	if w.Input != nil {
		return w.Input
	}
	return w.Args
}

// permissionReply is written to the subprocess stdin, one JSON object per
// line, to resolve a permission request.
type permissionReply struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

type decisionMsg struct {
	id       string
	decision Decision
}

// streamState carries the pump's outcome back to the process supervisor.
type streamState struct {
	completed    bool
	failed       bool
	reason       string
	finalText    string
	continuation string
}

// pump reads line-framed JSON events from stdout, applies autonomy gating
// to permission requests, and forwards structured events. It blocks on an
// unresolved permission request until a decision arrives or the context is
// cancelled; after cancellation nothing further is emitted.
func pump(
	ctx context.Context,
	stdout io.Reader,
	stdin io.Writer,
	level settings.Level,
	events chan<- Event,
	decisions <-chan decisionMsg,
) streamState {
	var st streamState

	emit := func(ev Event) bool {
		select {
		case <-ctx.Done():
			return false
		case events <- ev:
			return true
		}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return st
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var w wireEvent
		if err := json.Unmarshal([]byte(line), &w); err != nil {
			// Some CLI builds interleave plain log lines with the
			// JSON stream; skip anything unparseable.
			continue
		}

		switch w.Type {
		case "tool_call":
			if !emit(Event{Type: EventToolCallStarted, Tool: w.toolName(), Args: w.toolArgs()}) {
				return st
			}
		case "tool_result":
			if !emit(Event{Type: EventToolCallFinished, Tool: w.toolName(), Summary: w.Summary}) {
				return st
			}
		case "text":
			if w.Text == "" {
				continue
			}
			st.finalText += w.Text
			if !emit(Event{Type: EventAssistantText, Chunk: w.Text}) {
				return st
			}
		case "permission_request":
			if !handlePermission(ctx, stdin, level, w, emit, decisions) {
				return st
			}
		case "completion":
			st.completed = true
			if w.FinalText != "" {
				st.finalText = w.FinalText
			}
			st.continuation = w.SessionID
			emit(Event{Type: EventRunCompleted, FinalText: st.finalText, Continuation: st.continuation})
			return st
		case "error":
			st.failed = true
			st.reason = w.Message
			if st.reason == "" {
				st.reason = "unknown error"
			}
			emit(Event{Type: EventRunFailed, Reason: st.reason})
			return st
		default:
			// Forward-compatible: unknown event types are ignored.
		}
	}
	return st
}

// handlePermission resolves one permission request according to the active
// autonomy level. It returns false when the run was cancelled while the
// request was pending.
func handlePermission(
	ctx context.Context,
	stdin io.Writer,
	level settings.Level,
	w wireEvent,
	emit func(Event) bool,
	decisions <-chan decisionMsg,
) bool {
	if level.AutoDenies() {
		// Autonomy off: the agent may not execute any tool call.
		log.Printf("agent: auto-denied tool %q (autonomy off)", w.toolName())
		return writeDecision(stdin, w.ID, DecisionDeny)
	}
	if level.AutoAllows(w.Destructive) {
		// Resolved by policy; unsafe never surfaces the event to the
		// caller, high only auto-allows non-destructive tools.
		log.Printf("agent: auto-allowed tool %q (autonomy %s)", w.toolName(), level)
		return writeDecision(stdin, w.ID, DecisionAllow)
	}

	req := &PermissionRequest{
		ID:          w.ID,
		Tool:        w.toolName(),
		Description: w.Description,
		Destructive: w.Destructive,
		Options:     []Decision{DecisionAllow, DecisionAllowAlways, DecisionDeny},
	}
	if !emit(Event{Type: EventPermissionRequested, Permission: req}) {
		return false
	}

	// Block until this request is resolved. Decisions for stale request
	// IDs are dropped.
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-decisions:
			if !ok {
				return false
			}
			if d.id != "" && d.id != w.ID {
				continue
			}
			return writeDecision(stdin, w.ID, d.decision)
		}
	}
}

func writeDecision(stdin io.Writer, id string, d Decision) bool {
	if stdin == nil {
		return true
	}
	data, err := json.Marshal(permissionReply{Type: "permission_response", ID: id, Decision: string(d)})
	if err != nil {
		return true
	}
	data = append(data, '\n')
	if _, err := stdin.Write(data); err != nil {
		log.Printf("agent: permission reply write failed: %v", err)
		return false
	}
	return true
}
