package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/amori/droidrelay/internal/settings"
)

func runPump(t *testing.T, input string, level settings.Level, decisions <-chan decisionMsg) ([]Event, streamState, *bytes.Buffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stdin := &bytes.Buffer{}
	events := make(chan Event, 32)
	stateCh := make(chan streamState, 1)
	go func() {
		stateCh <- pump(ctx, strings.NewReader(input), stdin, level, events, decisions)
		close(events)
	}()

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	return got, <-stateCh, stdin
}

func TestPumpToolAndCompletion(t *testing.T) {
	input := `{"type":"tool_call","toolName":"Read","input":{"file_path":"main.go"}}
{"type":"text","text":"Looking at "}
{"type":"text","text":"the file."}
{"type":"completion","finalText":"All done.","session_id":"sess-9"}
`
	got, st, _ := runPump(t, input, settings.LevelMedium, nil)

	if !st.completed || st.failed {
		t.Fatalf("state = %+v, want completed", st)
	}
	if st.finalText != "All done." {
		t.Fatalf("finalText = %q", st.finalText)
	}
	if st.continuation != "sess-9" {
		t.Fatalf("continuation = %q, want sess-9", st.continuation)
	}

	want := []EventType{EventToolCallStarted, EventAssistantText, EventAssistantText, EventRunCompleted}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Fatalf("event[%d].Type = %q, want %q", i, ev.Type, want[i])
		}
	}
	if got[0].Tool != "Read" || got[0].Args["file_path"] != "main.go" {
		t.Fatalf("tool event = %+v", got[0])
	}
}

func TestPumpAccumulatesTextWithoutFinalText(t *testing.T) {
	input := `{"type":"text","text":"part one "}
{"type":"text","text":"part two"}
{"type":"completion","session_id":"sess-1"}
`
	_, st, _ := runPump(t, input, settings.LevelMedium, nil)
	if st.finalText != "part one part two" {
		t.Fatalf("finalText = %q, want accumulated text", st.finalText)
	}
}

func TestPumpSkipsUnparseableLines(t *testing.T) {
	input := `some plain log line
{"type":"completion","finalText":"ok","session_id":"s"}
`
	got, st, _ := runPump(t, input, settings.LevelMedium, nil)
	if !st.completed {
		t.Fatalf("state = %+v, want completed", st)
	}
	if len(got) != 1 || got[0].Type != EventRunCompleted {
		t.Fatalf("events = %+v, want single completion", got)
	}
}

func TestPumpErrorRecord(t *testing.T) {
	input := `{"type":"error","message":"model overloaded"}
`
	got, st, _ := runPump(t, input, settings.LevelMedium, nil)
	if !st.failed || st.reason != "model overloaded" {
		t.Fatalf("state = %+v, want failed with reason", st)
	}
	if len(got) != 1 || got[0].Type != EventRunFailed || got[0].Reason != "model overloaded" {
		t.Fatalf("events = %+v", got)
	}
}

func TestPumpExhaustedStreamIsIncomplete(t *testing.T) {
	input := `{"type":"text","text":"partial"}
`
	_, st, _ := runPump(t, input, settings.LevelMedium, nil)
	if st.completed || st.failed {
		t.Fatalf("state = %+v, want neither completed nor failed", st)
	}
}

func decisionsWritten(t *testing.T, stdin *bytes.Buffer) []permissionReply {
	t.Helper()
	var out []permissionReply
	for _, line := range strings.Split(strings.TrimSpace(stdin.String()), "\n") {
		if line == "" {
			continue
		}
		var reply permissionReply
		if err := json.Unmarshal([]byte(line), &reply); err != nil {
			t.Fatalf("stdin line %q: %v", line, err)
		}
		out = append(out, reply)
	}
	return out
}

func TestPumpAutonomyOffAutoDenies(t *testing.T) {
	input := `{"type":"permission_request","id":"p1","toolName":"Execute","destructive":true}
{"type":"completion","session_id":"s"}
`
	got, _, stdin := runPump(t, input, settings.LevelOff, nil)

	for _, ev := range got {
		if ev.Type == EventPermissionRequested {
			t.Fatalf("autonomy off must not surface permission events")
		}
	}
	replies := decisionsWritten(t, stdin)
	if len(replies) != 1 || replies[0].ID != "p1" || replies[0].Decision != string(DecisionDeny) {
		t.Fatalf("replies = %+v, want auto-deny for p1", replies)
	}
}

func TestPumpHighAutoAllowsNonDestructive(t *testing.T) {
	input := `{"type":"permission_request","id":"p1","toolName":"Read","destructive":false}
{"type":"completion","session_id":"s"}
`
	got, _, stdin := runPump(t, input, settings.LevelHigh, nil)

	for _, ev := range got {
		if ev.Type == EventPermissionRequested {
			t.Fatalf("high autonomy must auto-allow non-destructive tools")
		}
	}
	replies := decisionsWritten(t, stdin)
	if len(replies) != 1 || replies[0].Decision != string(DecisionAllow) {
		t.Fatalf("replies = %+v, want auto-allow", replies)
	}
}

func TestPumpHighSurfacesDestructive(t *testing.T) {
	input := `{"type":"permission_request","id":"p1","toolName":"Execute","destructive":true,"description":"rm -rf build"}
{"type":"completion","session_id":"s"}
`
	decisions := make(chan decisionMsg, 1)
	decisions <- decisionMsg{id: "p1", decision: DecisionDeny}

	got, _, stdin := runPump(t, input, settings.LevelHigh, decisions)

	var prompt *PermissionRequest
	for _, ev := range got {
		if ev.Type == EventPermissionRequested {
			prompt = ev.Permission
		}
	}
	if prompt == nil {
		t.Fatalf("destructive tool under high autonomy must surface a prompt")
	}
	if prompt.ID != "p1" || prompt.Tool != "Execute" || !prompt.Destructive {
		t.Fatalf("prompt = %+v", prompt)
	}
	replies := decisionsWritten(t, stdin)
	if len(replies) != 1 || replies[0].Decision != string(DecisionDeny) {
		t.Fatalf("replies = %+v, want forwarded deny", replies)
	}
}

func TestPumpUnsafeAutoAllowsEverything(t *testing.T) {
	input := `{"type":"permission_request","id":"p1","toolName":"Execute","destructive":true}
{"type":"permission_request","id":"p2","toolName":"Edit","destructive":false}
{"type":"completion","session_id":"s"}
`
	got, _, stdin := runPump(t, input, settings.LevelUnsafe, nil)

	for _, ev := range got {
		if ev.Type == EventPermissionRequested {
			t.Fatalf("unsafe autonomy must never surface permission events")
		}
	}
	replies := decisionsWritten(t, stdin)
	if len(replies) != 2 {
		t.Fatalf("replies = %+v, want two auto-allows", replies)
	}
	for _, r := range replies {
		if r.Decision != string(DecisionAllow) {
			t.Fatalf("reply %+v, want allow", r)
		}
	}
}

func TestPumpDropsStaleDecisions(t *testing.T) {
	input := `{"type":"permission_request","id":"p2","toolName":"Edit"}
{"type":"completion","session_id":"s"}
`
	decisions := make(chan decisionMsg, 2)
	decisions <- decisionMsg{id: "p1", decision: DecisionAllow}
	decisions <- decisionMsg{id: "p2", decision: DecisionAllowAlways}

	_, _, stdin := runPump(t, input, settings.LevelMedium, decisions)

	replies := decisionsWritten(t, stdin)
	if len(replies) != 1 || replies[0].ID != "p2" || replies[0].Decision != string(DecisionAllowAlways) {
		t.Fatalf("replies = %+v, want only the matching decision", replies)
	}
}

func TestPumpCancelWhilePermissionPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := `{"type":"permission_request","id":"p1","toolName":"Edit"}
{"type":"completion","session_id":"s"}
`
	events := make(chan Event, 8)
	done := make(chan streamState, 1)
	go func() {
		done <- pump(ctx, strings.NewReader(input), &bytes.Buffer{}, settings.LevelMedium, events, nil)
	}()

	select {
	case ev := <-events:
		if ev.Type != EventPermissionRequested {
			t.Fatalf("first event = %q, want permission prompt", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no permission event before timeout")
	}

	cancel()
	select {
	case st := <-done:
		if st.completed {
			t.Fatalf("cancelled run must not report completion")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not stop after cancel")
	}
	// Nothing further may be emitted after cancellation.
	select {
	case ev := <-events:
		t.Fatalf("event after cancel: %+v", ev)
	default:
	}
}
