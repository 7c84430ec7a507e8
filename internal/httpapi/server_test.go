package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amori/droidrelay/internal/agent"
	"github.com/amori/droidrelay/internal/config"
	"github.com/amori/droidrelay/internal/dispatch"
	"github.com/amori/droidrelay/internal/gitsync"
	"github.com/amori/droidrelay/internal/observability"
	"github.com/amori/droidrelay/internal/protocol"
	"github.com/amori/droidrelay/internal/queue"
	"github.com/amori/droidrelay/internal/session"
	"github.com/amori/droidrelay/internal/settings"
	"github.com/amori/droidrelay/internal/taskruntime"
)

type doneRun struct {
	events chan agent.Event
}

func (r *doneRun) Events() <-chan agent.Event                          { return r.events }
func (r *doneRun) RespondPermission(id string, d agent.Decision) error { return nil }
func (r *doneRun) Cancel()                                             {}
func (r *doneRun) Wait() agent.Event {
	return agent.Event{Type: agent.EventRunCompleted, FinalText: "done"}
}

type stubRunner struct{}

func (stubRunner) Start(ctx context.Context, req agent.RunRequest) (taskruntime.RunHandle, error) {
	r := &doneRun{events: make(chan agent.Event)}
	close(r.events)
	return r, nil
}

// metricsNamespace must be unique per test: prometheus registration is
// process-global.
func newTestServer(t *testing.T, metricsNamespace string) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServerWithRunner(t, metricsNamespace, stubRunner{})
}

func newTestServerWithRunner(t *testing.T, metricsNamespace string, runner taskruntime.Runner) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Config{
		DefaultWorkingDir: "/work",
		CLIPath:           "droid",
		DefaultAutonomy:   settings.LevelMedium,
		DefaultModel:      "sonnet",
		AllowedUsers:      map[string]bool{"alice": true},
		AllowAnyOrigin:    true,
	}
	metrics := observability.NewMetrics(metricsNamespace)
	sessions := session.NewManager(nil, cfg.DefaultWorkingDir)
	service := taskruntime.New(taskruntime.Config{}, queue.NewManager(), runner, nil, sessions, nil)
	dispatcher, err := dispatch.New(cfg, sessions, service, gitsync.NewHelper(), nil)
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}

	srv := New(cfg, sessions, dispatcher, service, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t, "test_httpapi_health")

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, res.StatusCode)
		}
	}
}

func TestCreateTaskValidation(t *testing.T) {
	_, ts := newTestServer(t, "test_httpapi_validation")

	post := func(body map[string]any) *http.Response {
		t.Helper()
		data, _ := json.Marshal(body)
		res, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewReader(data))
		if err != nil {
			t.Fatalf("POST /v1/tasks error = %v", err)
		}
		return res
	}

	res := post(map[string]any{"user_id": "alice", "instruction": "do work"})
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing conversation_id status = %d, want 400", res.StatusCode)
	}

	res = post(map[string]any{"conversation_id": "c1", "user_id": "alice"})
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing instruction status = %d, want 400", res.StatusCode)
	}

	res = post(map[string]any{"conversation_id": "c1", "user_id": "mallory", "instruction": "do work"})
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("unauthorized status = %d, want 403", res.StatusCode)
	}

	res = post(map[string]any{"conversation_id": "c1", "user_id": "alice", "instruction": "x", "autonomy": "turbo"})
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid autonomy status = %d, want 400", res.StatusCode)
	}

	res = post(map[string]any{"conversation_id": "c1", "user_id": "alice", "instruction": "x", "project": "nope"})
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown project status = %d, want 400", res.StatusCode)
	}
}

func TestCreateAndFetchTask(t *testing.T) {
	_, ts := newTestServer(t, "test_httpapi_create")

	data, _ := json.Marshal(map[string]any{
		"conversation_id": "c1",
		"user_id":         "alice",
		"instruction":     "fix the bug",
	})
	res, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST /v1/tasks error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", res.StatusCode)
	}

	var created createTaskResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.TaskID == "" || created.Position != 1 {
		t.Fatalf("create response = %+v", created)
	}

	getRes, err := http.Get(ts.URL + "/v1/tasks/" + created.TaskID)
	if err != nil {
		t.Fatalf("GET task error = %v", err)
	}
	defer getRes.Body.Close()
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getRes.StatusCode)
	}
	var task queue.Task
	if err := json.NewDecoder(getRes.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Instruction != "fix the bug" {
		t.Fatalf("task = %+v", task)
	}

	missing, err := http.Get(ts.URL + "/v1/tasks/nonexistent")
	if err != nil {
		t.Fatalf("GET missing task error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task status = %d, want 404", missing.StatusCode)
	}
}

func TestQueueControlsRequireAuth(t *testing.T) {
	_, ts := newTestServer(t, "test_httpapi_controls")

	post := func(path, user string) int {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, ts.URL+path, nil)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST %s error = %v", path, err)
		}
		res.Body.Close()
		return res.StatusCode
	}

	if code := post("/v1/queue/pause", ""); code != http.StatusForbidden {
		t.Fatalf("pause without auth = %d, want 403", code)
	}
	if code := post("/v1/queue/pause", "alice"); code != http.StatusOK {
		t.Fatalf("pause = %d, want 200", code)
	}
	if code := post("/v1/queue/resume", "alice"); code != http.StatusOK {
		t.Fatalf("resume = %d, want 200", code)
	}
	// Nothing is running, so skip reports a conflict.
	if code := post("/v1/queue/skip", "alice"); code != http.StatusConflict {
		t.Fatalf("skip with idle queue = %d, want 409", code)
	}
	if code := post("/v1/queue/clear", "alice"); code != http.StatusOK {
		t.Fatalf("clear = %d, want 200", code)
	}
}

func TestListSessionsRequiresConversation(t *testing.T) {
	_, ts := newTestServer(t, "test_httpapi_sessions")

	res, err := http.Get(ts.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET /v1/sessions error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}

	res, err = http.Get(ts.URL + "/v1/sessions?conversation_id=c1")
	if err != nil {
		t.Fatalf("GET /v1/sessions error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
}

func TestChatWSCommandRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, "test_httpapi_ws")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws?conversation_id=c1"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var info protocol.SessionInfo
	if err := conn.ReadJSON(&info); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if info.Type != protocol.TypeSessionInfo || info.SessionID == "" {
		t.Fatalf("greeting = %+v, want session info", info)
	}

	cmd := protocol.ClientCommand{
		Type:           protocol.TypeClientCommand,
		ConversationID: "c1",
		UserID:         "alice",
		Command:        "help",
	}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply protocol.SystemEvent
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if reply.Type != protocol.TypeSystemEvent || !strings.Contains(reply.Detail, "/new") {
		t.Fatalf("reply = %+v, want help text", reply)
	}
}

func TestChatWSRejectsMalformedMessages(t *testing.T) {
	_, ts := newTestServer(t, "test_httpapi_ws_invalid")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws?conversation_id=c1"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var info protocol.SessionInfo
	if err := conn.ReadJSON(&info); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply protocol.ErrorEvent
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if reply.Type != protocol.TypeErrorEvent || reply.Code != "invalid_client_message" {
		t.Fatalf("reply = %+v, want invalid_client_message error", reply)
	}
}

// ctxRun ends the way a killed subprocess would when its context is
// cancelled: the stream closes and the terminal event reports "cancelled".
type ctxRun struct {
	events chan agent.Event
	final  agent.Event
}

func (r *ctxRun) Events() <-chan agent.Event                          { return r.events }
func (r *ctxRun) RespondPermission(id string, d agent.Decision) error { return nil }
func (r *ctxRun) Cancel()                                             {}
func (r *ctxRun) Wait() agent.Event                                   { return r.final }

type ctxRunner struct{}

func (ctxRunner) Start(ctx context.Context, req agent.RunRequest) (taskruntime.RunHandle, error) {
	r := &ctxRun{events: make(chan agent.Event)}
	go func() {
		select {
		case <-ctx.Done():
			r.final = agent.Event{Type: agent.EventRunFailed, Reason: agent.CancelReason}
		case <-time.After(50 * time.Millisecond):
			r.final = agent.Event{Type: agent.EventRunCompleted, FinalText: "done"}
		}
		close(r.events)
	}()
	return r, nil
}

func TestRESTSubmittedTaskOutlivesRequest(t *testing.T) {
	_, ts := newTestServerWithRunner(t, "test_httpapi_rest_ctx", ctxRunner{})

	body, _ := json.Marshal(map[string]any{
		"conversation_id": "c1",
		"user_id":         "alice",
		"instruction":     "long running work",
	})
	res, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/tasks error = %v", err)
	}
	var created createTaskResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	deadline := time.Now().Add(5 * time.Second)
	var task queue.Task
	for {
		res, err := http.Get(ts.URL + "/v1/tasks/" + created.TaskID)
		if err != nil {
			t.Fatalf("GET task error = %v", err)
		}
		if err := json.NewDecoder(res.Body).Decode(&task); err != nil {
			t.Fatalf("decode task: %v", err)
		}
		res.Body.Close()
		if task.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in status %q", task.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if task.Status != queue.StatusDone {
		t.Fatalf("status = %q (reason %q), want %q", task.Status, task.Reason, queue.StatusDone)
	}

	res, err = http.Get(ts.URL + "/v1/tasks")
	if err != nil {
		t.Fatalf("GET /v1/tasks error = %v", err)
	}
	var list listTasksResponse
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	res.Body.Close()
	if len(list.Pending) != 0 {
		t.Fatalf("pending = %+v, want empty after completion", list.Pending)
	}
}

// wsPromptRun surfaces one permission request and holds the run open until
// a decision arrives.
type wsPromptRun struct {
	events   chan agent.Event
	decision chan agent.Decision
}

func (r *wsPromptRun) Events() <-chan agent.Event { return r.events }
func (r *wsPromptRun) RespondPermission(id string, d agent.Decision) error {
	r.decision <- d
	return nil
}
func (r *wsPromptRun) Cancel() {}
func (r *wsPromptRun) Wait() agent.Event {
	return agent.Event{Type: agent.EventRunCompleted, FinalText: "done"}
}

type wsPromptRunner struct{}

func (wsPromptRunner) Start(ctx context.Context, req agent.RunRequest) (taskruntime.RunHandle, error) {
	r := &wsPromptRun{events: make(chan agent.Event), decision: make(chan agent.Decision, 1)}
	go func() {
		r.events <- agent.Event{Type: agent.EventPermissionRequested, Permission: &agent.PermissionRequest{
			ID:          "req-1",
			Tool:        "Bash",
			Description: "rm -rf build",
			Destructive: true,
			Options:     []agent.Decision{agent.DecisionAllow, agent.DecisionDeny},
		}}
		<-r.decision
		close(r.events)
	}()
	return r, nil
}

func readMessageOfType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var raw map[string]any
		if err := conn.ReadJSON(&raw); err != nil {
			t.Fatalf("ReadJSON() waiting for %s: %v", want, err)
		}
		if raw["type"] == want {
			return raw
		}
	}
}

func TestChatWSPermissionPromptRoundTrip(t *testing.T) {
	_, ts := newTestServerWithRunner(t, "test_httpapi_ws_perm", wsPromptRunner{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws?conversation_id=c1"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	readMessageOfType(t, conn, string(protocol.TypeSessionInfo))

	msg := protocol.ClientCommand{
		Type:           protocol.TypeClientCommand,
		ConversationID: "c1",
		UserID:         "alice",
		Args:           "clean the build tree",
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	prompt := readMessageOfType(t, conn, string(protocol.TypePermissionPrompt))
	if prompt["request_id"] != "req-1" {
		t.Fatalf("prompt = %+v, want request_id req-1", prompt)
	}
	desc, _ := prompt["description"].(string)
	if !strings.Contains(desc, "Bash") || !strings.Contains(desc, "destructive") {
		t.Fatalf("description = %q, want tool and destructive marker", desc)
	}

	response := protocol.PermissionResponse{
		Type:           protocol.TypePermissionResponse,
		ConversationID: "c1",
		UserID:         "alice",
		RequestID:      "req-1",
		Decision:       string(agent.DecisionAllow),
	}
	if err := conn.WriteJSON(response); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	// The edit confirmation and the completion update come from
	// different goroutines; accept them in either order.
	var sawEdit, sawDone bool
	for !sawEdit || !sawDone {
		var raw map[string]any
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&raw); err != nil {
			t.Fatalf("ReadJSON() error = %v (edit=%v done=%v)", err, sawEdit, sawDone)
		}
		switch raw["type"] {
		case string(protocol.TypeSystemEvent):
			if raw["code"] == "update:req-1" {
				detail, _ := raw["detail"].(string)
				if !strings.Contains(detail, "allowed") {
					t.Fatalf("edit detail = %q, want the recorded decision", detail)
				}
				sawEdit = true
			}
		case string(protocol.TypeTaskUpdate):
			if raw["status"] == string(queue.StatusDone) {
				sawDone = true
			}
		}
	}
}
