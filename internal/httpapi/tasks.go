package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/amori/droidrelay/internal/queue"
	"github.com/amori/droidrelay/internal/session"
	"github.com/amori/droidrelay/internal/settings"
)

type createTaskRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Project        string `json:"project"`
	Instruction    string `json:"instruction"`
	Autonomy       string `json:"autonomy"`
	Model          string `json:"model"`
	Pull           *bool  `json:"pull"`
	Push           *bool  `json:"push"`
}

type createTaskResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Position int    `json:"position"`
}

type listTasksResponse struct {
	State   queue.State  `json:"state"`
	Current *queue.Task  `json:"current,omitempty"`
	Pending []queue.Task `json:"pending"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.Instruction = strings.TrimSpace(req.Instruction)
	if req.ConversationID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "conversation_id is required")
		return
	}
	if req.Instruction == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "instruction is required")
		return
	}
	if !s.authorize(w, firstNonEmpty(req.UserID, r.Header.Get("X-User-ID"))) {
		return
	}

	sess, err := s.sessions.GetOrCreate(req.ConversationID)
	if err != nil && !errors.Is(err, session.ErrPersist) {
		respondError(w, http.StatusInternalServerError, "session_error", err.Error())
		return
	}

	dir := sess.WorkingDir
	project := ""
	if name := strings.TrimSpace(req.Project); name != "" {
		resolved, ok := s.cfg.ResolveProject(name)
		if !ok {
			respondError(w, http.StatusBadRequest, "unknown_project", "no such project: "+name)
			return
		}
		dir = resolved
		project = strings.ToLower(name)
	}

	over := settings.Overrides{Pull: req.Pull, Push: req.Push}
	if req.Autonomy != "" {
		level, err := settings.ParseLevel(req.Autonomy)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_autonomy", err.Error())
			return
		}
		over.Autonomy = level
	}
	if req.Model != "" {
		over.Model = settings.ExpandModel(req.Model)
	}

	task := queue.Task{
		ConversationID: req.ConversationID,
		SessionID:      sess.ID,
		Project:        project,
		WorkingDir:     dir,
		Instruction:    req.Instruction,
		Settings:       settings.Resolve(s.cfg.Defaults(), sess.Stored(), over),
	}
	// The worker and the agent subprocess must outlive this request;
	// the handler returns as soon as the task is queued.
	created, pos := s.service.Submit(context.WithoutCancel(r.Context()), task)
	respondJSON(w, http.StatusCreated, createTaskResponse{
		TaskID:   created.ID,
		Status:   string(created.Status),
		Position: pos,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := s.service.Queue()
	resp := listTasksResponse{
		State:   q.State(),
		Pending: q.Pending(),
	}
	if cur, ok := q.Current(); ok {
		resp.Current = &cur
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	task, err := s.service.Queue().Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r.Header.Get("X-User-ID")) {
		return
	}
	s.service.Pause()
	respondJSON(w, http.StatusOK, map[string]any{"state": s.service.Queue().State()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r.Header.Get("X-User-ID")) {
		return
	}
	s.service.Resume(context.WithoutCancel(r.Context()))
	respondJSON(w, http.StatusOK, map[string]any{"state": s.service.Queue().State()})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r.Header.Get("X-User-ID")) {
		return
	}
	if err := s.service.Skip(); err != nil {
		respondError(w, http.StatusConflict, "nothing_running", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "skipping"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r.Header.Get("X-User-ID")) {
		return
	}
	if err := s.service.Stop(); err != nil {
		respondError(w, http.StatusConflict, "nothing_running", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "stopping"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r.Header.Get("X-User-ID")) {
		return
	}
	dropped := s.service.Clear()
	respondJSON(w, http.StatusOK, map[string]any{"dropped": dropped})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		respondError(w, http.StatusBadRequest, "missing_conversation_id", "query parameter conversation_id is required")
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	respondJSON(w, http.StatusOK, s.sessions.ListRecent(conversationID, limit))
}

func (s *Server) authorize(w http.ResponseWriter, userID string) bool {
	if !s.dispatcher.Authorized(userID) {
		respondError(w, http.StatusForbidden, "unauthorized", "user is not allowed")
		return false
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
