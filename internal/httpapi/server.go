// Package httpapi exposes the chat gateway: a websocket endpoint speaking
// the wire protocol plus a small REST surface for task and queue control.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/amori/droidrelay/internal/config"
	"github.com/amori/droidrelay/internal/dispatch"
	"github.com/amori/droidrelay/internal/observability"
	"github.com/amori/droidrelay/internal/session"
	"github.com/amori/droidrelay/internal/taskruntime"
)

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	service    *taskruntime.Service
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, dispatcher *dispatch.Dispatcher, service *taskruntime.Service, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		dispatcher: dispatcher,
		service:    service,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Non-browser clients
				// omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/chat/ws", s.handleChatWS)

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/queue/pause", s.handlePause)
	r.Post("/v1/queue/resume", s.handleResume)
	r.Post("/v1/queue/skip", s.handleSkip)
	r.Post("/v1/queue/stop", s.handleStop)
	r.Post("/v1/queue/clear", s.handleClear)
	r.Get("/v1/sessions", s.handleListSessions)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_state": s.service.Queue().State(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"queue_state":   s.service.Queue().State(),
		"queue_pending": s.service.Queue().PendingCount(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
