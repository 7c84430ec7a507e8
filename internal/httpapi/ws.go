package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amori/droidrelay/internal/agent"
	"github.com/amori/droidrelay/internal/dispatch"
	"github.com/amori/droidrelay/internal/protocol"
	"github.com/amori/droidrelay/internal/queue"
	"github.com/amori/droidrelay/internal/session"
	"github.com/amori/droidrelay/internal/settings"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 1 << 20
)

// handleChatWS is the chat gateway. One connection serves one conversation:
// inbound commands are dispatched, queue events for the conversation are
// relayed out, and permission prompts travel the same pipe.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		respondError(w, http.StatusBadRequest, "missing_conversation_id", "query parameter conversation_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	sink := &wsMessenger{out: outbound, ctx: ctx}

	events, unsubscribe := s.service.Queue().Subscribe(conversationID)
	defer unsubscribe()
	go s.relayEvents(ctx, conversationID, events, sink)

	if sess, err := s.sessions.GetOrCreate(conversationID); err == nil || errors.Is(err, session.ErrPersist) {
		eff := settings.Resolve(s.cfg.Defaults(), sess.Stored(), settings.Overrides{})
		sink.send(protocol.SessionInfo{
			Type:           protocol.TypeSessionInfo,
			ConversationID: conversationID,
			SessionID:      sess.ID,
			WorkingDir:     sess.WorkingDir,
			Autonomy:       string(eff.Autonomy),
			Model:          eff.Model,
		})
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			sink.send(protocol.ErrorEvent{
				Type:           protocol.TypeErrorEvent,
				ConversationID: conversationID,
				Code:           "invalid_client_message",
				Detail:         err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.ClientCommand:
			// Commands run off the read loop: a /git passthrough can
			// take up to its timeout and must not stall keepalives.
			go s.runCommand(ctx, msg, sink)
		case protocol.PermissionResponse:
			if err := s.dispatcher.RespondPermission(conversationID, msg.UserID, msg.RequestID, agent.Decision(msg.Decision), sink); err != nil {
				sink.send(protocol.ErrorEvent{
					Type:           protocol.TypeErrorEvent,
					ConversationID: conversationID,
					Code:           "permission_response_rejected",
					Detail:         err.Error(),
				})
			}
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) runCommand(ctx context.Context, msg protocol.ClientCommand, sink *wsMessenger) {
	cmd := dispatch.Command{
		ConversationID: msg.ConversationID,
		UserID:         msg.UserID,
		Name:           msg.Command,
		Args:           msg.Args,
		ReplyTo:        msg.ReplyTo,
	}
	if err := s.dispatcher.Dispatch(ctx, cmd, sink); err != nil {
		if errors.Is(err, dispatch.ErrUnauthorized) {
			// Dropped silently toward the user; already logged.
			return
		}
		sink.send(protocol.ErrorEvent{
			Type:           protocol.TypeErrorEvent,
			ConversationID: msg.ConversationID,
			Code:           "command_failed",
			Detail:         err.Error(),
		})
	}
}

// relayEvents translates queue events into wire messages. Live deltas and
// tool activity honor the /stream toggle; lifecycle transitions always go
// out, and permission prompts travel through the messenger so the client
// always receives a selectable set of options.
func (s *Server) relayEvents(ctx context.Context, conversationID string, events <-chan queue.Event, sink *wsMessenger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == queue.EventPermissionPrompt {
				if ev.Permission == nil {
					continue
				}
				options := make([]string, 0, len(ev.Permission.Options))
				for _, o := range ev.Permission.Options {
					options = append(options, string(o))
				}
				prompt := fmt.Sprintf("[%s] %s", ev.Permission.Tool, ev.Permission.Description)
				if ev.Permission.Destructive {
					prompt += " (destructive)"
				}
				_ = sink.SendButtons(conversationID, prompt, ev.Permission.ID, options)
				continue
			}
			msg := s.wireMessage(conversationID, ev)
			if msg == nil {
				continue
			}
			sink.send(msg)
		}
	}
}

func (s *Server) wireMessage(conversationID string, ev queue.Event) any {
	switch ev.Type {
	case queue.EventAssistantDelta:
		if !s.dispatcher.StreamingEnabled() {
			return nil
		}
		return protocol.AssistantTextDelta{
			Type:           protocol.TypeAssistantTextDelta,
			ConversationID: conversationID,
			TaskID:         ev.TaskID,
			TextDelta:      ev.Text,
		}
	case queue.EventToolStarted, queue.EventToolFinished:
		if !s.dispatcher.StreamingEnabled() {
			return nil
		}
		return protocol.ToolActivity{
			Type:           protocol.TypeToolActivity,
			ConversationID: conversationID,
			TaskID:         ev.TaskID,
			Tool:           ev.Tool,
			Detail:         ev.Text,
			Finished:       ev.Type == queue.EventToolFinished,
		}
	case queue.EventTaskEnqueued:
		return protocol.TaskUpdate{
			Type:           protocol.TypeTaskUpdate,
			ConversationID: conversationID,
			TaskID:         ev.TaskID,
			Status:         string(queue.StatusPending),
			Position:       ev.Position,
		}
	case queue.EventTaskStarted:
		return protocol.TaskUpdate{
			Type:           protocol.TypeTaskUpdate,
			ConversationID: conversationID,
			TaskID:         ev.TaskID,
			Status:         string(queue.StatusRunning),
		}
	case queue.EventTaskCompleted:
		return protocol.TaskUpdate{
			Type:           protocol.TypeTaskUpdate,
			ConversationID: conversationID,
			TaskID:         ev.TaskID,
			Status:         string(queue.StatusDone),
			Result:         ev.Text,
		}
	case queue.EventTaskFailed:
		return protocol.TaskUpdate{
			Type:           protocol.TypeTaskUpdate,
			ConversationID: conversationID,
			TaskID:         ev.TaskID,
			Status:         string(queue.StatusFailed),
			Reason:         ev.Reason,
		}
	case queue.EventTaskSkipped:
		return protocol.TaskUpdate{
			Type:           protocol.TypeTaskUpdate,
			ConversationID: conversationID,
			TaskID:         ev.TaskID,
			Status:         string(queue.StatusSkipped),
			Reason:         ev.Reason,
		}
	case queue.EventSyncWarning, queue.EventQueuePaused, queue.EventQueueResumed, queue.EventQueueCleared:
		return protocol.SystemEvent{
			Type:           protocol.TypeSystemEvent,
			ConversationID: conversationID,
			Code:           string(ev.Type),
			Detail:         ev.Text,
		}
	default:
		return nil
	}
}

// wsMessenger adapts the websocket outbound channel to the dispatcher's
// messenger. Writes block until the writer drains or the connection dies.
type wsMessenger struct {
	out chan<- any
	ctx context.Context
}

func (m *wsMessenger) send(msg any) {
	select {
	case <-m.ctx.Done():
	case m.out <- msg:
	}
}

func (m *wsMessenger) SendText(conversationID, text string) error {
	m.send(protocol.SystemEvent{
		Type:           protocol.TypeSystemEvent,
		ConversationID: conversationID,
		Code:           "message",
		Detail:         text,
	})
	return nil
}

func (m *wsMessenger) EditMessage(conversationID, messageID, text string) error {
	m.send(protocol.SystemEvent{
		Type:           protocol.TypeSystemEvent,
		ConversationID: conversationID,
		Code:           "update:" + messageID,
		Detail:         text,
	})
	return nil
}

func (m *wsMessenger) SendButtons(conversationID, prompt, requestID string, options []string) error {
	m.send(protocol.PermissionPrompt{
		Type:           protocol.TypePermissionPrompt,
		ConversationID: conversationID,
		RequestID:      requestID,
		Description:    prompt,
		Options:        options,
	})
	return nil
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientCommand:
		return m.Type, true
	case protocol.PermissionResponse:
		return m.Type, true
	case protocol.AssistantTextDelta:
		return m.Type, true
	case protocol.ToolActivity:
		return m.Type, true
	case protocol.PermissionPrompt:
		return m.Type, true
	case protocol.TaskUpdate:
		return m.Type, true
	case protocol.SessionInfo:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
