package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientCommand      MessageType = "client_command"
	TypePermissionResponse MessageType = "permission_response"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeToolActivity       MessageType = "tool_activity"
	TypePermissionPrompt   MessageType = "permission_prompt"
	TypeTaskUpdate         MessageType = "task_update"
	TypeSessionInfo        MessageType = "session_info"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientCommand is an inbound normalized command: a slash command with
// arguments, or a bare message (empty Command) treated as an instruction
// for the agent.
type ClientCommand struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	Command        string      `json:"command,omitempty"`
	Args           string      `json:"args,omitempty"`
	ReplyTo        string      `json:"reply_to,omitempty"`
}

// PermissionResponse resolves a pending permission prompt.
type PermissionResponse struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	RequestID      string      `json:"request_id,omitempty"`
	Decision       string      `json:"decision"`
}

// AssistantTextDelta streams assistant output as it is produced.
type AssistantTextDelta struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TaskID         string      `json:"task_id"`
	TextDelta      string      `json:"text_delta"`
}

// ToolActivity is a compact live update about an agent tool call.
type ToolActivity struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TaskID         string      `json:"task_id"`
	Tool           string      `json:"tool"`
	Detail         string      `json:"detail,omitempty"`
	Finished       bool        `json:"finished,omitempty"`
}

// PermissionPrompt asks the user to allow or deny a tool call. Options are
// the decisions the agent accepts for this request.
type PermissionPrompt struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	RequestID      string      `json:"request_id"`
	Description    string      `json:"description"`
	Options        []string    `json:"options"`
}

// TaskUpdate reports task lifecycle transitions and queue positions.
type TaskUpdate struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TaskID         string      `json:"task_id"`
	Status         string      `json:"status"`
	Position       int         `json:"position,omitempty"`
	Result         string      `json:"result,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

// SessionInfo describes the active session after /new, /cwd, /session.
type SessionInfo struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	SessionID      string      `json:"session_id"`
	WorkingDir     string      `json:"working_dir"`
	GitSummary     string      `json:"git_summary,omitempty"`
	Autonomy       string      `json:"autonomy"`
	Model          string      `json:"model"`
}

// SystemEvent carries informational replies (help text, status, git output).
type SystemEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail,omitempty"`
}

// ErrorEvent reports a user-visible failure.
type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail"`
}

// ParseClientMessage decodes and validates an inbound websocket message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientCommand:
		var msg ClientCommand
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || msg.UserID == "" {
			return nil, errors.New("invalid client_command")
		}
		if msg.Command == "" && msg.Args == "" {
			return nil, errors.New("invalid client_command: empty")
		}
		return msg, nil
	case TypePermissionResponse:
		var msg PermissionResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || msg.UserID == "" || msg.Decision == "" {
			return nil, errors.New("invalid permission_response")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
