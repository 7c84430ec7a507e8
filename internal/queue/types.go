package queue

import (
	"time"

	"github.com/amori/droidrelay/internal/agent"
	"github.com/amori/droidrelay/internal/settings"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// State is the queue-level state machine: idle when empty, running while
// the worker is draining, paused when the user stopped advancement.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Task is one queued instruction plus the settings snapshot captured at
// enqueue time. The snapshot is immutable: later changes to session or
// default settings never affect already-queued work.
type Task struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	SessionID      string             `json:"session_id"`
	Project        string             `json:"project,omitempty"`
	WorkingDir     string             `json:"working_dir"`
	Instruction    string             `json:"instruction"`
	Settings       settings.Effective `json:"settings"`
	Status         Status             `json:"status"`
	Result         string             `json:"result,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	EnqueuedAt     time.Time          `json:"enqueued_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	EndedAt        *time.Time         `json:"ended_at,omitempty"`
}

func (t Task) Terminal() bool {
	switch t.Status {
	case StatusDone, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

type EventType string

const (
	EventTaskEnqueued     EventType = "task_enqueued"
	EventTaskStarted      EventType = "task_started"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventTaskSkipped      EventType = "task_skipped"
	EventAssistantDelta   EventType = "assistant_delta"
	EventToolStarted      EventType = "tool_started"
	EventToolFinished     EventType = "tool_finished"
	EventPermissionPrompt EventType = "permission_prompt"
	EventSyncWarning      EventType = "sync_warning"
	EventQueuePaused      EventType = "queue_paused"
	EventQueueResumed     EventType = "queue_resumed"
	EventQueueCleared     EventType = "queue_cleared"
)

// Event is published to subscribers as tasks progress.
type Event struct {
	Type           EventType                `json:"type"`
	TaskID         string                   `json:"task_id,omitempty"`
	ConversationID string                   `json:"conversation_id,omitempty"`
	Project        string                   `json:"project,omitempty"`
	Position       int                      `json:"position,omitempty"`
	Text           string                   `json:"text,omitempty"`
	Tool           string                   `json:"tool,omitempty"`
	Reason         string                   `json:"reason,omitempty"`
	Permission     *agent.PermissionRequest `json:"permission,omitempty"`
	At             time.Time                `json:"at"`
}
