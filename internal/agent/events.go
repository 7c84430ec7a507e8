package agent

// EventType identifies run event variants.
type EventType string

const (
	EventToolCallStarted     EventType = "tool_call_started"
	EventToolCallFinished    EventType = "tool_call_finished"
	EventAssistantText       EventType = "assistant_text"
	EventPermissionRequested EventType = "permission_requested"
	EventRunCompleted        EventType = "run_completed"
	EventRunFailed           EventType = "run_failed"
)

// Event is one entry in a run's finite event stream. Exactly one of
// RunCompleted or RunFailed terminates the stream.
type Event struct {
	Type EventType

	// Tool call events.
	Tool    string
	Args    map[string]any
	Summary string

	// Assistant text.
	Chunk string

	// Permission request awaiting a decision.
	Permission *PermissionRequest

	// Terminal payloads.
	FinalText    string
	Continuation string
	Reason       string
}

// Decision is a response to a permission request.
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionAllowAlways Decision = "allow_always"
	DecisionDeny        Decision = "deny"
)

// PermissionRequest is emitted when a tool call requires approval under the
// active autonomy level. The run does not proceed until it is resolved.
type PermissionRequest struct {
	ID          string
	Tool        string
	Description string
	Destructive bool
	Options     []Decision
}

// CancelReason is the failure reason recorded when a run is cancelled
// before completing.
const CancelReason = "cancelled"

// ProtocolErrorReason is the failure reason synthesized when the subprocess
// produced no parsable completion.
const ProtocolErrorReason = "protocol_error"
