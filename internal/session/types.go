package session

import (
	"errors"
	"time"

	"github.com/amori/droidrelay/internal/settings"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrPersist wraps store write failures. In-memory state stays
	// authoritative; callers surface a warning and keep serving.
	ErrPersist = errors.New("session persistence failed")
)

// Session is a persisted conversational context bound to a working
// directory and agent settings. ContinuationHandle is the opaque token the
// agent CLI returns so a later invocation can resume the conversation.
type Session struct {
	ID                 string         `json:"id"`
	ConversationID     string         `json:"conversation_id"`
	WorkingDir         string         `json:"working_dir"`
	Autonomy           settings.Level `json:"autonomy,omitempty"`
	Model              string         `json:"model,omitempty"`
	Pull               *bool          `json:"pull,omitempty"`
	Push               *bool          `json:"push,omitempty"`
	ContinuationHandle string         `json:"continuation_handle,omitempty"`
	FirstPrompt        string         `json:"first_prompt,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	LastActiveAt       time.Time      `json:"last_active_at"`
}

// Stored maps the session onto the resolver's per-session layer.
func (s *Session) Stored() settings.Stored {
	return settings.Stored{
		Autonomy: s.Autonomy,
		Model:    s.Model,
		Pull:     s.Pull,
		Push:     s.Push,
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
