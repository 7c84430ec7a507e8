// Package dispatch maps inbound chat commands onto session, queue, and git
// operations. The command registry is validated at startup against the
// documented command set; user input validation happens here and never
// reaches the runner or the queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/amori/droidrelay/internal/agent"
	"github.com/amori/droidrelay/internal/config"
	"github.com/amori/droidrelay/internal/gitsync"
	"github.com/amori/droidrelay/internal/observability"
	"github.com/amori/droidrelay/internal/session"
	"github.com/amori/droidrelay/internal/taskruntime"
)

var (
	// ErrUnauthorized marks commands from unrecognized users. Callers
	// drop these without replying; nothing is ever executed for them.
	ErrUnauthorized   = errors.New("unauthorized user")
	ErrUnknownCommand = errors.New("unknown command")
)

// Command is one normalized inbound chat command. An empty Name means a
// bare message: an instruction for the agent.
type Command struct {
	ConversationID string
	UserID         string
	Name           string
	Args           string
	ReplyTo        string
}

// Messenger is the outbound side of the messaging transport.
type Messenger interface {
	SendText(conversationID, text string) error
	EditMessage(conversationID, messageID, text string) error
	SendButtons(conversationID, prompt string, requestID string, options []string) error
}

// Handler processes one command and replies through the messenger.
type Handler func(ctx context.Context, cmd Command, out Messenger) error

// commandSet is the documented command surface. Registration is checked
// against this list at startup so a missing handler is a boot failure, not
// a runtime surprise.
var commandSet = []string{
	"start", "help", "new", "cwd", "session", "status", "git", "stream",
	"task", "queue", "pause", "resume", "skip", "stop", "clear",
	"autonomy", "model", "sync",
}

type Dispatcher struct {
	cfg      config.Config
	sessions *session.Manager
	service  *taskruntime.Service
	git      *gitsync.Helper
	metrics  *observability.Metrics

	registry map[string]Handler

	mu        sync.Mutex
	streaming bool
}

func New(cfg config.Config, sessions *session.Manager, service *taskruntime.Service, git *gitsync.Helper, metrics *observability.Metrics) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:       cfg,
		sessions:  sessions,
		service:   service,
		git:       git,
		metrics:   metrics,
		streaming: true,
	}
	d.registry = map[string]Handler{
		"start":    d.handleStart,
		"help":     d.handleStart,
		"new":      d.handleNew,
		"cwd":      d.handleCwd,
		"session":  d.handleSession,
		"status":   d.handleStatus,
		"git":      d.handleGit,
		"stream":   d.handleStream,
		"task":     d.handleTask,
		"queue":    d.handleQueue,
		"pause":    d.handlePause,
		"resume":   d.handleResume,
		"skip":     d.handleSkip,
		"stop":     d.handleStop,
		"clear":    d.handleClear,
		"autonomy": d.handleAutonomy,
		"model":    d.handleModel,
		"sync":     d.handleSync,
	}
	if err := validateRegistry(d.registry); err != nil {
		return nil, err
	}
	return d, nil
}

// validateRegistry checks the handler map is complete and carries no
// undocumented entries.
func validateRegistry(registry map[string]Handler) error {
	var missing, extra []string
	documented := make(map[string]bool, len(commandSet))
	for _, name := range commandSet {
		documented[name] = true
		if registry[name] == nil {
			missing = append(missing, name)
		}
	}
	for name := range registry {
		if !documented[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	if len(missing) > 0 || len(extra) > 0 {
		return fmt.Errorf("command registry mismatch: missing=%v extra=%v", missing, extra)
	}
	return nil
}

// Authorized reports whether the user may drive the bot. An empty
// allowlist denies everyone.
func (d *Dispatcher) Authorized(userID string) bool {
	return d.cfg.AllowedUsers[strings.TrimSpace(userID)]
}

// Dispatch routes one command. Unauthorized commands are logged and
// dropped; unknown commands and validation failures are reported back to
// the user with state unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command, out Messenger) error {
	if !d.Authorized(cmd.UserID) {
		log.Printf("dispatch: unauthorized access attempt from user %q", cmd.UserID)
		return ErrUnauthorized
	}

	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" {
		err := d.handleInstruction(ctx, cmd, out)
		d.observe("message", err)
		return err
	}

	handler, ok := d.registry[name]
	if !ok {
		// Bound label cardinality: unknown names are counted together.
		d.observe("unknown", ErrUnknownCommand)
		_ = out.SendText(cmd.ConversationID, fmt.Sprintf("Unknown command /%s. Try /help.", name))
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	err := handler(ctx, cmd, out)
	d.observe(name, err)
	return err
}

// RespondPermission forwards a permission decision from the transport to
// the active run. On success the prompt message is edited in place so the
// buttons are replaced by the recorded outcome.
func (d *Dispatcher) RespondPermission(conversationID, userID, requestID string, decision agent.Decision, out Messenger) error {
	if !d.Authorized(userID) {
		log.Printf("dispatch: unauthorized permission response from user %q", userID)
		return ErrUnauthorized
	}
	switch decision {
	case agent.DecisionAllow, agent.DecisionAllowAlways, agent.DecisionDeny:
	default:
		return fmt.Errorf("invalid permission decision %q", decision)
	}
	if err := d.service.RespondPermission(requestID, decision); err != nil {
		return err
	}
	if out != nil {
		_ = out.EditMessage(conversationID, requestID, fmt.Sprintf("Permission %s: %s", requestID, decisionLabel(decision)))
	}
	return nil
}

func decisionLabel(d agent.Decision) string {
	switch d {
	case agent.DecisionAllow:
		return "allowed"
	case agent.DecisionAllowAlways:
		return "always allowed"
	default:
		return "denied"
	}
}

// StreamingEnabled reports whether live tool/text updates should be
// relayed to the chat surface.
func (d *Dispatcher) StreamingEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

func (d *Dispatcher) observe(command string, err error) {
	if d.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.CommandsHandled.WithLabelValues(command, outcome).Inc()
}
