package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/amori/droidrelay/internal/queue"
	"github.com/amori/droidrelay/internal/session"
	"github.com/amori/droidrelay/internal/settings"
)

const helpText = `Send any message to hand it to the coding agent as a task.

/new [path|project]  start a fresh session in a directory
/cwd                 show the current working directory
/session [prefix]    list sessions or switch by id prefix
/status              queue and session status
/git <args>          run a git command in the session directory
/task <project> <instruction>  queue work for a named project
/queue               list queued tasks
/pause /resume       pause or resume the queue
/skip                skip the running task
/stop                stop the running task
/clear               drop all pending tasks
/stream              toggle live progress updates
/autonomy [level]    off | low | medium | high | unsafe
/model [name]        opus | sonnet | haiku | full identifier
/sync <pull|push> <on|off>  git sync around tasks`

const gitOutputLimit = 3500

func (d *Dispatcher) handleStart(ctx context.Context, cmd Command, out Messenger) error {
	return out.SendText(cmd.ConversationID, helpText)
}

func (d *Dispatcher) handleNew(ctx context.Context, cmd Command, out Messenger) error {
	dir, err := d.resolveDir(cmd.Args)
	if err != nil {
		return out.SendText(cmd.ConversationID, err.Error())
	}
	sess, err := d.sessions.StartNew(cmd.ConversationID, dir)
	if err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	if d.metrics != nil {
		d.metrics.ActiveSessions.Set(float64(d.sessions.Count()))
	}
	return out.SendText(cmd.ConversationID, fmt.Sprintf("New session %s\n%s", shortID(sess.ID), d.dirLine(ctx, sess.WorkingDir)))
}

func (d *Dispatcher) handleCwd(ctx context.Context, cmd Command, out Messenger) error {
	sess, err := d.sessions.GetOrCreate(cmd.ConversationID)
	if err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	return out.SendText(cmd.ConversationID, d.dirLine(ctx, sess.WorkingDir))
}

func (d *Dispatcher) handleSession(ctx context.Context, cmd Command, out Messenger) error {
	prefix := strings.TrimSpace(cmd.Args)
	if prefix != "" {
		sess, err := d.sessions.Switch(cmd.ConversationID, prefix)
		if errors.Is(err, session.ErrNotFound) {
			return out.SendText(cmd.ConversationID, fmt.Sprintf("No session matches %q.", prefix))
		}
		if err != nil && !errors.Is(err, session.ErrPersist) {
			return err
		}
		return out.SendText(cmd.ConversationID, fmt.Sprintf("Switched to session %s\n%s", shortID(sess.ID), d.dirLine(ctx, sess.WorkingDir)))
	}

	recent := d.sessions.ListRecent(cmd.ConversationID, 10)
	if len(recent) == 0 {
		return out.SendText(cmd.ConversationID, "No sessions yet. Send a message or /new to start one.")
	}
	active, _ := d.sessions.GetOrCreate(cmd.ConversationID)
	var b strings.Builder
	b.WriteString("Sessions (most recent first):\n")
	for _, s := range recent {
		marker := "  "
		if active != nil && s.ID == active.ID {
			marker = "* "
		}
		prompt := s.FirstPrompt
		if prompt == "" {
			prompt = "(no prompt yet)"
		}
		fmt.Fprintf(&b, "%s%s  %s  %s\n", marker, shortID(s.ID), filepath.Base(s.WorkingDir), truncate(prompt, 40))
	}
	b.WriteString("Use /session <prefix> to switch.")
	return out.SendText(cmd.ConversationID, b.String())
}

func (d *Dispatcher) handleStatus(ctx context.Context, cmd Command, out Messenger) error {
	sess, err := d.sessions.GetOrCreate(cmd.ConversationID)
	if err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	q := d.service.Queue()

	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %s, %d pending\n", q.State(), q.PendingCount())
	if cur, ok := q.Current(); ok {
		fmt.Fprintf(&b, "Running: %s\n", truncate(cur.Instruction, 60))
	}
	fmt.Fprintf(&b, "Session %s\n%s\n", shortID(sess.ID), d.dirLine(ctx, sess.WorkingDir))
	eff := settings.Resolve(d.cfg.Defaults(), sess.Stored(), settings.Overrides{})
	fmt.Fprintf(&b, "Autonomy %s, model %s, pull %v, push %v\n", eff.Autonomy, eff.Model, eff.Pull, eff.Push)
	fmt.Fprintf(&b, "Streaming %s", onOff(d.StreamingEnabled()))
	return out.SendText(cmd.ConversationID, b.String())
}

func (d *Dispatcher) handleGit(ctx context.Context, cmd Command, out Messenger) error {
	args := strings.Fields(cmd.Args)
	if len(args) == 0 {
		return out.SendText(cmd.ConversationID, "Usage: /git <args>, e.g. /git log --oneline -5")
	}
	sess, err := d.sessions.GetOrCreate(cmd.ConversationID)
	if err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	outText, runErr := d.git.Run(ctx, sess.WorkingDir, args...)
	if runErr != nil {
		if d.metrics != nil {
			d.metrics.SyncErrors.WithLabelValues("passthrough").Inc()
		}
		if outText == "" {
			outText = runErr.Error()
		}
		return out.SendText(cmd.ConversationID, fmt.Sprintf("git %s failed:\n%s", args[0], truncate(outText, gitOutputLimit)))
	}
	if strings.TrimSpace(outText) == "" {
		outText = "(no output)"
	}
	return out.SendText(cmd.ConversationID, truncate(outText, gitOutputLimit))
}

func (d *Dispatcher) handleStream(ctx context.Context, cmd Command, out Messenger) error {
	d.mu.Lock()
	d.streaming = !d.streaming
	enabled := d.streaming
	d.mu.Unlock()
	return out.SendText(cmd.ConversationID, fmt.Sprintf("Live updates %s.", onOff(enabled)))
}

func (d *Dispatcher) handleTask(ctx context.Context, cmd Command, out Messenger) error {
	name, instruction, ok := strings.Cut(strings.TrimSpace(cmd.Args), " ")
	if !ok || strings.TrimSpace(instruction) == "" {
		return out.SendText(cmd.ConversationID, "Usage: /task <project> <instruction>")
	}
	dir, found := d.cfg.ResolveProject(name)
	if !found {
		return out.SendText(cmd.ConversationID, fmt.Sprintf("Unknown project %q. Configured: %s", name, d.projectNames()))
	}
	return d.enqueue(ctx, cmd, out, strings.ToLower(name), dir, strings.TrimSpace(instruction))
}

func (d *Dispatcher) handleQueue(ctx context.Context, cmd Command, out Messenger) error {
	q := d.service.Queue()
	tasks := q.Pending()
	cur, running := q.Current()
	if len(tasks) == 0 && !running {
		return out.SendText(cmd.ConversationID, "Queue is empty.")
	}
	var b strings.Builder
	if running {
		fmt.Fprintf(&b, "Running: [%s] %s\n", projectOrDash(cur.Project), truncate(cur.Instruction, 60))
	}
	for i, t := range tasks {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, projectOrDash(t.Project), truncate(t.Instruction, 60))
	}
	if q.State() == queue.StatePaused {
		b.WriteString("Queue is paused.")
	}
	return out.SendText(cmd.ConversationID, strings.TrimRight(b.String(), "\n"))
}

func (d *Dispatcher) handlePause(ctx context.Context, cmd Command, out Messenger) error {
	d.service.Pause()
	return out.SendText(cmd.ConversationID, "Queue paused. The running task finishes; nothing new starts.")
}

func (d *Dispatcher) handleResume(ctx context.Context, cmd Command, out Messenger) error {
	d.service.Resume(context.WithoutCancel(ctx))
	return out.SendText(cmd.ConversationID, "Queue resumed.")
}

func (d *Dispatcher) handleSkip(ctx context.Context, cmd Command, out Messenger) error {
	if err := d.service.Skip(); err != nil {
		if errors.Is(err, queue.ErrNoCurrent) {
			return out.SendText(cmd.ConversationID, "Nothing is running.")
		}
		return err
	}
	return out.SendText(cmd.ConversationID, "Skipping the current task.")
}

func (d *Dispatcher) handleStop(ctx context.Context, cmd Command, out Messenger) error {
	if err := d.service.Stop(); err != nil {
		if errors.Is(err, queue.ErrNoCurrent) {
			return out.SendText(cmd.ConversationID, "Nothing is running.")
		}
		return err
	}
	return out.SendText(cmd.ConversationID, "Stopping the current task.")
}

func (d *Dispatcher) handleClear(ctx context.Context, cmd Command, out Messenger) error {
	n := d.service.Clear()
	return out.SendText(cmd.ConversationID, fmt.Sprintf("Dropped %d pending task(s).", n))
}

func (d *Dispatcher) handleAutonomy(ctx context.Context, cmd Command, out Messenger) error {
	sess, err := d.sessions.GetOrCreate(cmd.ConversationID)
	if err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	arg := strings.TrimSpace(cmd.Args)
	if arg == "" {
		eff := settings.Resolve(d.cfg.Defaults(), sess.Stored(), settings.Overrides{})
		return out.SendText(cmd.ConversationID, fmt.Sprintf("Autonomy is %s. Levels: off, low, medium, high, unsafe.", eff.Autonomy))
	}
	level, err := settings.ParseLevel(arg)
	if err != nil {
		return out.SendText(cmd.ConversationID, fmt.Sprintf("Invalid autonomy level %q. Levels: off, low, medium, high, unsafe. Keeping the current setting.", arg))
	}
	sess.Autonomy = level
	if err := d.sessions.Update(sess); err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	reply := fmt.Sprintf("Autonomy set to %s.", level)
	if level == settings.LevelUnsafe {
		reply += " The agent will execute every tool call without asking."
	}
	return out.SendText(cmd.ConversationID, reply)
}

func (d *Dispatcher) handleModel(ctx context.Context, cmd Command, out Messenger) error {
	sess, err := d.sessions.GetOrCreate(cmd.ConversationID)
	if err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	arg := strings.TrimSpace(cmd.Args)
	if arg == "" {
		eff := settings.Resolve(d.cfg.Defaults(), sess.Stored(), settings.Overrides{})
		return out.SendText(cmd.ConversationID, fmt.Sprintf("Model is %s. Shortcuts: opus, sonnet, haiku.", eff.Model))
	}
	model := settings.ExpandModel(arg)
	sess.Model = model
	if err := d.sessions.Update(sess); err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	return out.SendText(cmd.ConversationID, fmt.Sprintf("Model set to %s.", model))
}

func (d *Dispatcher) handleSync(ctx context.Context, cmd Command, out Messenger) error {
	fields := strings.Fields(strings.ToLower(cmd.Args))
	if len(fields) != 2 || (fields[0] != "pull" && fields[0] != "push") || (fields[1] != "on" && fields[1] != "off") {
		return out.SendText(cmd.ConversationID, "Usage: /sync <pull|push> <on|off>")
	}
	sess, err := d.sessions.GetOrCreate(cmd.ConversationID)
	if err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	enabled := fields[1] == "on"
	if fields[0] == "pull" {
		sess.Pull = &enabled
	} else {
		sess.Push = &enabled
	}
	if err := d.sessions.Update(sess); err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	return out.SendText(cmd.ConversationID, fmt.Sprintf("Git %s %s.", fields[0], onOff(enabled)))
}

// handleInstruction turns a bare message into a queued task with a settings
// snapshot resolved at enqueue time.
func (d *Dispatcher) handleInstruction(ctx context.Context, cmd Command, out Messenger) error {
	instruction := strings.TrimSpace(cmd.Args)
	if instruction == "" {
		return nil
	}
	sess, err := d.sessions.GetOrCreate(cmd.ConversationID)
	if err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	return d.enqueue(ctx, cmd, out, "", sess.WorkingDir, instruction)
}

func (d *Dispatcher) enqueue(ctx context.Context, cmd Command, out Messenger, project, dir, instruction string) error {
	sess, err := d.sessions.GetOrCreate(cmd.ConversationID)
	if err != nil && !errors.Is(err, session.ErrPersist) {
		return err
	}
	if sess.FirstPrompt == "" {
		sess.FirstPrompt = truncate(instruction, 80)
		if err := d.sessions.Update(sess); err != nil && !errors.Is(err, session.ErrPersist) {
			return err
		}
	}
	eff := settings.Resolve(d.cfg.Defaults(), sess.Stored(), settings.Overrides{})
	task := queue.Task{
		ConversationID: cmd.ConversationID,
		SessionID:      sess.ID,
		Project:        project,
		WorkingDir:     dir,
		Instruction:    instruction,
		Settings:       eff,
	}
	_, pos := d.service.Submit(context.WithoutCancel(ctx), task)
	if pos <= 1 && d.service.Queue().State() != queue.StatePaused {
		return out.SendText(cmd.ConversationID, "Working on it...")
	}
	return out.SendText(cmd.ConversationID, fmt.Sprintf("Queued at position %d.", pos))
}

// resolveDir maps /new's argument onto an absolute directory: empty means
// the configured default, a known project name means its path, anything
// else must be an existing absolute directory.
func (d *Dispatcher) resolveDir(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return d.cfg.DefaultWorkingDir, nil
	}
	if dir, ok := d.cfg.ResolveProject(arg); ok {
		return dir, nil
	}
	if !filepath.IsAbs(arg) {
		return "", fmt.Errorf("expected an absolute path or a project name (%s), got %q", d.projectNames(), arg)
	}
	info, err := os.Stat(arg)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("directory %s does not exist", arg)
	}
	return filepath.Clean(arg), nil
}

func (d *Dispatcher) dirLine(ctx context.Context, dir string) string {
	summary, err := d.git.Status(ctx, dir)
	if err != nil || !summary.IsRepo {
		return dir
	}
	return fmt.Sprintf("%s (%s)", dir, summary)
}

func (d *Dispatcher) projectNames() string {
	names := make([]string, 0, len(d.cfg.Projects))
	for name := range d.cfg.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "none configured"
	}
	return strings.Join(names, ", ")
}

func projectOrDash(project string) string {
	if project == "" {
		return "-"
	}
	return project
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens s to max runes. Cutting on rune boundaries keeps
// multi-byte text valid in chat replies.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
