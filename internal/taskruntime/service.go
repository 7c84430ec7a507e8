// Package taskruntime drives queued tasks through the agent process
// runner. A single worker goroutine executes at most one agent subprocess
// at a time; git pull/push wrap the run when the task's settings snapshot
// asks for them.
package taskruntime

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/amori/droidrelay/internal/agent"
	"github.com/amori/droidrelay/internal/gitsync"
	"github.com/amori/droidrelay/internal/observability"
	"github.com/amori/droidrelay/internal/queue"
	"github.com/amori/droidrelay/internal/session"
)

// RunHandle is the live side of one agent invocation.
type RunHandle interface {
	Events() <-chan agent.Event
	RespondPermission(id string, d agent.Decision) error
	Cancel()
	// Wait blocks until the run is over and returns its terminal event.
	// Cancelled runs report RunFailed with reason "cancelled" here even
	// though nothing more is emitted on the events channel.
	Wait() agent.Event
}

// Runner abstracts the agent process runner so tests can substitute a fake.
type Runner interface {
	Start(ctx context.Context, req agent.RunRequest) (RunHandle, error)
}

// Syncer abstracts the git helper.
type Syncer interface {
	Pull(ctx context.Context, dir string) (string, error)
	Push(ctx context.Context, dir, message string) (string, error)
}

// Sessions is the slice of the session manager the runtime needs: reading
// the continuation handle before a run and writing the new one after.
type Sessions interface {
	Get(id string) (*session.Session, error)
	Update(*session.Session) error
}

type Config struct {
	// StopOnFailure pauses the queue when a task fails instead of
	// advancing to the next one.
	StopOnFailure bool
}

type Service struct {
	cfg      Config
	manager  *queue.Manager
	runner   Runner
	syncer   Syncer
	sessions Sessions
	metrics  *observability.Metrics
	store    queue.Store

	mu         sync.Mutex
	workerLive bool
	current    RunHandle
	currentID  string
	skipWanted bool
	wake       chan struct{}
}

func New(cfg Config, manager *queue.Manager, runner Runner, syncer Syncer, sessions Sessions, metrics *observability.Metrics) *Service {
	return &Service{
		cfg:      cfg,
		manager:  manager,
		runner:   runner,
		syncer:   syncer,
		sessions: sessions,
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
	}
}

func (s *Service) SetStore(store queue.Store) {
	s.store = store
	s.manager.SetStore(store)
}

func (s *Service) Queue() *queue.Manager { return s.manager }

// Submit enqueues a task and nudges the worker.
func (s *Service) Submit(ctx context.Context, t queue.Task) (queue.Task, int) {
	stored, pos := s.manager.Enqueue(t)
	if s.metrics != nil {
		s.metrics.TaskEvents.WithLabelValues("enqueued").Inc()
		s.metrics.QueueDepth.Set(float64(s.manager.PendingCount()))
	}
	s.ensureWorker(ctx)
	return stored, pos
}

// Pause stops the queue after the current task finishes.
func (s *Service) Pause() { s.manager.Pause() }

// Resume restarts queue advancement.
func (s *Service) Resume(ctx context.Context) {
	s.manager.Resume()
	s.ensureWorker(ctx)
}

// Clear empties the pending queue, leaving any running task to finish.
func (s *Service) Clear() int {
	n := s.manager.Clear()
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(s.manager.PendingCount()))
	}
	return n
}

// Skip cancels the currently running task and marks it skipped. It has no
// effect on pending entries.
func (s *Service) Skip() error {
	s.mu.Lock()
	run := s.current
	if run != nil {
		s.skipWanted = true
	}
	s.mu.Unlock()
	if run == nil {
		return queue.ErrNoCurrent
	}
	run.Cancel()
	return nil
}

// Stop cancels the currently running task, leaving it failed with reason
// "cancelled". Unlike Skip the task is not treated as deliberately skipped.
func (s *Service) Stop() error {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run == nil {
		return queue.ErrNoCurrent
	}
	run.Cancel()
	return nil
}

// RespondPermission forwards a permission decision to the active run.
func (s *Service) RespondPermission(id string, d agent.Decision) error {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run == nil {
		return queue.ErrNoCurrent
	}
	if s.metrics != nil {
		s.metrics.PermissionDecisions.WithLabelValues(string(d)).Inc()
	}
	return run.RespondPermission(id, d)
}

// ensureWorker starts the single worker goroutine if it is not already
// live, and otherwise wakes it.
func (s *Service) ensureWorker(ctx context.Context) {
	s.mu.Lock()
	if s.workerLive {
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
		return
	}
	s.workerLive = true
	s.mu.Unlock()

	go s.workerLoop(ctx)
}

func (s *Service) workerLoop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.workerLive = false
		s.mu.Unlock()
	}()

	for {
		task, ok := s.manager.Claim()
		if !ok {
			// Nothing claimable right now (paused or drained). Wait
			// for a nudge rather than spinning; exit on shutdown.
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		s.execute(ctx, task)
		if s.metrics != nil {
			s.metrics.QueueDepth.Set(float64(s.manager.PendingCount()))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Service) execute(ctx context.Context, task queue.Task) {
	started := time.Now()

	if task.Settings.Pull && s.syncer != nil {
		if out, err := s.syncer.Pull(ctx, task.WorkingDir); err != nil {
			// Pull failure is non-fatal: the task still runs against
			// the tree as-is, with the error surfaced to the user.
			log.Printf("taskruntime: pull before task %s failed: %v", task.ID, err)
			s.publishSyncWarning(task, "pull", err, out)
		}
	}

	continuation := s.continuationFor(task)
	run, err := s.runner.Start(ctx, agent.RunRequest{
		WorkingDir:   task.WorkingDir,
		Instruction:  task.Instruction,
		Continuation: continuation,
		Settings:     task.Settings,
	})
	if err != nil {
		s.finish(task, queue.StatusFailed, "", err.Error(), started)
		return
	}

	s.mu.Lock()
	s.current = run
	s.currentID = task.ID
	s.skipWanted = false
	s.mu.Unlock()

	s.relay(task, run)
	final := run.Wait()

	s.mu.Lock()
	skipped := s.skipWanted
	s.current = nil
	s.currentID = ""
	s.skipWanted = false
	s.mu.Unlock()

	switch {
	case final.Type == agent.EventRunCompleted:
		s.saveContinuation(task, final.Continuation)
		if task.Settings.Push && s.syncer != nil {
			if out, err := s.syncer.Push(ctx, task.WorkingDir, pushMessage(task)); err != nil {
				log.Printf("taskruntime: push after task %s failed: %v", task.ID, err)
				s.publishSyncWarning(task, "push", err, out)
			}
		}
		s.finish(task, queue.StatusDone, final.FinalText, "", started)
	case skipped:
		s.finish(task, queue.StatusSkipped, "", agent.CancelReason, started)
	default:
		s.finish(task, queue.StatusFailed, "", final.Reason, started)
		if s.cfg.StopOnFailure {
			log.Printf("taskruntime: pausing queue after failure of task %s", task.ID)
			s.manager.Pause()
		}
	}
}

// relay forwards run events to queue subscribers. The worker must not
// advance until the runner's stream closes, so this drains the channel
// completely.
func (s *Service) relay(task queue.Task, run RunHandle) {
	for ev := range run.Events() {
		if s.metrics != nil {
			s.metrics.RunEvents.WithLabelValues(string(ev.Type)).Inc()
		}
		switch ev.Type {
		case agent.EventAssistantText:
			s.manager.Publish(queue.Event{
				Type:           queue.EventAssistantDelta,
				TaskID:         task.ID,
				ConversationID: task.ConversationID,
				Text:           ev.Chunk,
			})
		case agent.EventToolCallStarted:
			s.manager.Publish(queue.Event{
				Type:           queue.EventToolStarted,
				TaskID:         task.ID,
				ConversationID: task.ConversationID,
				Tool:           ev.Tool,
				Text:           toolDetail(ev.Tool, ev.Args),
			})
		case agent.EventToolCallFinished:
			s.manager.Publish(queue.Event{
				Type:           queue.EventToolFinished,
				TaskID:         task.ID,
				ConversationID: task.ConversationID,
				Tool:           ev.Tool,
				Text:           ev.Summary,
			})
		case agent.EventPermissionRequested:
			s.manager.Publish(queue.Event{
				Type:           queue.EventPermissionPrompt,
				TaskID:         task.ID,
				ConversationID: task.ConversationID,
				Permission:     ev.Permission,
			})
		case agent.EventRunCompleted, agent.EventRunFailed:
			// Terminal outcomes reach subscribers through Finish's
			// lifecycle event; nothing extra to relay here.
		}
	}
}

func (s *Service) finish(task queue.Task, status queue.Status, result, reason string, started time.Time) {
	if _, err := s.manager.Finish(task.ID, status, result, reason); err != nil {
		log.Printf("taskruntime: finish task %s: %v", task.ID, err)
	}
	if s.metrics != nil {
		s.metrics.TaskEvents.WithLabelValues(string(status)).Inc()
		s.metrics.RunDuration.Observe(time.Since(started).Seconds())
	}
}

func (s *Service) continuationFor(task queue.Task) string {
	if s.sessions == nil || task.SessionID == "" {
		return ""
	}
	sess, err := s.sessions.Get(task.SessionID)
	if err != nil {
		return ""
	}
	return sess.ContinuationHandle
}

func (s *Service) saveContinuation(task queue.Task, handle string) {
	if s.sessions == nil || task.SessionID == "" || strings.TrimSpace(handle) == "" {
		return
	}
	sess, err := s.sessions.Get(task.SessionID)
	if err != nil {
		return
	}
	sess.ContinuationHandle = handle
	if err := s.sessions.Update(sess); err != nil {
		if errors.Is(err, session.ErrPersist) {
			// In-memory state is still authoritative; the store
			// warning reaches the user via the sync-warning channel.
			log.Printf("taskruntime: session persist failed: %v", err)
			return
		}
		log.Printf("taskruntime: session update failed: %v", err)
	}
}

func (s *Service) publishSyncWarning(task queue.Task, op string, err error, out string) {
	if s.metrics != nil {
		s.metrics.SyncErrors.WithLabelValues(op).Inc()
	}
	detail := err.Error()
	var syncErr *gitsync.SyncError
	if errors.As(err, &syncErr) && strings.TrimSpace(syncErr.Output) != "" {
		detail = strings.TrimSpace(syncErr.Output)
	} else if strings.TrimSpace(out) != "" {
		detail = strings.TrimSpace(out)
	}
	s.manager.Publish(queue.Event{
		Type:           queue.EventSyncWarning,
		TaskID:         task.ID,
		ConversationID: task.ConversationID,
		Reason:         op,
		Text:           detail,
	})
}

// pushMessage derives a commit message from the instruction's first 72
// runes. Cutting on rune boundaries keeps multi-byte text valid.
func pushMessage(task queue.Task) string {
	msg := strings.TrimSpace(task.Instruction)
	if utf8.RuneCountInString(msg) > 72 {
		runes := []rune(msg)
		msg = strings.TrimSpace(string(runes[:72]))
	}
	return msg
}

// toolDetail extracts the most useful argument for a compact live update,
// the way the chat surface renders tool activity.
func toolDetail(tool string, args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := args[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	var detail string
	switch tool {
	case "Read", "Edit", "MultiEdit", "Create", "Write":
		detail = pick("file_path", "path")
		if len(detail) > 50 {
			detail = "..." + detail[len(detail)-47:]
		}
	case "Grep":
		detail = pick("pattern")
		if len(detail) > 20 {
			detail = detail[:20] + "..."
		}
	case "Execute", "Bash":
		detail = pick("command")
		if len(detail) > 40 {
			detail = detail[:40] + "..."
		}
	case "WebSearch":
		detail = pick("query")
		if len(detail) > 25 {
			detail = detail[:25] + "..."
		}
	default:
		detail = pick("file_path", "path", "command", "pattern", "query")
	}
	return detail
}
