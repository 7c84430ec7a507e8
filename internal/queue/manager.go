// Package queue holds the ordered task list and its state machine. Ordering
// is strictly FIFO across the whole queue: tasks from different projects
// interleave in enqueue order and are never reordered by project. At most
// one task is running system-wide; Claim is the only place that invariant
// is enforced.
package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrNoCurrent    = errors.New("no task is running")
)

const defaultEventBuffer = 256

// Store persists terminal task records for history. The in-memory queue is
// authoritative; pending entries deliberately do not survive a restart.
type Store interface {
	SaveTask(ctx context.Context, t Task) error
	Close() error
}

type Manager struct {
	mu      sync.RWMutex
	pending []*Task
	byID    map[string]*Task
	order   []string
	current string
	state   State
	store   Store

	subscribers map[int]subscriber
	nextSubID   int
}

type subscriber struct {
	conversationID string
	ch             chan Event
}

func NewManager() *Manager {
	return &Manager{
		byID:        make(map[string]*Task),
		state:       StateIdle,
		subscribers: make(map[int]subscriber),
	}
}

func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// Subscribe returns an event stream. An empty conversationID receives
// every event; otherwise only events for that conversation are delivered.
// Slow subscribers drop events rather than blocking the worker.
func (m *Manager) Subscribe(conversationID string) (<-chan Event, func()) {
	ch := make(chan Event, defaultEventBuffer)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subscribers[id] = subscriber{conversationID: conversationID, ch: ch}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(sub.ch)
		}
	}
}

// Enqueue appends a task and returns it with its queue position (1-based
// among pending entries). No per-project deduplication: a second task for a
// project whose prior task is still pending is a plain append.
func (m *Manager) Enqueue(t Task) (Task, int) {
	now := time.Now().UTC()
	t.ID = uuid.NewString()
	t.Status = StatusPending
	t.EnqueuedAt = now
	t.Instruction = strings.TrimSpace(t.Instruction)

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := t
	m.byID[t.ID] = &stored
	m.order = append(m.order, t.ID)
	m.pending = append(m.pending, &stored)
	pos := len(m.pending)

	m.publishLocked(Event{
		Type:           EventTaskEnqueued,
		TaskID:         t.ID,
		ConversationID: t.ConversationID,
		Project:        t.Project,
		Position:       pos,
		Text:           t.Instruction,
		At:             now,
	})
	return stored, pos
}

// Claim pops the next pending task and marks it running. It returns false
// when the queue is paused, empty, or another task is already running.
// This is the single enforcement point for the one-running-task invariant.
func (m *Manager) Claim() (Task, bool) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StatePaused || m.current != "" || len(m.pending) == 0 {
		if m.current == "" && len(m.pending) == 0 && m.state == StateRunning {
			m.state = StateIdle
		}
		return Task{}, false
	}

	t := m.pending[0]
	m.pending = m.pending[1:]
	t.Status = StatusRunning
	t.StartedAt = &now
	m.current = t.ID
	m.state = StateRunning

	m.publishLocked(Event{
		Type:           EventTaskStarted,
		TaskID:         t.ID,
		ConversationID: t.ConversationID,
		Project:        t.Project,
		Text:           t.Instruction,
		At:             now,
	})
	return *t, true
}

// Finish records a terminal status for the running task and releases the
// single-worker slot.
func (m *Manager) Finish(id string, status Status, result, reason string) (Task, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if t.Terminal() {
		return *t, nil
	}
	t.Status = status
	t.Result = strings.TrimSpace(result)
	t.Reason = strings.TrimSpace(reason)
	t.EndedAt = &now
	if m.current == id {
		m.current = ""
	}
	if len(m.pending) == 0 && m.state == StateRunning {
		m.state = StateIdle
	}

	evType := EventTaskCompleted
	switch status {
	case StatusFailed:
		evType = EventTaskFailed
	case StatusSkipped:
		evType = EventTaskSkipped
	}
	m.publishLocked(Event{
		Type:           evType,
		TaskID:         t.ID,
		ConversationID: t.ConversationID,
		Project:        t.Project,
		Text:           t.Result,
		Reason:         t.Reason,
		At:             now,
	})
	m.persistTask(*t)
	return *t, nil
}

// Pause stops the worker from claiming further tasks. The currently
// running task, if any, finishes normally.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StatePaused {
		return
	}
	m.state = StatePaused
	m.publishLocked(Event{Type: EventQueuePaused, At: time.Now().UTC()})
}

// Resume re-enables claiming.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return
	}
	if len(m.pending) > 0 || m.current != "" {
		m.state = StateRunning
	} else {
		m.state = StateIdle
	}
	m.publishLocked(Event{Type: EventQueueResumed, At: time.Now().UTC()})
}

// Clear drops all pending entries. It silently leaves the currently
// running task alone; that task finishes on its own.
func (m *Manager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := len(m.pending)
	now := time.Now().UTC()
	for _, t := range m.pending {
		t.Status = StatusSkipped
		t.Reason = "cleared"
		t.EndedAt = &now
	}
	m.pending = nil
	if m.current == "" {
		m.state = StateIdle
	}
	if dropped > 0 {
		m.publishLocked(Event{Type: EventQueueCleared, Position: dropped, At: now})
	}
	return dropped
}

// State returns the queue-level state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns the running task, if any.
func (m *Manager) Current() (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return Task{}, false
	}
	t, ok := m.byID[m.current]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// PendingCount returns the number of queued-but-not-started tasks.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// Get returns a task by id.
func (m *Manager) Get(id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// Pending returns the tasks still waiting to run, in enqueue order. The
// running task and terminal tasks are excluded; Current and Get cover
// those.
func (m *Manager) Pending() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Task, 0, len(m.pending))
	for _, t := range m.pending {
		out = append(out, *t)
	}
	return out
}

// Publish emits a progress event for the running task. Used by the task
// runtime to relay agent stream activity.
func (m *Manager) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(ev)
}

func (m *Manager) publishLocked(ev Event) {
	for _, sub := range m.subscribers {
		if sub.conversationID != "" && ev.ConversationID != "" && sub.conversationID != ev.ConversationID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (m *Manager) persistTask(t Task) {
	store := m.store
	if store == nil {
		return
	}
	go func(snapshot Task) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = store.SaveTask(ctx, snapshot)
	}(t)
}
