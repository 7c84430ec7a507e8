// Package session tracks conversational sessions: which working directory,
// settings, and agent continuation handle each conversation is bound to.
// Records live in memory and are mirrored to a single JSON snapshot file.
package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// historyLimit caps how many sessions are retained per store. Oldest
// inactive sessions are evicted first.
const historyLimit = 100

// Store is the durable backing for the manager. FileStore is the production
// implementation; tests may supply their own.
type Store interface {
	Load() (sessions map[string]*Session, active map[string]string)
	Save(sessions map[string]*Session, active map[string]string) error
}

type Manager struct {
	mu           sync.RWMutex
	store        Store
	sessions     map[string]*Session
	activeByConv map[string]string

	defaultWorkingDir string
}

func NewManager(store Store, defaultWorkingDir string) *Manager {
	m := &Manager{
		store:             store,
		sessions:          make(map[string]*Session),
		activeByConv:      make(map[string]string),
		defaultWorkingDir: defaultWorkingDir,
	}
	if store != nil {
		m.sessions, m.activeByConv = store.Load()
	}
	return m
}

// GetOrCreate returns the conversation's active session, creating one bound
// to the default working directory if none exists. Creation persists
// immediately; a persistence failure is returned alongside the usable
// in-memory session.
func (m *Manager) GetOrCreate(conversationID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.activeByConv[conversationID]; ok {
		if s, ok := m.sessions[id]; ok {
			return clone(s), nil
		}
	}
	return m.createLocked(conversationID, m.defaultWorkingDir)
}

// StartNew creates a fresh session in the given directory and makes it the
// conversation's active session.
func (m *Manager) StartNew(conversationID, workingDir string) (*Session, error) {
	if strings.TrimSpace(workingDir) == "" {
		workingDir = m.defaultWorkingDir
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(conversationID, workingDir)
}

func (m *Manager) createLocked(conversationID, workingDir string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		WorkingDir:     workingDir,
		CreatedAt:      now,
		LastActiveAt:   now,
	}
	m.sessions[s.ID] = s
	m.activeByConv[conversationID] = s.ID
	m.evictLocked()
	err := m.persistLocked()
	return clone(s), err
}

// Get returns a session by exact id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Update replaces the persisted record. On a store write failure the
// in-memory record is still updated and the error is returned for the
// caller to surface as a warning.
func (m *Manager) Update(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	c := clone(s)
	c.LastActiveAt = time.Now().UTC()
	m.sessions[s.ID] = c
	return m.persistLocked()
}

// Touch bumps last-activity without changing anything else.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActiveAt = time.Now().UTC()
	return m.persistLocked()
}

// Switch activates a prior session matched by ID prefix (session listings
// show truncated IDs, so users type prefixes).
func (m *Manager) Switch(conversationID, idPrefix string) (*Session, error) {
	idPrefix = strings.TrimSpace(idPrefix)
	if idPrefix == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *Session
	for _, s := range m.sessions {
		if s.ConversationID == conversationID && strings.HasPrefix(s.ID, idPrefix) {
			if found == nil || s.LastActiveAt.After(found.LastActiveAt) {
				found = s
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	found.LastActiveAt = time.Now().UTC()
	m.activeByConv[conversationID] = found.ID
	err := m.persistLocked()
	return clone(found), err
}

// ListRecent returns the conversation's sessions, most recently active
// first.
func (m *Manager) ListRecent(conversationID string, limit int) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, 8)
	for _, s := range m.sessions {
		if s.ConversationID == conversationID {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Delete removes a session record.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	if m.activeByConv[s.ConversationID] == id {
		delete(m.activeByConv, s.ConversationID)
	}
	return m.persistLocked()
}

// Count returns the number of stored sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) evictLocked() {
	if len(m.sessions) <= historyLimit {
		return
	}
	active := make(map[string]bool, len(m.activeByConv))
	for _, id := range m.activeByConv {
		active[id] = true
	}
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastActiveAt.Before(all[j].LastActiveAt)
	})
	for _, s := range all {
		if len(m.sessions) <= historyLimit {
			return
		}
		if active[s.ID] {
			continue
		}
		delete(m.sessions, s.ID)
	}
}

func (m *Manager) persistLocked() error {
	if m.store == nil {
		return nil
	}
	return m.store.Save(m.sessions, m.activeByConv)
}
