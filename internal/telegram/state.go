package telegram

import (
	"sync"

	"github.com/digkill/motiongif/internal/models"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingMode
	StateAwaitingPrompt
)

type Session struct {
	State    SessionState
	ImageURL string
	Mode     models.GenerationMode
	Enhance  bool
}

type StateManager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	enhance  bool
}

// NewStateManager keeps per-chat sessions. enhance is the default for new
// sessions.
func NewStateManager(enhance bool) *StateManager {
	return &StateManager{
		sessions: make(map[int64]*Session),
		enhance:  enhance,
	}
}

// Get returns a copy of the chat's session.
func (m *StateManager) Get(chatID int64) Session {
	m.mu.RLock()
	session, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if ok {
		return *session
	}
	return Session{State: StateIdle, Enhance: m.enhance}
}

func (m *StateManager) Set(chatID int64, session Session) {
	m.mu.Lock()
	m.sessions[chatID] = &session
	m.mu.Unlock()
}

// Reset forgets the photo and mode but keeps the enhance preference.
func (m *StateManager) Reset(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	enhance := m.enhance
	if s, ok := m.sessions[chatID]; ok {
		enhance = s.Enhance
	}
	m.sessions[chatID] = &Session{State: StateIdle, Enhance: enhance}
}
