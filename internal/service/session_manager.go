package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/cache"
	"github.com/stemsi/exstem-cbt/internal/model"
)

type sessionKey struct {
	examID    uuid.UUID
	studentID int
}

// SessionManager owns the live SessionController of every student that is
// currently sitting an exam. At most one controller exists per (exam, student).
type SessionManager struct {
	deps EngineDeps
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*SessionController
	starting map[sessionKey]*startLock
}

// startLock serializes Start per key. It is dropped once no caller holds or
// waits for it.
type startLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(deps EngineDeps) *SessionManager {
	return &SessionManager{
		deps:     deps,
		log:      deps.Log.With().Str("component", "session_manager").Logger(),
		sessions: make(map[sessionKey]*SessionController),
		starting: make(map[sessionKey]*startLock),
	}
}

// Start returns the live session of the student, starting a new one (or
// recovering an autosaved one) when none is running.
func (m *SessionManager) Start(ctx context.Context, examID uuid.UUID, studentID int) (*SessionController, error) {
	key := sessionKey{examID: examID, studentID: studentID}

	lock := m.lockKey(key)
	defer m.unlockKey(key, lock)

	if c := m.lookup(key); c != nil {
		switch c.State() {
		case model.SessionStateInProgress:
			if !c.Detached() {
				return c, nil
			}
		case model.SessionStateSubmitting:
			return c, &BlockedError{Reason: model.BlockReasonAlreadySubmitted}
		}
		m.forget(c)
	}

	c := NewSessionController(m.deps, examID, studentID)
	c.onSubmitted = m.forget

	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	// A recovered session whose time already ran out is submitted inside Start.
	if c.State() != model.SessionStateInProgress {
		return c, nil
	}

	m.mu.Lock()
	m.sessions[key] = c
	activeSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	return c, nil
}

// Get returns the live session of the student, if any.
func (m *SessionManager) Get(examID uuid.UUID, studentID int) (*SessionController, error) {
	c := m.lookup(sessionKey{examID: examID, studentID: studentID})
	if c == nil || c.Detached() {
		return nil, ErrSessionNotActive
	}
	return c, nil
}

// Leave detaches the student's session. The autosave entry is kept and the
// next Start recovers it.
func (m *SessionManager) Leave(examID uuid.UUID, studentID int) error {
	c, err := m.Get(examID, studentID)
	if err != nil {
		return err
	}
	if c.State() != model.SessionStateInProgress {
		return ErrSessionFrozen
	}
	c.Detach()
	m.forget(c)
	return nil
}

// History returns the recorded attempts of the student at an exam.
func (m *SessionManager) History(ctx context.Context, examID uuid.UUID, studentID int) ([]model.AttemptRecord, error) {
	history, err := m.deps.Recorder.History(ctx, examID, studentID)
	if err != nil {
		return nil, fmt.Errorf("load attempt history: %w", err)
	}
	return history, nil
}

// LastRecorded returns the latest recorded attempt of the student when no
// attempt is open, so a repeated submit gets the record it already produced.
// A session that was left keeps its autosave entry and is still open.
func (m *SessionManager) LastRecorded(ctx context.Context, examID uuid.UUID, studentID int) (*model.AttemptRecord, error) {
	if _, ok := m.deps.Cache.Load(ctx, cache.Key(examID, studentID)); ok {
		return nil, ErrSessionNotActive
	}
	history, err := m.History(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, ErrSessionNotActive
	}
	last := history[len(history)-1]
	return &last, nil
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown detaches every live session so their answers are flushed to the
// autosave cache. Sessions in SUBMITTING finish on their own.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	live := make([]*SessionController, 0, len(m.sessions))
	for _, c := range m.sessions {
		live = append(live, c)
	}
	m.mu.Unlock()

	for _, c := range live {
		c.Detach()
		m.forget(c)
	}
	m.log.Info().Int("sessions", len(live)).Msg("Session manager stopped")
}

func (m *SessionManager) lookup(key sessionKey) *SessionController {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

// forget drops c unless it was already replaced by a newer controller.
func (m *SessionManager) forget(c *SessionController) {
	key := sessionKey{examID: c.ExamID(), studentID: c.StudentID()}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[key] == c {
		delete(m.sessions, key)
		activeSessions.Set(float64(len(m.sessions)))
	}
}

func (m *SessionManager) lockKey(key sessionKey) *startLock {
	m.mu.Lock()
	l, ok := m.starting[key]
	if !ok {
		l = &startLock{}
		m.starting[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return l
}

func (m *SessionManager) unlockKey(key sessionKey, l *startLock) {
	l.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.starting, key)
	}
}
