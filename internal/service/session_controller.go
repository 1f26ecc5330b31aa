package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/cache"
	"github.com/stemsi/exstem-cbt/internal/clock"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// ExamCatalog supplies exams together with their questions.
type ExamCatalog interface {
	GetPayload(ctx context.Context, examID uuid.UUID) (*model.ExamPayload, error)
}

// EngineConfig tunes the session timers and the submission retry policy.
type EngineConfig struct {
	TickInterval       time.Duration
	AutosaveInterval   time.Duration
	SubmitMaxRetries   int
	SubmitRetryBackoff time.Duration
	OpTimeout          time.Duration
}

// DefaultEngineConfig returns the production cadence: 1s countdown, 30s autosave.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickInterval:       time.Second,
		AutosaveInterval:   30 * time.Second,
		SubmitMaxRetries:   3,
		SubmitRetryBackoff: 2 * time.Second,
		OpTimeout:          10 * time.Second,
	}
}

// EngineDeps are the collaborators shared by every SessionController.
type EngineDeps struct {
	Catalog  ExamCatalog
	Attempts AttemptStore
	Guard    *AccessGuard
	Cache    *cache.AutosaveCache
	Recorder *SubmissionRecorder
	Clock    clock.Clock
	Config   EngineConfig
	Log      zerolog.Logger
}

// EventType classifies controller notifications.
type EventType string

const (
	EventState        EventType = "state"
	EventTick         EventType = "tick"
	EventAutosaved    EventType = "autosaved"
	EventSubmitFailed EventType = "submit_failed"
)

// Event is pushed to subscribers whenever the controller changes.
type Event struct {
	Type             EventType            `json:"type"`
	State            model.SessionState   `json:"state"`
	RemainingSeconds int64                `json:"remaining_seconds"`
	SavedAt          *time.Time           `json:"saved_at,omitempty"`
	Attempt          *model.AttemptRecord `json:"attempt,omitempty"`
	Reason           model.BlockReason    `json:"reason,omitempty"`
	Error            string               `json:"error,omitempty"`
}

// SessionController runs one exam attempt:
//
//	IDLE -> STARTING -> IN_PROGRESS -> SUBMITTING -> SUBMITTED
//	IDLE/STARTING -> BLOCKED
//
// Timer callbacks and caller mutations are serialised by mu. Submission is
// admitted by a single in-flight flag, so a manual submit and a timeout that
// race produce exactly one attempt record.
type SessionController struct {
	deps      EngineDeps
	examID    uuid.UUID
	studentID int
	key       string
	log       zerolog.Logger

	// io serialises cache and recorder I/O so that no autosave can land
	// after a submission cleared the entry. Always taken before mu.
	io sync.Mutex

	mu            sync.Mutex
	state         model.SessionState
	blockReason   model.BlockReason
	exam          *model.Exam
	session       *model.ExamSession
	questions     map[string]*model.QuestionForStudent
	revision      uint64
	savedRevision uint64
	lastSavedAt   *time.Time
	recovered     bool
	detached      bool
	inFlight      bool
	autoSubmitted bool
	submitErr     error
	record        *model.AttemptRecord
	tickers       []clock.Ticker
	onSubmitted   func(*SessionController)

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int
}

// NewSessionController creates an IDLE controller for a student's attempt at an exam.
func NewSessionController(deps EngineDeps, examID uuid.UUID, studentID int) *SessionController {
	return &SessionController{
		deps:      deps,
		examID:    examID,
		studentID: studentID,
		key:       cache.Key(examID, studentID),
		log: deps.Log.With().
			Str("component", "session_controller").
			Str("exam_id", examID.String()).
			Int("student_id", studentID).
			Logger(),
		state:       model.SessionStateIdle,
		subscribers: make(map[int]func(Event)),
	}
}

// ExamID returns the exam of this attempt.
func (c *SessionController) ExamID() uuid.UUID { return c.examID }

// StudentID returns the student taking this attempt.
func (c *SessionController) StudentID() int { return c.studentID }

// State returns the current state.
func (c *SessionController) State() model.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Detached reports whether the student left the session without submitting.
func (c *SessionController) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

// Start asks AccessGuard for permission and, when granted, materialises the
// session, recovers autosaved answers and starts the countdown and autosave
// timers. A refusal leaves the controller BLOCKED and returns a *BlockedError.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != model.SessionStateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: controller is %s", ErrSessionNotActive, state)
	}
	c.state = model.SessionStateStarting
	c.mu.Unlock()
	c.emitState()

	payload, err := c.deps.Catalog.GetPayload(ctx, c.examID)
	if err != nil {
		c.resetToIdle()
		return fmt.Errorf("load exam: %w", err)
	}

	history, err := c.deps.Attempts.ListByExamAndStudent(ctx, c.examID, c.studentID)
	if err != nil {
		c.resetToIdle()
		return fmt.Errorf("load attempt history: %w", err)
	}

	exam := payload.Exam
	now := c.deps.Clock.Now()
	if d := c.deps.Guard.CanStart(&exam, history, now); !d.Allowed {
		return c.block(d.Reason)
	}

	attemptNumber := len(history) + 1
	questions := materializeQuestions(&exam, payload.Questions, c.studentID, attemptNumber)
	index := indexQuestions(questions)

	startedAt := now
	answers := make(map[string]json.RawMessage)
	flagged := make(map[string]bool)
	recovered := false
	var lastSavedAt *time.Time

	if entry, ok := c.deps.Cache.Load(ctx, c.key); ok {
		if recoverable(entry, &exam, attemptNumber, now) {
			recovered = true
			startedAt = entry.StartedAt
			for qid, v := range entry.Answers {
				if _, known := index[qid]; known {
					answers[qid] = v
				}
			}
			for qid, f := range entry.Flagged {
				if _, known := index[qid]; known && f {
					flagged[qid] = true
				}
			}
			savedAt := entry.SavedAt
			lastSavedAt = &savedAt
		} else {
			c.log.Info().
				Int("cached_attempt", entry.AttemptNumber).
				Time("saved_at", entry.SavedAt).
				Msg("Discarding stale autosave entry")
			if err := c.deps.Cache.Clear(ctx, c.key); err != nil {
				c.log.Warn().Err(err).Msg("Failed to clear stale autosave entry")
			}
		}
	}

	endsAt := exam.EndsAt(startedAt)
	if !recovered && !endsAt.After(now) {
		// Starting exactly at the closing instant leaves no time to answer.
		return c.block(model.BlockReasonClosed)
	}

	session := &model.ExamSession{
		ExamID:        c.examID,
		StudentID:     c.studentID,
		AttemptNumber: attemptNumber,
		StartedAt:     startedAt,
		EndsAt:        endsAt,
		Questions:     questions,
		Answers:       answers,
		Flagged:       flagged,
	}

	c.mu.Lock()
	c.exam = &exam
	c.session = session
	c.questions = index
	c.recovered = recovered
	c.lastSavedAt = lastSavedAt
	c.revision = 1
	c.state = model.SessionStateInProgress
	c.tickers = []clock.Ticker{
		c.deps.Clock.Every(c.deps.Config.TickInterval, c.onTick),
		c.deps.Clock.Every(c.deps.Config.AutosaveInterval, c.onAutosave),
	}
	c.log = c.log.With().Int("attempt_number", attemptNumber).Logger()
	c.mu.Unlock()

	mode := "fresh"
	if recovered {
		mode = "recovered"
	}
	sessionsStartedTotal.WithLabelValues(mode).Inc()

	c.log.Info().
		Str("mode", mode).
		Time("ends_at", endsAt).
		Int("answers", len(answers)).
		Msg("Exam session started")
	c.emitState()

	if !endsAt.After(now) {
		// Time ran out while the student was away.
		_, _ = c.submit(ctx, model.SubmitTriggerTimeout)
		return nil
	}

	// Persist immediately so a reload before the first cadence keeps startedAt.
	_ = c.autosave()
	return nil
}

// recoverable reports whether a cached entry belongs to the attempt being
// started and was written inside the exam window.
func recoverable(entry *model.CacheEntry, exam *model.Exam, attemptNumber int, now time.Time) bool {
	if entry.AttemptNumber != attemptNumber {
		return false
	}
	if entry.StartedAt.Before(exam.StartAt) || entry.StartedAt.After(now) {
		return false
	}
	if entry.SavedAt.Before(exam.StartAt) || entry.SavedAt.After(exam.EndAt) {
		return false
	}
	return true
}

// SetAnswer overwrites the answer of a question. A JSON null clears it.
func (c *SessionController) SetAnswer(questionID string, value json.RawMessage) error {
	now := c.deps.Clock.Now()

	c.mu.Lock()
	if err := c.mutableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if !now.Before(c.session.EndsAt) {
		c.mu.Unlock()
		_, _ = c.submit(context.Background(), model.SubmitTriggerTimeout)
		return ErrSessionFrozen
	}

	q, ok := c.questions[questionID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownQuestion
	}

	if isNull(value) {
		delete(c.session.Answers, questionID)
	} else {
		if err := q.ValidateAnswer(value); err != nil {
			c.mu.Unlock()
			return err
		}
		c.session.Answers[questionID] = append(json.RawMessage(nil), value...)
	}
	c.revision++
	c.mu.Unlock()
	return nil
}

// ToggleFlag flips the advisory review flag of a question and returns the new value.
func (c *SessionController) ToggleFlag(questionID string) (bool, error) {
	now := c.deps.Clock.Now()

	c.mu.Lock()
	if err := c.mutableLocked(); err != nil {
		c.mu.Unlock()
		return false, err
	}
	if !now.Before(c.session.EndsAt) {
		c.mu.Unlock()
		_, _ = c.submit(context.Background(), model.SubmitTriggerTimeout)
		return false, ErrSessionFrozen
	}
	if _, ok := c.questions[questionID]; !ok {
		c.mu.Unlock()
		return false, ErrUnknownQuestion
	}

	flagged := !c.session.Flagged[questionID]
	if flagged {
		c.session.Flagged[questionID] = true
	} else {
		delete(c.session.Flagged, questionID)
	}
	c.revision++
	c.mu.Unlock()
	return flagged, nil
}

// Submit submits the attempt on behalf of the student. Calling it while a
// submission is in flight is a no-op returning ErrSubmitInProgress; calling it
// after success returns the existing record. After automatic retries are
// exhausted, calling it again retries with the same frozen answers.
func (c *SessionController) Submit(ctx context.Context) (*model.AttemptRecord, error) {
	return c.submit(ctx, model.SubmitTriggerManual)
}

// Detach is called when the student navigates away. Timers stop and the
// autosave entry is refreshed and kept; nothing is submitted.
func (c *SessionController) Detach() {
	_ = c.autosave()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == model.SessionStateInProgress && !c.detached {
		c.detached = true
		c.stopTickersLocked()
		c.log.Info().Msg("Student left the exam session")
	}
}

// Snapshot returns a copy of the current state.
func (c *SessionController) Snapshot() model.SessionSnapshot {
	now := c.deps.Clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := model.SessionSnapshot{
		State:     c.state,
		Recovered: c.recovered,
		Attempt:   c.record,
	}
	if c.session != nil {
		s := *c.session
		s.Answers = copyAnswers(c.session.Answers)
		s.Flagged = copyFlags(c.session.Flagged)
		snap.Session = &s
		snap.Progress = model.Progress{
			Total:    len(s.Questions),
			Answered: len(s.Answers),
			Flagged:  len(s.Flagged),
		}
		if c.state == model.SessionStateInProgress {
			snap.RemainingSeconds = wholeSeconds(c.session.EndsAt.Sub(now))
		}
	}
	if c.lastSavedAt != nil {
		t := *c.lastSavedAt
		snap.LastSavedAt = &t
	}
	if c.submitErr != nil {
		snap.SubmitError = c.submitErr.Error()
	}
	return snap
}

// BlockReason returns why the controller is BLOCKED, if it is.
func (c *SessionController) BlockReason() model.BlockReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockReason
}

// Subscribe registers fn for every subsequent event. Subscribers run on the
// goroutine that produced the event and must not block.
func (c *SessionController) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

// ─── Timers ──────────────────────────────────────────────────────────

func (c *SessionController) onTick(now time.Time) {
	c.mu.Lock()
	if c.state != model.SessionStateInProgress || c.detached {
		c.mu.Unlock()
		return
	}
	remaining := c.session.EndsAt.Sub(now)
	decision := c.deps.Guard.CanResume(c.exam, c.session, now)
	c.mu.Unlock()

	c.emit(Event{
		Type:             EventTick,
		State:            model.SessionStateInProgress,
		RemainingSeconds: wholeSeconds(remaining),
	})

	if remaining <= 0 || !decision.Allowed {
		_, _ = c.submit(context.Background(), model.SubmitTriggerTimeout)
	}
}

func (c *SessionController) onAutosave(time.Time) {
	_ = c.autosave()
}

// autosave writes the current answers regardless of whether they changed.
// Failures are logged and retried on the next cadence.
func (c *SessionController) autosave() error {
	c.io.Lock()
	defer c.io.Unlock()

	c.mu.Lock()
	if c.state != model.SessionStateInProgress || c.detached || c.session == nil {
		c.mu.Unlock()
		return nil
	}
	entry := c.entryLocked(c.deps.Clock.Now())
	revision := c.revision
	c.mu.Unlock()

	return c.writeEntry(context.Background(), entry, revision)
}

// writeEntry must be called with io held.
func (c *SessionController) writeEntry(ctx context.Context, entry *model.CacheEntry, revision uint64) error {
	ctx, cancel := context.WithTimeout(ctx, c.deps.Config.OpTimeout)
	defer cancel()

	if err := c.deps.Cache.Save(ctx, c.key, entry); err != nil {
		autosaveWritesTotal.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Msg("Autosave failed, will retry on next cadence")
		return err
	}
	autosaveWritesTotal.WithLabelValues("ok").Inc()

	savedAt := entry.SavedAt
	c.mu.Lock()
	c.lastSavedAt = &savedAt
	if revision > c.savedRevision {
		c.savedRevision = revision
	}
	state := c.state
	c.mu.Unlock()

	c.emit(Event{Type: EventAutosaved, State: state, SavedAt: &savedAt})
	return nil
}

// ─── Submission ──────────────────────────────────────────────────────

func (c *SessionController) submit(ctx context.Context, trigger model.SubmitTrigger) (*model.AttemptRecord, error) {
	c.mu.Lock()
	switch {
	case c.state == model.SessionStateSubmitted:
		rec := c.record
		c.mu.Unlock()
		return rec, nil
	case c.state == model.SessionStateSubmitting && c.inFlight:
		c.mu.Unlock()
		return nil, ErrSubmitInProgress
	case c.state == model.SessionStateSubmitting:
		// Earlier retries were exhausted; go again with the frozen answers.
		c.inFlight = true
		c.submitErr = nil
	case c.state == model.SessionStateInProgress && c.detached:
		c.mu.Unlock()
		return nil, ErrSessionDetached
	case c.state == model.SessionStateInProgress:
		// Time ran out before the next tick noticed it.
		if !c.deps.Clock.Now().Before(c.session.EndsAt) {
			trigger = model.SubmitTriggerTimeout
		}
		c.state = model.SessionStateSubmitting
		c.inFlight = true
		c.autoSubmitted = trigger == model.SubmitTriggerTimeout
		c.stopTickersLocked()
	default:
		c.mu.Unlock()
		return nil, ErrSessionNotActive
	}

	req := model.SubmitAttemptRequest{
		ExamID:        c.examID,
		StudentID:     c.studentID,
		AttemptNumber: c.session.AttemptNumber,
		StartedAt:     c.session.StartedAt,
		EndsAt:        c.session.EndsAt,
		Answers:       copyAnswers(c.session.Answers),
		Flagged:       copyFlags(c.session.Flagged),
		AutoSubmitted: c.autoSubmitted,
	}
	frozen := c.entryLocked(c.deps.Clock.Now())
	revision := c.revision
	c.mu.Unlock()

	c.log.Info().Str("trigger", string(trigger)).Bool("auto_submitted", req.AutoSubmitted).Msg("Submitting exam")
	c.emitState()

	started := c.deps.Clock.Now()
	rec, err := c.deliver(context.WithoutCancel(ctx), req, frozen, revision)
	submitDuration.Observe(c.deps.Clock.Now().Sub(started).Seconds())

	if err != nil {
		c.mu.Lock()
		c.inFlight = false
		c.submitErr = err
		c.mu.Unlock()

		submissionsTotal.WithLabelValues(string(trigger), "error").Inc()
		c.log.Error().Err(err).Msg("Submission failed after retries, answers kept")
		c.emit(Event{Type: EventSubmitFailed, State: model.SessionStateSubmitting, Error: err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	c.mu.Lock()
	c.state = model.SessionStateSubmitted
	c.inFlight = false
	c.submitErr = nil
	c.record = rec
	onSubmitted := c.onSubmitted
	c.mu.Unlock()

	submissionsTotal.WithLabelValues(string(trigger), "ok").Inc()
	c.log.Info().Str("attempt_id", rec.ID.String()).Msg("Exam submitted")
	c.emit(Event{Type: EventState, State: model.SessionStateSubmitted, Attempt: rec})

	if onSubmitted != nil {
		onSubmitted(c)
	}
	return rec, nil
}

// deliver flushes the frozen answers to the cache and hands them to the
// recorder, retrying transient failures a bounded number of times.
func (c *SessionController) deliver(ctx context.Context, req model.SubmitAttemptRequest, frozen *model.CacheEntry, revision uint64) (*model.AttemptRecord, error) {
	c.io.Lock()
	defer c.io.Unlock()

	// Keep the answers on disk until the record exists.
	_ = c.writeEntry(ctx, frozen, revision)

	cfg := c.deps.Config
	var lastErr error
	for attempt := 0; attempt <= cfg.SubmitMaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, cfg.SubmitRetryBackoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
		rec, err := c.deps.Recorder.Record(callCtx, req)
		cancel()

		if err == nil {
			return rec, nil
		}
		if errors.Is(err, ErrAttemptAlreadyRecorded) && rec != nil {
			c.log.Info().Msg("Attempt was already recorded, treating as submitted")
			return rec, nil
		}

		lastErr = err
		c.log.Warn().Err(err).Int("try", attempt+1).Msg("Submission attempt failed")
	}
	return nil, lastErr
}

// ─── Helpers ─────────────────────────────────────────────────────────

func (c *SessionController) mutableLocked() error {
	switch {
	case c.state == model.SessionStateInProgress && c.detached:
		return ErrSessionDetached
	case c.state == model.SessionStateInProgress:
		return nil
	case c.state.Frozen():
		return ErrSessionFrozen
	default:
		return ErrSessionNotActive
	}
}

func (c *SessionController) entryLocked(now time.Time) *model.CacheEntry {
	return &model.CacheEntry{
		AttemptNumber: c.session.AttemptNumber,
		StartedAt:     c.session.StartedAt,
		EndsAt:        c.session.EndsAt,
		Answers:       copyAnswers(c.session.Answers),
		Flagged:       copyFlags(c.session.Flagged),
		SavedAt:       now,
	}
}

func (c *SessionController) stopTickersLocked() {
	for _, t := range c.tickers {
		t.Stop()
	}
	c.tickers = nil
}

func (c *SessionController) resetToIdle() {
	c.mu.Lock()
	c.state = model.SessionStateIdle
	c.mu.Unlock()
	c.emitState()
}

func (c *SessionController) block(reason model.BlockReason) error {
	c.mu.Lock()
	c.state = model.SessionStateBlocked
	c.blockReason = reason
	c.mu.Unlock()

	sessionsBlockedTotal.WithLabelValues(string(reason)).Inc()
	c.log.Info().Str("reason", string(reason)).Msg("Exam attempt blocked")
	c.emit(Event{Type: EventState, State: model.SessionStateBlocked, Reason: reason})
	return &BlockedError{Reason: reason}
}

func (c *SessionController) emitState() {
	c.emit(Event{Type: EventState, State: c.State()})
}

func (c *SessionController) emit(ev Event) {
	c.subMu.Lock()
	subs := make([]func(Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func copyAnswers(src map[string]json.RawMessage) map[string]json.RawMessage {
	dst := make(map[string]json.RawMessage, len(src))
	for k, v := range src {
		dst[k] = append(json.RawMessage(nil), v...)
	}
	return dst
}

func copyFlags(src map[string]bool) map[string]bool {
	dst := make(map[string]bool, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// wholeSeconds rounds up so the display never shows 0 while time is left.
func wholeSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func (c *SessionController) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.deps.Clock.After(d):
		return nil
	}
}
