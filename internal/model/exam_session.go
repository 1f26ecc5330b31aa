package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionState enumerates the phases of one exam attempt.
type SessionState string

const (
	SessionStateIdle       SessionState = "IDLE"
	SessionStateStarting   SessionState = "STARTING"
	SessionStateInProgress SessionState = "IN_PROGRESS"
	SessionStateSubmitting SessionState = "SUBMITTING"
	SessionStateSubmitted  SessionState = "SUBMITTED"
	SessionStateBlocked    SessionState = "BLOCKED"
)

// Frozen reports whether the state no longer accepts answer mutations.
func (s SessionState) Frozen() bool {
	return s == SessionStateSubmitting || s == SessionStateSubmitted || s == SessionStateBlocked
}

// BlockReason explains why an attempt may not start.
type BlockReason string

const (
	BlockReasonNotYetOpen        BlockReason = "NOT_YET_OPEN"
	BlockReasonClosed            BlockReason = "CLOSED"
	BlockReasonAttemptsExhausted BlockReason = "ATTEMPTS_EXHAUSTED"
	BlockReasonAlreadySubmitted  BlockReason = "ALREADY_SUBMITTED"
)

// SubmitTrigger records what caused a submission.
type SubmitTrigger string

const (
	SubmitTriggerManual  SubmitTrigger = "manual"
	SubmitTriggerTimeout SubmitTrigger = "timeout"
)

// ExamSession is the live state of one attempt in progress.
type ExamSession struct {
	ExamID        uuid.UUID                  `json:"exam_id"`
	StudentID     int                        `json:"student_id"`
	AttemptNumber int                        `json:"attempt_number"`
	StartedAt     time.Time                  `json:"started_at"`
	EndsAt        time.Time                  `json:"ends_at"`
	Questions     []QuestionForStudent       `json:"questions"`
	Answers       map[string]json.RawMessage `json:"answers"`
	Flagged       map[string]bool            `json:"flagged"`
}

// Progress summarises how far a student is through the paper.
type Progress struct {
	Total    int `json:"total"`
	Answered int `json:"answered"`
	Flagged  int `json:"flagged"`
}

// SessionSnapshot is a point-in-time copy of a controller, safe to serialise.
type SessionSnapshot struct {
	State            SessionState   `json:"state"`
	Session          *ExamSession   `json:"session,omitempty"`
	RemainingSeconds int64          `json:"remaining_seconds"`
	Progress         Progress       `json:"progress"`
	LastSavedAt      *time.Time     `json:"last_saved_at,omitempty"`
	Recovered        bool           `json:"recovered"`
	SubmitError      string         `json:"submit_error,omitempty"`
	Attempt          *AttemptRecord `json:"attempt,omitempty"`
}

// SetAnswerRequest is the payload for saving one answer.
type SetAnswerRequest struct {
	Value json.RawMessage `json:"value" binding:"required"`
}
