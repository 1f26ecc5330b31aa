package service

import (
	"time"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// Decision is the outcome of an eligibility check.
type Decision struct {
	Allowed bool              `json:"allowed"`
	Reason  model.BlockReason `json:"reason,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason model.BlockReason) Decision {
	return Decision{Reason: reason}
}

// AccessGuard decides whether an attempt may start or keep running.
// It is pure: every input, including the time, is passed in.
type AccessGuard struct{}

// NewAccessGuard creates an AccessGuard.
func NewAccessGuard() *AccessGuard {
	return &AccessGuard{}
}

// CanStart reports whether a new attempt may start at now.
// The window is inclusive on both ends. The attempt limit is checked first so
// a student who used every attempt sees that reason even after the exam closed.
func (g *AccessGuard) CanStart(exam *model.Exam, history []model.AttemptRecord, now time.Time) Decision {
	if len(history) >= allowedAttempts(exam) {
		return deny(model.BlockReasonAttemptsExhausted)
	}
	if now.Before(exam.StartAt) {
		return deny(model.BlockReasonNotYetOpen)
	}
	if now.After(exam.EndAt) {
		return deny(model.BlockReasonClosed)
	}
	return allow()
}

// CanResume re-validates a running session at now. A session that started
// inside the window may finish its own countdown, but never past the exam's
// closing time.
func (g *AccessGuard) CanResume(exam *model.Exam, session *model.ExamSession, now time.Time) Decision {
	if now.Before(exam.StartAt) {
		return deny(model.BlockReasonNotYetOpen)
	}
	if !now.Before(session.EndsAt) || now.After(exam.EndAt) {
		return deny(model.BlockReasonClosed)
	}
	return allow()
}

// allowedAttempts treats a missing limit as a single attempt.
func allowedAttempts(exam *model.Exam) int {
	if exam.AllowedAttempts < 1 {
		return 1
	}
	return exam.AllowedAttempts
}
