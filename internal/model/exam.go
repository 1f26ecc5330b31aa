package model

import (
	"time"

	"github.com/google/uuid"
)

// Exam is a published, scheduled test. It is read-only to the session engine.
type Exam struct {
	ID                 uuid.UUID `json:"id"`
	Title              string    `json:"title"`
	Subject            string    `json:"subject"`
	ClassLabel         string    `json:"class_label"`
	StartAt            time.Time `json:"start_at"`
	EndAt              time.Time `json:"end_at"`
	DurationMinutes    int       `json:"duration_minutes"`
	AllowedAttempts    int       `json:"allowed_attempts"`
	RandomizeQuestions bool      `json:"randomize_questions"`
	Instructions       string    `json:"instructions"`
}

// Duration returns the per-attempt time allowance.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// EndsAt returns the deadline of an attempt started at startedAt:
// the earlier of startedAt + duration and the exam's closing time.
func (e *Exam) EndsAt(startedAt time.Time) time.Time {
	end := startedAt.Add(e.Duration())
	if e.EndAt.Before(end) {
		return e.EndAt
	}
	return end
}

// ExamPayload is the Redis-cached catalog entry: the exam plus its questions
// in authored order.
type ExamPayload struct {
	Exam      Exam       `json:"exam"`
	Questions []Question `json:"questions"`
}
