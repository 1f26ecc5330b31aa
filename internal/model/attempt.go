package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AttemptRecord is the immutable historical fact of one submitted attempt.
type AttemptRecord struct {
	ID            uuid.UUID                  `json:"id"`
	ExamID        uuid.UUID                  `json:"exam_id"`
	StudentID     int                        `json:"student_id"`
	AttemptNumber int                        `json:"attempt_number"`
	StartedAt     time.Time                  `json:"started_at"`
	SubmittedAt   time.Time                  `json:"submitted_at"`
	Answers       map[string]json.RawMessage `json:"answers"`
	AutoSubmitted bool                       `json:"auto_submitted"`
}

// SubmitAttemptRequest is what the recorder needs to append a record.
type SubmitAttemptRequest struct {
	ExamID        uuid.UUID
	StudentID     int
	AttemptNumber int
	StartedAt     time.Time
	EndsAt        time.Time
	Answers       map[string]json.RawMessage
	Flagged       map[string]bool
	AutoSubmitted bool
}
