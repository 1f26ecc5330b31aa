package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/cache"
	"github.com/stemsi/exstem-cbt/internal/clock"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
)

// AttemptStore is the append-only attempt history.
type AttemptStore interface {
	ListByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) ([]model.AttemptRecord, error)
	Insert(ctx context.Context, rec *model.AttemptRecord) error
}

// SubmissionRecorder appends completed attempts to the history and clears
// their autosave entries.
type SubmissionRecorder struct {
	attempts AttemptStore
	cache    *cache.AutosaveCache
	clock    clock.Clock
	log      zerolog.Logger
}

// NewSubmissionRecorder creates a SubmissionRecorder.
func NewSubmissionRecorder(attempts AttemptStore, autosave *cache.AutosaveCache, clk clock.Clock, log zerolog.Logger) *SubmissionRecorder {
	return &SubmissionRecorder{
		attempts: attempts,
		cache:    autosave,
		clock:    clk,
		log:      log.With().Str("component", "submission_recorder").Logger(),
	}
}

// Record appends the attempt described by req.
//
// The autosave entry is deleted before the record is inserted, so a record
// never coexists with a cache entry for the same key. If the insert fails the
// entry is written back, leaving the answers recoverable.
//
// A record that already exists for (exam, student, attempt number) is never
// overwritten: the existing record is returned with ErrAttemptAlreadyRecorded.
func (r *SubmissionRecorder) Record(ctx context.Context, req model.SubmitAttemptRequest) (*model.AttemptRecord, error) {
	key := cache.Key(req.ExamID, req.StudentID)

	if existing, err := r.find(ctx, req); err != nil {
		return nil, fmt.Errorf("load attempt history: %w", err)
	} else if existing != nil {
		r.clearQuietly(ctx, key)
		return existing, ErrAttemptAlreadyRecorded
	}

	if err := r.cache.Clear(ctx, key); err != nil {
		return nil, fmt.Errorf("clear autosave before recording: %w", err)
	}

	rec := &model.AttemptRecord{
		ID:            uuid.New(),
		ExamID:        req.ExamID,
		StudentID:     req.StudentID,
		AttemptNumber: req.AttemptNumber,
		StartedAt:     req.StartedAt,
		SubmittedAt:   r.clock.Now(),
		Answers:       req.Answers,
		AutoSubmitted: req.AutoSubmitted,
	}

	err := r.attempts.Insert(ctx, rec)
	if errors.Is(err, repository.ErrDuplicateAttempt) {
		existing, findErr := r.find(ctx, req)
		if findErr != nil {
			return nil, fmt.Errorf("attempt recorded concurrently but not readable: %w", findErr)
		}
		if existing == nil {
			return nil, err
		}
		return existing, ErrAttemptAlreadyRecorded
	}
	if err != nil {
		r.restore(ctx, key, req)
		return nil, fmt.Errorf("insert attempt record: %w", err)
	}

	r.log.Info().
		Str("exam_id", rec.ExamID.String()).
		Int("student_id", rec.StudentID).
		Int("attempt_number", rec.AttemptNumber).
		Bool("auto_submitted", rec.AutoSubmitted).
		Msg("Attempt recorded")

	return rec, nil
}

// History returns the attempts of a student at an exam, ordered by attempt number.
func (r *SubmissionRecorder) History(ctx context.Context, examID uuid.UUID, studentID int) ([]model.AttemptRecord, error) {
	return r.attempts.ListByExamAndStudent(ctx, examID, studentID)
}

func (r *SubmissionRecorder) find(ctx context.Context, req model.SubmitAttemptRequest) (*model.AttemptRecord, error) {
	history, err := r.attempts.ListByExamAndStudent(ctx, req.ExamID, req.StudentID)
	if err != nil {
		return nil, err
	}
	for i := range history {
		if history[i].AttemptNumber == req.AttemptNumber {
			return &history[i], nil
		}
	}
	return nil, nil
}

func (r *SubmissionRecorder) restore(ctx context.Context, key string, req model.SubmitAttemptRequest) {
	entry := &model.CacheEntry{
		AttemptNumber: req.AttemptNumber,
		StartedAt:     req.StartedAt,
		EndsAt:        req.EndsAt,
		Answers:       req.Answers,
		Flagged:       req.Flagged,
		SavedAt:       r.clock.Now(),
	}
	if err := r.cache.Save(ctx, key, entry); err != nil {
		r.log.Error().Err(err).Str("key", key).Msg("Failed to restore autosave after failed submission")
	}
}

func (r *SubmissionRecorder) clearQuietly(ctx context.Context, key string) {
	if err := r.cache.Clear(ctx, key); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Failed to clear autosave of recorded attempt")
	}
}
