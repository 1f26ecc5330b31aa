package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// ErrDuplicateAttempt is returned when a record for the same
// (exam, student, attempt number) already exists.
var ErrDuplicateAttempt = errors.New("attempt already recorded")

// AttemptRepository is the append-only attempt history.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// ListByExamAndStudent returns a student's attempts at an exam ordered by attempt number.
func (r *AttemptRepository) ListByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) ([]model.AttemptRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, student_id, attempt_number, started_at, submitted_at, answers, auto_submitted
		 FROM attempt_records
		 WHERE exam_id = $1 AND student_id = $2
		 ORDER BY attempt_number ASC`, examID, studentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.AttemptRecord
	for rows.Next() {
		var (
			rec     model.AttemptRecord
			answers []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ExamID, &rec.StudentID, &rec.AttemptNumber,
			&rec.StartedAt, &rec.SubmittedAt, &answers, &rec.AutoSubmitted); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(answers, &rec.Answers); err != nil {
			return nil, fmt.Errorf("decode answers of attempt %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Insert appends a record. An existing record is never overwritten:
// a conflicting insert returns ErrDuplicateAttempt.
func (r *AttemptRepository) Insert(ctx context.Context, rec *model.AttemptRecord) error {
	answers, err := json.Marshal(rec.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_records
		   (id, exam_id, student_id, attempt_number, started_at, submitted_at, answers, auto_submitted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (exam_id, student_id, attempt_number) DO NOTHING`,
		rec.ID, rec.ExamID, rec.StudentID, rec.AttemptNumber,
		rec.StartedAt, rec.SubmittedAt, answers, rec.AutoSubmitted,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateAttempt
	}
	return nil
}
