package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// ErrExamNotFound is returned when an exam id is not in the catalog.
var ErrExamNotFound = errors.New("exam not found")

// ExamRepository is the exam catalog backed by PostgreSQL.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by its UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, subject, class_label, start_at, end_at,
		        duration_minutes, allowed_attempts, randomize_questions, instructions
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.Subject, &e.ClassLabel, &e.StartAt, &e.EndAt,
		&e.DurationMinutes, &e.AllowedAttempts, &e.RandomizeQuestions, &e.Instructions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExamNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListQuestions retrieves the questions of an exam in authored order.
func (r *ExamRepository) ListQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, question_type, prompt, options, reference_answer, order_num
		 FROM questions
		 WHERE exam_id = $1
		 ORDER BY order_num ASC, id ASC`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var (
			q         model.Question
			options   []byte
			reference []byte
		)
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Type, &q.Prompt, &options, &reference, &q.OrderNum); err != nil {
			return nil, err
		}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &q.Options); err != nil {
				return nil, fmt.Errorf("decode options of question %s: %w", q.ID, err)
			}
		}
		if len(reference) > 0 {
			q.ReferenceAnswer = json.RawMessage(reference)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetPayload loads an exam together with its questions.
func (r *ExamRepository) GetPayload(ctx context.Context, examID uuid.UUID) (*model.ExamPayload, error) {
	exam, err := r.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	questions, err := r.ListQuestions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	return &model.ExamPayload{Exam: *exam, Questions: questions}, nil
}

// Create inserts an exam and its questions in one transaction. IDs left as
// uuid.Nil are generated.
func (r *ExamRepository) Create(ctx context.Context, p *model.ExamPayload) error {
	if p.Exam.ID == uuid.Nil {
		p.Exam.ID = uuid.New()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	e := &p.Exam
	_, err = tx.Exec(ctx,
		`INSERT INTO exams (id, title, subject, class_label, start_at, end_at,
		                    duration_minutes, allowed_attempts, randomize_questions, instructions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Title, e.Subject, e.ClassLabel, e.StartAt, e.EndAt,
		e.DurationMinutes, e.AllowedAttempts, e.RandomizeQuestions, e.Instructions,
	)
	if err != nil {
		return fmt.Errorf("insert exam: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range p.Questions {
		q := &p.Questions[i]
		if q.ID == uuid.Nil {
			q.ID = uuid.New()
		}
		q.ExamID = e.ID

		var options []byte
		if len(q.Options) > 0 {
			if options, err = json.Marshal(q.Options); err != nil {
				return fmt.Errorf("encode options of question %d: %w", i, err)
			}
		}
		var reference []byte
		if len(q.ReferenceAnswer) > 0 {
			reference = q.ReferenceAnswer
		}

		batch.Queue(
			`INSERT INTO questions (id, exam_id, question_type, prompt, options, reference_answer, order_num)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			q.ID, q.ExamID, q.Type, q.Prompt, options, reference, q.OrderNum,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert questions: %w", err)
	}

	return tx.Commit(ctx)
}
