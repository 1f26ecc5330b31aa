package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// QuestionType enumerates the answer shapes the engine can capture.
type QuestionType string

const (
	QuestionTypeSingleChoice   QuestionType = "SINGLE_CHOICE"
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeTrueFalse      QuestionType = "TRUE_FALSE"
	QuestionTypeShortAnswer    QuestionType = "SHORT_ANSWER"
	QuestionTypeEssay          QuestionType = "ESSAY"
)

// Option is one selectable choice of a choice question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question represents a single exam question.
type Question struct {
	ID              uuid.UUID       `json:"id"`
	ExamID          uuid.UUID       `json:"exam_id"`
	Type            QuestionType    `json:"question_type"`
	Prompt          string          `json:"prompt"`
	Options         []Option        `json:"options,omitempty"`
	ReferenceAnswer json.RawMessage `json:"reference_answer,omitempty"`
	OrderNum        int             `json:"order_num"`
}

// QuestionForStudent is a question without the reference answer, sent to students.
type QuestionForStudent struct {
	ID       uuid.UUID    `json:"id"`
	Type     QuestionType `json:"question_type"`
	Prompt   string       `json:"prompt"`
	Options  []Option     `json:"options,omitempty"`
	OrderNum int          `json:"order_num"`
}

// ForStudent strips the reference answer.
func (q *Question) ForStudent() QuestionForStudent {
	return QuestionForStudent{
		ID:       q.ID,
		Type:     q.Type,
		Prompt:   q.Prompt,
		Options:  q.Options,
		OrderNum: q.OrderNum,
	}
}

// ErrInvalidAnswer is returned when an answer value does not fit its question type.
var ErrInvalidAnswer = errors.New("answer does not match question type")

// ValidateAnswer checks that value has the JSON shape the question type
// expects: an option id, a set of option ids, a boolean or free text.
func (q *QuestionForStudent) ValidateAnswer(value json.RawMessage) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: empty value", ErrInvalidAnswer)
	}

	switch q.Type {
	case QuestionTypeSingleChoice:
		var id string
		if err := json.Unmarshal(value, &id); err != nil {
			return fmt.Errorf("%w: expected option id", ErrInvalidAnswer)
		}
		if !q.hasOption(id) {
			return fmt.Errorf("%w: unknown option %q", ErrInvalidAnswer, id)
		}
	case QuestionTypeMultipleChoice:
		var ids []string
		if err := json.Unmarshal(value, &ids); err != nil {
			return fmt.Errorf("%w: expected option id set", ErrInvalidAnswer)
		}
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if !q.hasOption(id) {
				return fmt.Errorf("%w: unknown option %q", ErrInvalidAnswer, id)
			}
			if _, dup := seen[id]; dup {
				return fmt.Errorf("%w: duplicate option %q", ErrInvalidAnswer, id)
			}
			seen[id] = struct{}{}
		}
	case QuestionTypeTrueFalse:
		var b bool
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("%w: expected boolean", ErrInvalidAnswer)
		}
	case QuestionTypeShortAnswer, QuestionTypeEssay:
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("%w: expected text", ErrInvalidAnswer)
		}
	default:
		return fmt.Errorf("%w: unsupported type %s", ErrInvalidAnswer, q.Type)
	}
	return nil
}

func (q *QuestionForStudent) hasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}
