package service

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// materializeQuestions builds the student-facing paper of one attempt. When the
// exam randomizes, the order is a pure function of (exam, student, attempt),
// so a reload or a reconnect rebuilds exactly the same paper.
func materializeQuestions(exam *model.Exam, questions []model.Question, studentID, attemptNumber int) []model.QuestionForStudent {
	out := make([]model.QuestionForStudent, len(questions))
	for i := range questions {
		out[i] = questions[i].ForStudent()
	}

	if exam.RandomizeQuestions && len(out) > 1 {
		r := rand.New(rand.NewPCG(shuffleSeed(exam.ID, studentID, attemptNumber)))
		r.Shuffle(len(out), func(i, j int) {
			out[i], out[j] = out[j], out[i]
		})
	}
	return out
}

func shuffleSeed(examID uuid.UUID, studentID, attemptNumber int) (uint64, uint64) {
	h := fnv.New64a()
	h.Write(examID[:])

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(studentID))
	binary.BigEndian.PutUint64(buf[8:], uint64(attemptNumber))
	h.Write(buf[:])
	first := h.Sum64()

	h.Write([]byte("seq"))
	return first, h.Sum64()
}

func indexQuestions(questions []model.QuestionForStudent) map[string]*model.QuestionForStudent {
	index := make(map[string]*model.QuestionForStudent, len(questions))
	for i := range questions {
		index[questions[i].ID.String()] = &questions[i]
	}
	return index
}
