package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/database"
	"github.com/stemsi/exstem-cbt/internal/logger"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
)

// seed-exam inserts a small demo exam that opens now, for local runs and the
// end-to-end suite.
func main() {
	var (
		title     string
		duration  int
		window    time.Duration
		attempts  int
		randomize bool
	)
	flag.StringVar(&title, "title", "Ujian Coba Matematika", "Exam title")
	flag.IntVar(&duration, "duration", 60, "Attempt duration in minutes")
	flag.DurationVar(&window, "window", 2*time.Hour, "How long the exam stays open from now")
	flag.IntVar(&attempts, "attempts", 1, "Allowed attempts")
	flag.BoolVar(&randomize, "randomize", true, "Shuffle question order per student")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	now := time.Now().Truncate(time.Minute)
	payload := &model.ExamPayload{
		Exam: model.Exam{
			Title:              title,
			Subject:            "Matematika",
			ClassLabel:         "XII TKJ 2",
			StartAt:            now,
			EndAt:              now.Add(window),
			DurationMinutes:    duration,
			AllowedAttempts:    attempts,
			RandomizeQuestions: randomize,
			Instructions:       "Kerjakan dengan jujur. Jawaban tersimpan otomatis.",
		},
		Questions: demoQuestions(),
	}

	repo := repository.NewExamRepository(pool)
	if err := repo.Create(ctx, payload); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed exam")
	}

	log.Info().
		Str("exam_id", payload.Exam.ID.String()).
		Int("questions", len(payload.Questions)).
		Time("end_at", payload.Exam.EndAt).
		Msg("Exam seeded")
	fmt.Println(payload.Exam.ID)
}

func demoQuestions() []model.Question {
	opts := func(texts ...string) []model.Option {
		out := make([]model.Option, len(texts))
		for i, t := range texts {
			out[i] = model.Option{ID: string(rune('A' + i)), Text: t}
		}
		return out
	}
	ref := func(v interface{}) json.RawMessage {
		raw, _ := json.Marshal(v)
		return raw
	}

	return []model.Question{
		{Type: model.QuestionTypeSingleChoice, Prompt: "Hasil dari 12 × 8 adalah ...", Options: opts("86", "96", "98", "106"), ReferenceAnswer: ref("B"), OrderNum: 1},
		{Type: model.QuestionTypeMultipleChoice, Prompt: "Manakah yang merupakan bilangan prima?", Options: opts("2", "9", "13", "21"), ReferenceAnswer: ref([]string{"A", "C"}), OrderNum: 2},
		{Type: model.QuestionTypeTrueFalse, Prompt: "Jumlah sudut dalam segitiga adalah 180 derajat.", ReferenceAnswer: ref(true), OrderNum: 3},
		{Type: model.QuestionTypeShortAnswer, Prompt: "Akar kuadrat dari 144 adalah ...", ReferenceAnswer: ref("12"), OrderNum: 4},
		{Type: model.QuestionTypeEssay, Prompt: "Jelaskan cara menentukan gradien garis yang melalui dua titik.", OrderNum: 5},
	}
}
