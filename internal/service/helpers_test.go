package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/cache"
	"github.com/stemsi/exstem-cbt/internal/clock"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
	"github.com/stretchr/testify/require"
)

var errDatabaseDown = errors.New("database unavailable")

// at returns 2026-03-10 hh:mm:ss UTC.
func at(hh, mm, ss int) time.Time {
	return time.Date(2026, 3, 10, hh, mm, ss, 0, time.UTC)
}

type fakeCatalog struct {
	payloads map[uuid.UUID]*model.ExamPayload
}

func (f *fakeCatalog) GetPayload(_ context.Context, examID uuid.UUID) (*model.ExamPayload, error) {
	p, ok := f.payloads[examID]
	if !ok {
		return nil, repository.ErrExamNotFound
	}
	cp := *p
	return &cp, nil
}

type fakeAttempts struct {
	mu          sync.Mutex
	records     []model.AttemptRecord
	failInserts int
	insertCalls int
	beforeWrite func()
}

func (f *fakeAttempts) ListByExamAndStudent(_ context.Context, examID uuid.UUID, studentID int) ([]model.AttemptRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.AttemptRecord
	for _, r := range f.records {
		if r.ExamID == examID && r.StudentID == studentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeAttempts) Insert(_ context.Context, rec *model.AttemptRecord) error {
	f.mu.Lock()
	hook := f.beforeWrite
	f.insertCalls++
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInserts > 0 {
		f.failInserts--
		return errDatabaseDown
	}
	for _, r := range f.records {
		if r.ExamID == rec.ExamID && r.StudentID == rec.StudentID && r.AttemptNumber == rec.AttemptNumber {
			return repository.ErrDuplicateAttempt
		}
	}
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeAttempts) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failInserts = n
}

func (f *fakeAttempts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// countingStore records how often entries are deleted.
type countingStore struct {
	*cache.MemoryStore
	mu      sync.Mutex
	deletes int
}

func (s *countingStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.deletes++
	s.mu.Unlock()
	return s.MemoryStore.Delete(ctx, key)
}

func (s *countingStore) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes
}

type harness struct {
	t        *testing.T
	clock    *clock.Fake
	catalog  *fakeCatalog
	attempts *fakeAttempts
	store    *countingStore
	cache    *cache.AutosaveCache
	deps     EngineDeps
	exam     model.Exam
	qids     []string
}

const testStudent = 42

// newHarness builds an exam open 10:00-11:00 with a 30 minute duration,
// one attempt and three questions, with the clock at 10:00.
func newHarness(t *testing.T, opts ...func(*model.Exam)) *harness {
	t.Helper()

	exam := model.Exam{
		ID:              uuid.New(),
		Title:           "Matematika",
		StartAt:         at(10, 0, 0),
		EndAt:           at(11, 0, 0),
		DurationMinutes: 30,
		AllowedAttempts: 1,
	}
	for _, o := range opts {
		o(&exam)
	}

	questions := []model.Question{
		{ID: uuid.New(), ExamID: exam.ID, Type: model.QuestionTypeSingleChoice, Prompt: "1", OrderNum: 1,
			Options: []model.Option{{ID: "A", Text: "a"}, {ID: "B", Text: "b"}}},
		{ID: uuid.New(), ExamID: exam.ID, Type: model.QuestionTypeTrueFalse, Prompt: "2", OrderNum: 2},
		{ID: uuid.New(), ExamID: exam.ID, Type: model.QuestionTypeEssay, Prompt: "3", OrderNum: 3},
	}

	h := &harness{
		t:        t,
		clock:    clock.NewFake(at(10, 0, 0)),
		catalog:  &fakeCatalog{payloads: map[uuid.UUID]*model.ExamPayload{exam.ID: {Exam: exam, Questions: questions}}},
		attempts: &fakeAttempts{},
		store:    &countingStore{MemoryStore: cache.NewMemoryStore()},
		exam:     exam,
	}
	for _, q := range questions {
		h.qids = append(h.qids, q.ID.String())
	}

	log := zerolog.Nop()
	h.cache = cache.NewAutosaveCache(h.store, log)
	h.deps = EngineDeps{
		Catalog:  h.catalog,
		Attempts: h.attempts,
		Guard:    NewAccessGuard(),
		Cache:    h.cache,
		Recorder: NewSubmissionRecorder(h.attempts, h.cache, h.clock, log),
		Clock:    h.clock,
		Config: EngineConfig{
			TickInterval:       time.Second,
			AutosaveInterval:   30 * time.Second,
			SubmitMaxRetries:   2,
			SubmitRetryBackoff: 0,
			OpTimeout:          5 * time.Second,
		},
		Log: log,
	}
	return h
}

// withClock rebuilds the engine deps around another clock, as a reloaded
// process would have.
func (h *harness) withClock(clk *clock.Fake) EngineDeps {
	deps := h.deps
	deps.Clock = clk
	deps.Recorder = NewSubmissionRecorder(h.attempts, h.cache, clk, zerolog.Nop())
	return deps
}

func (h *harness) controller() *SessionController {
	return NewSessionController(h.deps, h.exam.ID, testStudent)
}

func (h *harness) started() *SessionController {
	h.t.Helper()
	c := h.controller()
	require.NoError(h.t, c.Start(context.Background()))
	require.Equal(h.t, model.SessionStateInProgress, c.State())
	return c
}

func (h *harness) cached() (*model.CacheEntry, bool) {
	return h.cache.Load(context.Background(), cache.Key(h.exam.ID, testStudent))
}

func raw(v string) json.RawMessage {
	return json.RawMessage(v)
}
