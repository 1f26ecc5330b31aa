package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stemsi/exstem-cbt/internal/cache"
	"github.com/stemsi/exstem-cbt/internal/clock"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartFreshSession(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(at(10, 10, 0))

	c := h.started()
	snap := c.Snapshot()

	assert.False(t, snap.Recovered)
	assert.Equal(t, 1, snap.Session.AttemptNumber)
	assert.Equal(t, at(10, 10, 0), snap.Session.StartedAt)
	assert.Equal(t, at(10, 40, 0), snap.Session.EndsAt)
	assert.Equal(t, int64(30*60), snap.RemainingSeconds)
	assert.Equal(t, model.Progress{Total: 3}, snap.Progress)
	assert.Equal(t, 2, h.clock.Tickers())

	// The start time is persisted right away.
	entry, ok := h.cached()
	require.True(t, ok)
	assert.Equal(t, at(10, 10, 0), entry.StartedAt)
	assert.Equal(t, 1, entry.AttemptNumber)
}

func TestStartBlocked(t *testing.T) {
	tests := []struct {
		name   string
		now    time.Time
		reason model.BlockReason
	}{
		{"not yet open", at(9, 59, 59), model.BlockReasonNotYetOpen},
		{"closed", at(11, 0, 1), model.BlockReasonClosed},
		// The window is inclusive, but an attempt starting at the closing
		// instant would have no time at all.
		{"exactly at close", at(11, 0, 0), model.BlockReasonClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.clock.Set(tt.now)

			c := h.controller()
			err := c.Start(context.Background())

			reason, ok := BlockReasonOf(err)
			require.True(t, ok, "expected BlockedError, got %v", err)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, model.SessionStateBlocked, c.State())
			assert.Equal(t, tt.reason, c.BlockReason())
			assert.Zero(t, h.clock.Tickers())

			_, err = c.Submit(context.Background())
			assert.ErrorIs(t, err, ErrSessionNotActive)
		})
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t)
	c := h.started()
	assert.ErrorIs(t, c.Start(context.Background()), ErrSessionNotActive)
}

func TestSetAnswer(t *testing.T) {
	h := newHarness(t)
	c := h.started()
	q1, q2, q3 := h.qids[0], h.qids[1], h.qids[2]

	require.NoError(t, c.SetAnswer(q1, raw(`"A"`)))
	require.NoError(t, c.SetAnswer(q1, raw(`"B"`)))
	require.NoError(t, c.SetAnswer(q2, raw(`false`)))
	require.NoError(t, c.SetAnswer(q3, raw(`"Karena ..."`)))

	snap := c.Snapshot()
	assert.JSONEq(t, `"B"`, string(snap.Session.Answers[q1]))
	assert.JSONEq(t, `false`, string(snap.Session.Answers[q2]))
	assert.Equal(t, 3, snap.Progress.Answered)

	// null clears the answer.
	require.NoError(t, c.SetAnswer(q3, raw(`null`)))
	assert.NotContains(t, c.Snapshot().Session.Answers, q3)

	assert.ErrorIs(t, c.SetAnswer("not-a-question", raw(`"A"`)), ErrUnknownQuestion)
	assert.ErrorIs(t, c.SetAnswer(q1, raw(`"Z"`)), model.ErrInvalidAnswer)
	assert.ErrorIs(t, c.SetAnswer(q2, raw(`"yes"`)), model.ErrInvalidAnswer)
}

func TestSnapshotIsACopy(t *testing.T) {
	h := newHarness(t)
	c := h.started()
	require.NoError(t, c.SetAnswer(h.qids[0], raw(`"A"`)))

	snap := c.Snapshot()
	snap.Session.Answers[h.qids[0]] = raw(`"B"`)
	snap.Session.Flagged[h.qids[1]] = true

	fresh := c.Snapshot()
	assert.JSONEq(t, `"A"`, string(fresh.Session.Answers[h.qids[0]]))
	assert.Empty(t, fresh.Session.Flagged)
}

func TestToggleFlag(t *testing.T) {
	h := newHarness(t)
	c := h.started()

	flagged, err := c.ToggleFlag(h.qids[1])
	require.NoError(t, err)
	assert.True(t, flagged)
	assert.Equal(t, 1, c.Snapshot().Progress.Flagged)

	flagged, err = c.ToggleFlag(h.qids[1])
	require.NoError(t, err)
	assert.False(t, flagged)
	assert.Empty(t, c.Snapshot().Session.Flagged)

	_, err = c.ToggleFlag("missing")
	assert.ErrorIs(t, err, ErrUnknownQuestion)
}

func TestCountdownTicks(t *testing.T) {
	h := newHarness(t)
	c := h.started()

	var (
		mu        sync.Mutex
		remaining []int64
	)
	c.Subscribe(func(ev Event) {
		if ev.Type == EventTick {
			mu.Lock()
			remaining = append(remaining, ev.RemainingSeconds)
			mu.Unlock()
		}
	})

	h.clock.Advance(3 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1799, 1798, 1797}, remaining)
}

func TestManualSubmit(t *testing.T) {
	h := newHarness(t)
	c := h.started()
	require.NoError(t, c.SetAnswer(h.qids[0], raw(`"B"`)))

	h.clock.Advance(5 * time.Minute)
	rec, err := c.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.SessionStateSubmitted, c.State())
	assert.False(t, rec.AutoSubmitted)
	assert.Equal(t, 1, rec.AttemptNumber)
	assert.Equal(t, at(10, 5, 0), rec.SubmittedAt)
	assert.JSONEq(t, `"B"`, string(rec.Answers[h.qids[0]]))
	assert.Equal(t, 1, h.attempts.count())
	assert.Zero(t, h.clock.Tickers())

	_, ok := h.cached()
	assert.False(t, ok, "cache entry must be gone once the attempt is recorded")

	// Repeating returns the same record without writing again.
	again, err := c.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 1, h.attempts.count())

	// Answers are frozen.
	assert.ErrorIs(t, c.SetAnswer(h.qids[0], raw(`"A"`)), ErrSessionFrozen)
	_, err = c.ToggleFlag(h.qids[0])
	assert.ErrorIs(t, err, ErrSessionFrozen)
}

// Exam 10:00-11:00, 30 minutes, one attempt. Starting at 10:45 the window
// wins over the duration; the timeout fires at 11:00 exactly.
func TestLateStartIsCutByWindowAndAutoSubmits(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(at(10, 45, 0))

	c := h.started()
	require.NoError(t, c.SetAnswer(h.qids[0], raw(`"A"`)))
	assert.Equal(t, at(11, 0, 0), c.Snapshot().Session.EndsAt)

	h.clock.Advance(15*time.Minute - time.Second)
	assert.Equal(t, model.SessionStateInProgress, c.State())
	assert.Equal(t, int64(1), c.Snapshot().RemainingSeconds)

	h.clock.Advance(time.Second)
	require.Equal(t, model.SessionStateSubmitted, c.State())

	snap := c.Snapshot()
	require.NotNil(t, snap.Attempt)
	assert.True(t, snap.Attempt.AutoSubmitted)
	assert.Equal(t, at(11, 0, 0), snap.Attempt.SubmittedAt)
	assert.JSONEq(t, `"A"`, string(snap.Attempt.Answers[h.qids[0]]))
	assert.Equal(t, 1, h.attempts.count())
	assert.Equal(t, 1, h.store.deleteCount())
	assert.Zero(t, h.store.Len())

	// Nothing keeps running after submission.
	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.attempts.count())

	next := h.controller()
	reason, ok := BlockReasonOf(next.Start(context.Background()))
	require.True(t, ok)
	assert.Equal(t, model.BlockReasonAttemptsExhausted, reason)
}

func TestSetAnswerAfterDeadlineSubmits(t *testing.T) {
	h := newHarness(t)
	c := h.started()
	require.NoError(t, c.SetAnswer(h.qids[0], raw(`"A"`)))

	// The clock jumps past the deadline without a tick in between.
	h.clock.Set(at(10, 31, 0))

	assert.ErrorIs(t, c.SetAnswer(h.qids[0], raw(`"B"`)), ErrSessionFrozen)
	assert.Equal(t, model.SessionStateSubmitted, c.State())

	rec := c.Snapshot().Attempt
	require.NotNil(t, rec)
	assert.True(t, rec.AutoSubmitted)
	assert.JSONEq(t, `"A"`, string(rec.Answers[h.qids[0]]))
}

func TestConcurrentManualAndTimeoutSubmitRecordOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		c := h.started()
		require.NoError(t, c.SetAnswer(h.qids[0], raw(`"A"`)))
		// The deadline is reached but the tick that notices it is still pending.
		h.clock.Set(at(10, 30, 0))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = c.Submit(context.Background())
		}()
		go func() {
			defer wg.Done()
			h.clock.Advance(time.Second)
		}()
		wg.Wait()

		require.Equal(t, model.SessionStateSubmitted, c.State())
		assert.Equal(t, 1, h.attempts.count())
		assert.Equal(t, 1, h.store.deleteCount())
		assert.True(t, c.Snapshot().Attempt.AutoSubmitted)
	}
}

func TestManualSubmitAtDeadlineIsAutoSubmitted(t *testing.T) {
	h := newHarness(t)
	c := h.started()
	require.NoError(t, c.SetAnswer(h.qids[0], raw(`"A"`)))

	h.clock.Set(at(10, 30, 0))
	rec, err := c.Submit(context.Background())
	require.NoError(t, err)

	assert.True(t, rec.AutoSubmitted)
	assert.Equal(t, at(10, 30, 0), rec.SubmittedAt)
	assert.JSONEq(t, `"A"`, string(rec.Answers[h.qids[0]]))
}

func TestSubmitWhileInFlight(t *testing.T) {
	h := newHarness(t)
	c := h.started()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.attempts.beforeWrite = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background())
		done <- err
	}()
	<-entered

	assert.Equal(t, model.SessionStateSubmitting, c.State())
	_, err := c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrSubmitInProgress)
	assert.ErrorIs(t, c.SetAnswer(h.qids[0], raw(`"A"`)), ErrSessionFrozen)

	// Timers were stopped on entering SUBMITTING, so a timeout cannot fire.
	h.clock.Set(at(10, 31, 0))
	h.clock.Advance(time.Second)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, model.SessionStateSubmitted, c.State())
	assert.Equal(t, 1, h.attempts.count())
	assert.False(t, c.Snapshot().Attempt.AutoSubmitted)
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	c := h.started()
	h.attempts.setFailures(2)

	rec, err := c.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptNumber)
	assert.Equal(t, 3, h.attempts.insertCalls)
	assert.Zero(t, h.store.Len())
}

func TestSubmitBacksOffOnTheEngineClock(t *testing.T) {
	h := newHarness(t)
	h.deps.Config.SubmitRetryBackoff = 10 * time.Second
	c := h.started()
	h.attempts.setFailures(2)

	type result struct {
		rec *model.AttemptRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := c.Submit(context.Background())
		done <- result{rec, err}
	}()

	// Backoff grows with each retry: 10s, then 20s.
	for _, wait := range []time.Duration{10 * time.Second, 20 * time.Second} {
		require.Eventually(t, func() bool { return h.clock.Timers() == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, model.SessionStateSubmitting, c.State())

		h.clock.Advance(wait - time.Second)
		assert.Equal(t, 1, h.clock.Timers())
		h.clock.Advance(time.Second)
	}

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, at(10, 0, 30), res.rec.SubmittedAt)
	case <-time.After(time.Second):
		t.Fatal("submit did not finish")
	}
	assert.Equal(t, 3, h.attempts.insertCalls)
	assert.Zero(t, h.clock.Timers())
}

func TestSubmitFailureKeepsAnswersAndAllowsRetry(t *testing.T) {
	h := newHarness(t)
	c := h.started()
	require.NoError(t, c.SetAnswer(h.qids[0], raw(`"B"`)))
	_, err := c.ToggleFlag(h.qids[2])
	require.NoError(t, err)

	var failures []Event
	c.Subscribe(func(ev Event) {
		if ev.Type == EventSubmitFailed {
			failures = append(failures, ev)
		}
	})

	h.attempts.setFailures(100)
	_, err = c.Submit(context.Background())
	require.ErrorIs(t, err, ErrSubmissionFailed)

	assert.Equal(t, model.SessionStateSubmitting, c.State())
	assert.NotEmpty(t, c.Snapshot().SubmitError)
	require.Len(t, failures, 1)
	assert.Zero(t, h.attempts.count())

	// The entry was put back and still holds the frozen answers.
	entry, ok := h.cached()
	require.True(t, ok)
	assert.JSONEq(t, `"B"`, string(entry.Answers[h.qids[0]]))
	assert.True(t, entry.Flagged[h.qids[2]])

	// Still frozen while failed.
	assert.ErrorIs(t, c.SetAnswer(h.qids[0], raw(`"A"`)), ErrSessionFrozen)

	h.attempts.setFailures(0)
	rec, err := c.Submit(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"B"`, string(rec.Answers[h.qids[0]]))
	assert.Equal(t, model.SessionStateSubmitted, c.State())
	assert.Empty(t, c.Snapshot().SubmitError)
	assert.Zero(t, h.store.Len())
}

func TestAutosaveCadence(t *testing.T) {
	h := newHarness(t)
	c := h.started()

	var saves []time.Time
	c.Subscribe(func(ev Event) {
		if ev.Type == EventAutosaved {
			saves = append(saves, *ev.SavedAt)
		}
	})

	h.clock.Advance(90 * time.Second)
	assert.Equal(t, []time.Time{at(10, 0, 30), at(10, 1, 0), at(10, 1, 30)}, saves)
	assert.Equal(t, at(10, 1, 30), *c.Snapshot().LastSavedAt)
}

// Whatever offset inside the cadence an answer is given at, the cache holds it
// no later than one autosave interval afterwards.
func TestAutosaveLossIsBoundedByOneInterval(t *testing.T) {
	for _, offset := range []time.Duration{time.Second, 5 * time.Second, 29 * time.Second, 30 * time.Second, 59 * time.Second} {
		t.Run(offset.String(), func(t *testing.T) {
			h := newHarness(t)
			c := h.started()
			interval := h.deps.Config.AutosaveInterval

			h.clock.Advance(offset)
			answeredAt := h.clock.Now()
			require.NoError(t, c.SetAnswer(h.qids[0], raw(`"A"`)))

			h.clock.Advance(interval)

			entry, ok := h.cached()
			require.True(t, ok)
			assert.JSONEq(t, `"A"`, string(entry.Answers[h.qids[0]]))
			assert.False(t, entry.SavedAt.Before(answeredAt))
			assert.LessOrEqual(t, entry.SavedAt.Sub(answeredAt), interval)
		})
	}
}

func TestAutosaveFailureIsRetriedNextCadence(t *testing.T) {
	h := newHarness(t)
	store := &flakyStore{MemoryStore: cache.NewMemoryStore()}
	h.deps.Cache = cache.NewAutosaveCache(store, h.deps.Log)
	h.deps.Recorder = NewSubmissionRecorder(h.attempts, h.deps.Cache, h.clock, h.deps.Log)

	c := h.started()
	require.NoError(t, c.SetAnswer(h.qids[0], raw(`"A"`)))

	store.setFailing(true)
	h.clock.Advance(30 * time.Second)
	assert.Equal(t, model.SessionStateInProgress, c.State())
	assert.Equal(t, at(10, 0, 0), *c.Snapshot().LastSavedAt)

	store.setFailing(false)
	h.clock.Advance(30 * time.Second)
	assert.Equal(t, at(10, 1, 0), *c.Snapshot().LastSavedAt)
}

func TestRecoveryAfterReload(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(at(10, 5, 0))
	c := h.started()

	require.NoError(t, c.SetAnswer(h.qids[0], raw(`"B"`)))
	_, err := c.ToggleFlag(h.qids[2])
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)

	// Not autosaved before the crash.
	require.NoError(t, c.SetAnswer(h.qids[1], raw(`true`)))
	saved, ok := h.cached()
	require.True(t, ok)

	// The process dies; a new one starts with its own clock ten minutes later.
	reloaded := clock.NewFake(at(10, 15, 0))
	c2 := NewSessionController(h.withClock(reloaded), h.exam.ID, testStudent)
	require.NoError(t, c2.Start(context.Background()))

	snap := c2.Snapshot()
	assert.True(t, snap.Recovered)
	assert.Equal(t, saved.Answers, snap.Session.Answers)
	assert.Equal(t, saved.Flagged, snap.Session.Flagged)
	assert.NotContains(t, snap.Session.Answers, h.qids[1])
	assert.Equal(t, at(10, 5, 0), snap.Session.StartedAt)
	assert.Equal(t, at(10, 35, 0), snap.Session.EndsAt)
	assert.Equal(t, int64(20*60), snap.RemainingSeconds)
	assert.Equal(t, c.Snapshot().Session.Questions, snap.Session.Questions)
}

func TestRecoveredSessionPastDeadlineIsSubmitted(t *testing.T) {
	h := newHarness(t)
	c := h.started()
	require.NoError(t, c.SetAnswer(h.qids[0], raw(`"A"`)))
	h.clock.Advance(30 * time.Second)

	// Back after the 30 minutes ran out but while the window is still open.
	reloaded := clock.NewFake(at(10, 45, 0))
	c2 := NewSessionController(h.withClock(reloaded), h.exam.ID, testStudent)
	require.NoError(t, c2.Start(context.Background()))

	assert.Equal(t, model.SessionStateSubmitted, c2.State())
	rec := c2.Snapshot().Attempt
	require.NotNil(t, rec)
	assert.True(t, rec.AutoSubmitted)
	assert.JSONEq(t, `"A"`, string(rec.Answers[h.qids[0]]))
	assert.Zero(t, reloaded.Tickers())
}

func TestStaleCacheEntriesAreDiscarded(t *testing.T) {
	tests := []struct {
		name  string
		entry model.CacheEntry
	}{
		{
			name: "previous attempt",
			entry: model.CacheEntry{
				AttemptNumber: 2, StartedAt: at(10, 0, 0), EndsAt: at(10, 30, 0), SavedAt: at(10, 1, 0),
			},
		},
		{
			name: "saved before the window",
			entry: model.CacheEntry{
				AttemptNumber: 1, StartedAt: at(9, 0, 0), EndsAt: at(9, 30, 0), SavedAt: at(9, 10, 0),
			},
		},
		{
			name: "started in the future",
			entry: model.CacheEntry{
				AttemptNumber: 1, StartedAt: at(10, 50, 0), EndsAt: at(11, 0, 0), SavedAt: at(10, 50, 0),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.clock.Set(at(10, 20, 0))

			entry := tt.entry
			entry.Answers = map[string]json.RawMessage{h.qids[0]: raw(`"A"`)}
			require.NoError(t, h.cache.Save(context.Background(), cache.Key(h.exam.ID, testStudent), &entry))

			c := h.started()
			snap := c.Snapshot()
			assert.False(t, snap.Recovered)
			assert.Empty(t, snap.Session.Answers)
			assert.Equal(t, at(10, 20, 0), snap.Session.StartedAt)
		})
	}
}

func TestCorruptCacheStartsFresh(t *testing.T) {
	h := newHarness(t)
	key := cache.Key(h.exam.ID, testStudent)
	require.NoError(t, h.store.Set(context.Background(), key, "{not json", 0))

	c := h.started()
	assert.False(t, c.Snapshot().Recovered)
}

func TestDetachKeepsAnswersAndStopsTimers(t *testing.T) {
	h := newHarness(t)
	c := h.started()
	require.NoError(t, c.SetAnswer(h.qids[0], raw(`"B"`)))
	h.clock.Advance(10 * time.Second)

	c.Detach()

	assert.Zero(t, h.clock.Tickers())
	assert.True(t, c.Detached())
	assert.ErrorIs(t, c.SetAnswer(h.qids[0], raw(`"A"`)), ErrSessionDetached)
	_, err := c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrSessionDetached)
	assert.Zero(t, h.attempts.count())

	// Leaving flushes the latest answers immediately.
	entry, ok := h.cached()
	require.True(t, ok)
	assert.JSONEq(t, `"B"`, string(entry.Answers[h.qids[0]]))
	assert.Equal(t, at(10, 0, 10), entry.SavedAt)
}

func TestStartFailsWhenExamIsMissing(t *testing.T) {
	h := newHarness(t)
	c := NewSessionController(h.deps, h.exam.ID, testStudent)
	delete(h.catalog.payloads, h.exam.ID)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.False(t, errors.As(err, new(*BlockedError)))
	assert.Equal(t, model.SessionStateIdle, c.State())
}

type flakyStore struct {
	*cache.MemoryStore
	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *flakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errDatabaseDown
	}
	return s.MemoryStore.Set(ctx, key, value, ttl)
}
