package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return errors.New("disk on fire")
}

func (brokenStore) Delete(context.Context, string) error {
	return errors.New("disk on fire")
}

func sampleEntry(savedAt time.Time) *model.CacheEntry {
	return &model.CacheEntry{
		AttemptNumber: 1,
		StartedAt:     savedAt.Add(-time.Minute),
		EndsAt:        savedAt.Add(29 * time.Minute),
		Answers: map[string]json.RawMessage{
			"q1": json.RawMessage(`"a"`),
			"q2": json.RawMessage(`true`),
		},
		Flagged: map[string]bool{"q2": true},
		SavedAt: savedAt,
	}
}

func TestAutosaveCacheStores(t *testing.T) {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "autosave.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bolt, err := NewBoltStore(db)
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := NewAutosaveCache(store, zerolog.Nop())
			key := Key(uuid.New(), 42)

			_, ok := c.Load(ctx, key)
			assert.False(t, ok, "first attempt has no entry")

			savedAt := time.Date(2026, 3, 2, 10, 46, 0, 0, time.UTC)
			require.NoError(t, c.Save(ctx, key, sampleEntry(savedAt)))

			got, ok := c.Load(ctx, key)
			require.True(t, ok)
			assert.Equal(t, model.CacheSchemaVersion, got.SchemaVersion)
			assert.JSONEq(t, `"a"`, string(got.Answers["q1"]))
			assert.JSONEq(t, `true`, string(got.Answers["q2"]))
			assert.Equal(t, map[string]bool{"q2": true}, got.Flagged)
			assert.True(t, got.SavedAt.Equal(savedAt))

			require.NoError(t, c.Clear(ctx, key))
			_, ok = c.Load(ctx, key)
			assert.False(t, ok)
		})
	}
}

func TestAutosaveCacheLoadToleratesBadData(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "corrupt json", raw: `{"answers":`},
		{name: "wrong shape", raw: `[1,2,3]`},
		{name: "old schema", raw: `{"schemaVersion":1,"answers":{"q1":"a"},"flagged":{},"savedAt":"2026-03-02T10:00:00Z"}`},
		{name: "no schema", raw: `{"answers":{"q1":"a"}}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			require.NoError(t, store.Set(ctx, "k", tc.raw, 0))

			c := NewAutosaveCache(store, zerolog.Nop())
			entry, ok := c.Load(ctx, "k")
			assert.False(t, ok)
			assert.Nil(t, entry)
		})
	}
}

func TestAutosaveCacheStoreFailures(t *testing.T) {
	ctx := context.Background()
	c := NewAutosaveCache(brokenStore{}, zerolog.Nop())

	_, ok := c.Load(ctx, "k")
	assert.False(t, ok, "read failure is a miss, not a crash")

	assert.Error(t, c.Save(ctx, "k", sampleEntry(time.Now())))
	assert.Error(t, c.Clear(ctx, "k"))
}

func TestKeyNamespacesExamAndStudent(t *testing.T) {
	exam := uuid.MustParse("3f2a0c7e-4b2d-4c39-9a57-0e5f1c3b8d11")
	assert.Equal(t, "exam:3f2a0c7e-4b2d-4c39-9a57-0e5f1c3b8d11:student:7", Key(exam, 7))
	assert.NotEqual(t, Key(exam, 7), Key(exam, 8))
}

func TestAutosaveCacheSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewAutosaveCache(store, zerolog.Nop())

	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	// EndsAt is savedAt + 29m, so these end at 12:59, 13:01 and 13:59.
	expired := sampleEntry(now.Add(-time.Hour - 30*time.Minute))
	graced := sampleEntry(now.Add(-time.Hour - 28*time.Minute))
	live := sampleEntry(now.Add(-30 * time.Minute))

	require.NoError(t, c.Save(ctx, "expired", expired))
	require.NoError(t, c.Save(ctx, "graced", graced))
	require.NoError(t, c.Save(ctx, "live", live))
	require.NoError(t, store.Set(ctx, "corrupt", `{"answers":`, 0))

	removed, err := c.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, store.Len())

	_, ok := c.Load(ctx, "graced")
	assert.True(t, ok)
	_, ok = c.Load(ctx, "live")
	assert.True(t, ok)
}

func TestAutosaveCacheSweepSkipsExpiringStores(t *testing.T) {
	c := NewAutosaveCache(brokenStore{}, zerolog.Nop())

	removed, err := c.Sweep(context.Background(), time.Now())
	assert.NoError(t, err)
	assert.Zero(t, removed)
}
