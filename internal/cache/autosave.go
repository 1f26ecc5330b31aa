package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// expiryGrace keeps an entry around for a while after its attempt deadline so
// a late reconnect can still find it.
const expiryGrace = time.Hour

// AutosaveCache stores one CacheEntry per (exam, student).
type AutosaveCache struct {
	store Store
	log   zerolog.Logger
}

// NewAutosaveCache creates an AutosaveCache on top of store.
func NewAutosaveCache(store Store, log zerolog.Logger) *AutosaveCache {
	return &AutosaveCache{
		store: store,
		log:   log.With().Str("component", "autosave_cache").Logger(),
	}
}

// Key returns the autosave key of a student's attempt at an exam.
func Key(examID uuid.UUID, studentID int) string {
	return config.CacheKey.AutosaveKey(examID.String(), studentID)
}

// Save writes entry under key, stamping the current schema version.
func (c *AutosaveCache) Save(ctx context.Context, key string, entry *model.CacheEntry) error {
	entry.SchemaVersion = model.CacheSchemaVersion

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	ttl := entry.EndsAt.Sub(entry.SavedAt) + expiryGrace
	if ttl <= 0 {
		ttl = expiryGrace
	}

	if err := c.store.Set(ctx, key, string(raw), ttl); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Load returns the entry stored under key. Absence, store failures, corrupt
// JSON and schema mismatches all read as a miss.
func (c *AutosaveCache) Load(ctx context.Context, key string) (*model.CacheEntry, bool) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Autosave read failed, treating as miss")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var entry model.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Corrupt autosave entry, treating as miss")
		return nil, false
	}
	if entry.SchemaVersion != model.CacheSchemaVersion {
		c.log.Info().
			Str("key", key).
			Int("version", entry.SchemaVersion).
			Msg("Autosave schema mismatch, treating as miss")
		return nil, false
	}

	if entry.Answers == nil {
		entry.Answers = map[string]json.RawMessage{}
	}
	if entry.Flagged == nil {
		entry.Flagged = map[string]bool{}
	}
	return &entry, true
}

// Clear removes the entry stored under key.
func (c *AutosaveCache) Clear(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Sweep deletes entries whose attempt deadline passed more than the expiry
// grace before now, along with unreadable entries. Stores that expire keys on
// their own are left alone. It returns the number of deleted entries.
func (c *AutosaveCache) Sweep(ctx context.Context, now time.Time) (int, error) {
	scanner, ok := c.store.(Scanner)
	if !ok {
		return 0, nil
	}

	var stale []string
	err := scanner.Each(ctx, func(key, value string) error {
		var entry model.CacheEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil ||
			entry.SchemaVersion != model.CacheSchemaVersion ||
			now.After(entry.EndsAt.Add(expiryGrace)) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan cache entries: %w", err)
	}

	for i, key := range stale {
		if err := c.store.Delete(ctx, key); err != nil {
			return i, fmt.Errorf("delete stale entry %s: %w", key, err)
		}
	}
	return len(stale), nil
}
