package model

import (
	"encoding/json"
	"time"
)

// CacheSchemaVersion is bumped whenever CacheEntry changes incompatibly.
// Entries written with another version are read as a miss.
const CacheSchemaVersion = 2

// CacheEntry is the autosaved, device-local copy of an attempt in progress.
type CacheEntry struct {
	SchemaVersion int                        `json:"schemaVersion"`
	AttemptNumber int                        `json:"attemptNumber"`
	StartedAt     time.Time                  `json:"startedAt"`
	EndsAt        time.Time                  `json:"endsAt"`
	Answers       map[string]json.RawMessage `json:"answers"`
	Flagged       map[string]bool            `json:"flagged"`
	SavedAt       time.Time                  `json:"savedAt"`
}
