package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// PayloadSource loads an exam with its questions.
type PayloadSource interface {
	GetPayload(ctx context.Context, examID uuid.UUID) (*model.ExamPayload, error)
}

// CachedExamCatalog serves exam payloads from Redis and falls back to the
// source on a miss. Published exams are immutable, so a TTL is the only
// invalidation needed.
type CachedExamCatalog struct {
	source PayloadSource
	rdb    *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewCachedExamCatalog creates a CachedExamCatalog.
func NewCachedExamCatalog(source PayloadSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedExamCatalog {
	return &CachedExamCatalog{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		log:    log.With().Str("component", "exam_catalog").Logger(),
	}
}

// GetPayload returns the exam payload, reading through the cache.
func (c *CachedExamCatalog) GetPayload(ctx context.Context, examID uuid.UUID) (*model.ExamPayload, error) {
	key := config.CacheKey.ExamPayloadKey(examID.String())

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var payload model.ExamPayload
		if jsonErr := json.Unmarshal(raw, &payload); jsonErr == nil {
			return &payload, nil
		}
		c.log.Warn().Str("exam_id", examID.String()).Msg("Corrupt exam payload in cache, reloading")
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Msg("Exam cache read failed, falling back to database")
	}

	payload, err := c.source.GetPayload(ctx, examID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(payload); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache exam payload")
		}
	}
	return payload, nil
}
