package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"marketwatch/internal/models"
)

const (
	resultKeyPrefix = "result:"
	recencyIndexKey = "results:by_ts:"
	scoreIndexKey   = "results:by_score"
)

// RedisSink persists results in Redis: one JSON record per key written with
// SETNX for insert-if-absent, plus sorted-set indexes for the read contract
// (per-security recency, global score ordering).
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisSink creates a Redis-backed result sink.
func NewRedisSink(redisURL, redisPassword string, ttl time.Duration, logger *slog.Logger) (*RedisSink, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if redisPassword != "" {
		opt.Password = redisPassword
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisSink{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "redis_sink"),
	}, nil
}

// Insert stores the result under result:{key} if absent and updates the
// recency and score indexes. The SETNX on the record key is the idempotency
// barrier; index updates reuse the member so re-delivery cannot duplicate.
func (s *RedisSink) Insert(ctx context.Context, result *models.AnomalyResult) (bool, error) {
	if err := models.ValidateResult(result); err != nil {
		return false, err
	}

	jsonBytes, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("json marshal failed: %w", err)
	}

	key := resultKeyPrefix + result.Key()
	inserted, err := s.client.SetNX(ctx, key, jsonBytes, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: SETNX %s: %v", models.ErrSinkWrite, key, err)
	}
	if !inserted {
		s.logger.Debug("result_already_present", "key", key)
		return false, nil
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, recencyIndexKey+result.SecurityID, redis.Z{
		Score:  float64(result.Timestamp.UnixMilli()),
		Member: key,
	})
	pipe.ZAdd(ctx, scoreIndexKey, redis.Z{
		Score:  result.Score,
		Member: key,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("%w: index update for %s: %v", models.ErrSinkWrite, key, err)
	}

	s.logger.Info("result_persisted",
		"security_id", result.SecurityID,
		"ts", result.Timestamp,
		"score", result.Score,
		"flagged", result.Flagged,
	)
	return true, nil
}

// RecentBySecurity reads results for one security, newest first.
func (s *RedisSink) RecentBySecurity(ctx context.Context, securityID string, limit int) ([]models.AnomalyResult, error) {
	if limit <= 0 {
		limit = 50
	}
	keys, err := s.client.ZRevRange(ctx, recencyIndexKey+securityID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("ZREVRANGE: %w", err)
	}
	return s.fetch(ctx, keys)
}

// TopByScore reads results ordered by descending score.
func (s *RedisSink) TopByScore(ctx context.Context, limit int) ([]models.AnomalyResult, error) {
	if limit <= 0 {
		limit = 50
	}
	keys, err := s.client.ZRevRange(ctx, scoreIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("ZREVRANGE: %w", err)
	}
	return s.fetch(ctx, keys)
}

func (s *RedisSink) fetch(ctx context.Context, keys []string) ([]models.AnomalyResult, error) {
	out := make([]models.AnomalyResult, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// Record expired but its index entry has not been reaped yet.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", key, err)
		}
		var r models.AnomalyResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
