package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	generationKey    = "rbac:generation"
	globalMemoPrefix = "rbac:globalperms"
	globalMemoTTL    = 5 * time.Minute
)

// RedisGenerations implements GenerationStore on Redis. The counter is
// bumped by every mutation that can change team-derived or global grants;
// memo entries are keyed by (generation, user) so a bump implicitly
// invalidates all of them.
type RedisGenerations struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisGenerations builds a RedisGenerations.
func NewRedisGenerations(rdb *redis.Client, logger *slog.Logger) *RedisGenerations {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGenerations{rdb: rdb, logger: logger}
}

// Bump advances the generation counter.
func (g *RedisGenerations) Bump(ctx context.Context) error {
	return g.rdb.Incr(ctx, generationKey).Err()
}

// Current returns the generation counter; zero when never bumped.
func (g *RedisGenerations) Current(ctx context.Context) (int64, error) {
	v, err := g.rdb.Get(ctx, generationKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// GetGlobalMemo returns the memoized global codenames for the user at the
// given generation.
func (g *RedisGenerations) GetGlobalMemo(ctx context.Context, generation, userID int64) ([]string, bool) {
	raw, err := g.rdb.Get(ctx, globalMemoKey(generation, userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			g.logger.Warn("global memo read failed", slog.Any("error", err))
		}
		return nil, false
	}
	var codenames []string
	if err := json.Unmarshal(raw, &codenames); err != nil {
		g.logger.Warn("global memo decode failed", slog.Any("error", err))
		return nil, false
	}
	return codenames, true
}

// SetGlobalMemo stores the user's global codenames for the generation.
func (g *RedisGenerations) SetGlobalMemo(ctx context.Context, generation, userID int64, codenames []string) {
	raw, err := json.Marshal(codenames)
	if err != nil {
		return
	}
	if err := g.rdb.Set(ctx, globalMemoKey(generation, userID), raw, globalMemoTTL).Err(); err != nil {
		g.logger.Warn("global memo write failed", slog.Any("error", err))
	}
}

func globalMemoKey(generation, userID int64) string {
	return fmt.Sprintf("%s:%d:%d", globalMemoPrefix, generation, userID)
}
