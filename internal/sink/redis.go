// Package sink mirrors published leaderboards to external systems.
package sink

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/model"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps the current leaderboard in a sorted set at Key, scored by
// count, and its metadata in a hash at Key + ":meta". Both are replaced in a
// single MULTI/EXEC so readers never see a mix of two generations.
type Redis struct {
	rdb *redis.Client
	key string
}

// NewRedis connects and verifies the connection with a PING.
func NewRedis(cfg config.RedisSinkConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: redis ping failed: %w", model.ErrTransientUnavailable, err)
	}
	return newRedis(rdb, cfg.Key), nil
}

func newRedis(rdb *redis.Client, key string) *Redis {
	if key == "" {
		key = "hh:leaderboard"
	}
	return &Redis{rdb: rdb, key: key}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) metaKey() string { return r.key + ":meta" }

// members converts entries to sorted-set members. Redis scores are floats,
// so counts above 2^53 lose precision there; the hash keeps them exact.
func members(entries []model.Entry) []redis.Z {
	zs := make([]redis.Z, len(entries))
	for i, e := range entries {
		zs[i] = redis.Z{Score: float64(e.Count), Member: e.Item}
	}
	return zs
}

func meta(s *model.Snapshot) map[string]any {
	m := map[string]any{
		"generation": strconv.FormatUint(s.Generation, 10),
		"source":     s.Source.String(),
		"timestamp":  s.Timestamp.UTC().Format(time.RFC3339Nano),
		"k":          strconv.Itoa(s.K),
	}
	for i, e := range s.Entries {
		m["count:"+e.Item] = strconv.FormatUint(e.Count, 10)
		m["rank:"+e.Item] = strconv.Itoa(i + 1)
	}
	return m
}

func (r *Redis) Publish(ctx context.Context, s *model.Snapshot) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.key, r.metaKey())
	if len(s.Entries) > 0 {
		pipe.ZAdd(ctx, r.key, members(s.Entries)...)
	}
	pipe.HSet(ctx, r.metaKey(), meta(s))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: writing leaderboard to redis: %w", model.ErrTransientUnavailable, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
