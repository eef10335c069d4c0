package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "conduit/pkg/logx"
)

const defaultRedisPrefix = "conduit"

// redisStore keeps runs in capped lists (one global, one per job) and dedup
// entries as keys that expire on their own.
type redisStore struct {
	rdb     *redis.Client
	log     logx.Logger
	prefix  string
	maxRuns int
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(rdb, cfg, log), nil
}

func newRedisStore(rdb *redis.Client, cfg Config, log logx.Logger) *redisStore {
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.KeyPrefix), ":")
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	max := cfg.MaxRuns
	if max <= 0 {
		max = 1000
	}
	return &redisStore{rdb: rdb, log: log, prefix: prefix, maxRuns: max}
}

func (s *redisStore) runsKey(job string) string {
	if job == "" {
		return s.prefix + ":runs"
	}
	return s.prefix + ":runs:" + job
}

func (s *redisStore) dedupKey(key string) string { return s.prefix + ":dedup:" + key }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) AppendRun(ctx context.Context, r RunRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, k := range []string{s.runsKey(""), s.runsKey(r.Job)} {
		pipe.LPush(ctx, k, b)
		pipe.LTrim(ctx, k, 0, int64(s.maxRuns-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append run: %w", err)
	}
	return nil
}

func (s *redisStore) ListRuns(ctx context.Context, q RunQuery) ([]RunRecord, error) {
	vals, err := s.rdb.LRange(ctx, s.runsKey(q.Job), 0, int64(q.limit()-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list runs: %w", err)
	}
	out := make([]RunRecord, 0, len(vals))
	for _, v := range vals {
		var r RunRecord
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			s.log.Debug("skipping malformed run record", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.rdb.Del(ctx, s.dedupKey(key)).Err()
	}
	return s.rdb.Set(ctx, s.dedupKey(key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.rdb.Get(ctx, s.dedupKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
