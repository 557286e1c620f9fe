package storage

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "agentsched/pkg/logx"
)

// RedisStore is the shared store backed by Redis sorted sets and Lua scripts.
type RedisStore struct {
	rdb  redis.UniversalClient
	keys Keys
	log  logx.Logger
}

func NewRedis(cfg RedisConfig, keys Keys, log logx.Logger) *RedisStore {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return NewRedisFromClient(rdb, keys, log)
}

// NewRedisFromClient wraps an existing client. The store owns it after this call.
func NewRedisFromClient(rdb redis.UniversalClient, keys Keys, log logx.Logger) *RedisStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisStore{rdb: rdb, keys: keys.WithDefaults(), log: log}
}

func (s *RedisStore) sets() []string { return []string{s.keys.waiting(), s.keys.working()} }

func (s *RedisStore) ClaimBatch(ctx context.Context, req ClaimRequest) ([]string, error) {
	if req.N <= 0 || (req.Only != nil && len(req.Only) == 0) {
		return nil, nil
	}
	args := make([]any, 0, 3+2*len(req.Only))
	args = append(args,
		epochSeconds(req.Now),
		req.N,
		timeoutSeconds(req.DefaultTimeout, DefaultClaimTimeout),
	)
	for _, c := range req.Only {
		args = append(args, c.ID, timeoutSeconds(c.Timeout, req.DefaultTimeout))
	}
	ids, err := claimBatchScript.Run(ctx, s.rdb, s.sets(), args...).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return ids, err
}

func (s *RedisStore) Release(ctx context.Context, id string, claim time.Time) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{s.keys.working()}, id, claimArg(claim)).Int()
	return n == 1, err
}

func (s *RedisStore) Requeue(ctx context.Context, id string, claim, at time.Time) (bool, error) {
	n, err := requeueScript.Run(ctx, s.rdb, s.sets(), id, epochSeconds(at), claimArg(claim)).Int()
	return n == 1, err
}

func (s *RedisStore) Schedule(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := s.Repopulate(ctx, []string{id}, at)
	return n == 1, err
}

func (s *RedisStore) Repopulate(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, epochSeconds(at))
	for _, id := range ids {
		args = append(args, id)
	}
	return repopulateScript.Run(ctx, s.rdb, s.sets(), args...).Int()
}

func (s *RedisStore) ReclaimExpired(ctx context.Context, cutoff, requeueAt time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := reclaimScript.Run(ctx, s.rdb, s.sets(),
		epochSeconds(cutoff), epochSeconds(requeueAt), limit,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return ids, err
}

func (s *RedisStore) Ready(ctx context.Context, now time.Time, offset, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	return s.rdb.ZRangeByScore(ctx, s.keys.waiting(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(epochSeconds(now), 10),
		Offset: int64(offset),
		Count:  int64(limit),
	}).Result()
}

func (s *RedisStore) WaitingScore(ctx context.Context, id string) (time.Time, bool, error) {
	return s.score(ctx, s.keys.waiting(), id)
}

func (s *RedisStore) WorkingScore(ctx context.Context, id string) (time.Time, bool, error) {
	return s.score(ctx, s.keys.working(), id)
}

func (s *RedisStore) score(ctx context.Context, key, id string) (time.Time, bool, error) {
	v, err := s.rdb.ZScore(ctx, key, id).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromEpochSeconds(v), true, nil
}

func (s *RedisStore) Counts(ctx context.Context) (Counts, error) {
	pipe := s.rdb.Pipeline()
	w := pipe.ZCard(ctx, s.keys.waiting())
	k := pipe.ZCard(ctx, s.keys.working())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{Waiting: w.Val(), Working: k.Val()}, nil
}

func (s *RedisStore) AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	n, err := leaderScript.Run(ctx, s.rdb, []string{s.keys.leader()}, holder, ttl.Milliseconds()).Int()
	return n == 1, err
}

func (s *RedisStore) Heartbeat(ctx context.Context, pod string, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.keys.memberPrefix()+pod, time.Now().UnixMilli(), ttl).Err()
}

func (s *RedisStore) LivePods(ctx context.Context) ([]string, error) {
	prefix := s.keys.memberPrefix()
	var pods []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		pods = append(pods, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(pods)
	return pods, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	err := s.rdb.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
