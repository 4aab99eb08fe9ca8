package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on go-redis v9. Queue semantics are
// LPUSH/BRPOP; the byte-pipe move is BLMOVE LEFT→RIGHT.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and verifies connectivity with a ping.
func NewRedisStore(addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  -1, // blocking commands manage their own deadlines
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr)
	return &RedisStore{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Push(ctx context.Context, queue string, payload []byte) error {
	return s.rdb.LPush(ctx, queue, payload).Err()
}

func (s *RedisStore) RPush(ctx context.Context, queue string, payload []byte) error {
	return s.rdb.RPush(ctx, queue, payload).Err()
}

func (s *RedisStore) Pop(ctx context.Context, queues []string, timeout time.Duration) (string, []byte, error) {
	res, err := s.rdb.BRPop(ctx, timeout, queues...).Result()
	if err == redis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	// BRPOP returns [queue, payload].
	if len(res) != 2 {
		return "", nil, fmt.Errorf("brpop: unexpected reply of %d elements", len(res))
	}
	return res[0], []byte(res[1]), nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if sv, ok := v.(string); ok {
			out[i] = []byte(sv)
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) SAdd(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.rdb.SAdd(ctx, set, toAnySlice(members)...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.rdb.SRem(ctx, set, toAnySlice(members)...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, set string) ([]string, error) {
	return s.rdb.SMembers(ctx, set).Result()
}

func (s *RedisStore) BlockingMove(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error) {
	val, err := s.rdb.BLMove(ctx, src, dst, "LEFT", "RIGHT", timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

func toAnySlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
