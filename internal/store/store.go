// Package store abstracts the queue-and-KV backend that is the only point
// of cross-process synchronization between the producer and the workers.
package store

import (
	"context"
	"time"
)

// Store is the shared state substrate: list queues, string keys with TTL,
// sets, and an atomic blocking list move. All blocking operations are
// bounded by their timeout argument and by the context.
type Store interface {
	// Push appends payload to the head of the named list.
	Push(ctx context.Context, queue string, payload []byte) error
	// RPush appends payload to the tail of the named list.
	RPush(ctx context.Context, queue string, payload []byte) error
	// Pop blocks until any of the listed queues has an element, honoring
	// list order (earlier queues are preferred). Returns ("", nil, nil)
	// on timeout.
	Pop(ctx context.Context, queues []string, timeout time.Duration) (string, []byte, error)

	// Set writes a value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only when absent; reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get returns (nil, nil) when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, set string, members ...string) error
	SRem(ctx context.Context, set string, members ...string) error
	SMembers(ctx context.Context, set string) ([]string, error)

	// BlockingMove atomically pops the head of src and appends it to the
	// tail of dst, blocking up to timeout. Returns (nil, nil) on timeout.
	BlockingMove(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error)
}
