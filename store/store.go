// Package store abstracts the record store: a remote key-value server with
// sets, sorted sets, pipelined batches and tag-scoped transactions. The
// engine talks only to Client; the production implementation wraps a pooled
// go-redis client, the in-memory implementation backs the tests.
package store

import "context"

// ZMember is a sorted-set entry.
type ZMember struct {
	Member string
	Score  float64
}

// Batcher queues mutations and applies them in one Exec. A Pipeline batcher
// applies them in order without atomicity; a Tx batcher applies them
// all-or-nothing, and every key it touches must share one co-location tag on
// a partitioned store.
type Batcher interface {
	SAdd(key, member string)
	SRem(key, member string)
	ZAdd(key string, m ZMember)
	ZRem(key, member string)
	HSet(key string, fields map[string]string)
	Del(keys ...string)
	Exec(ctx context.Context) error
}

// Client is the store primitive surface the engine requires.
type Client interface {
	Exists(ctx context.Context, key string) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SInterStore(ctx context.Context, dst string, srcs ...string) error

	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRangeByScore accepts "-inf"/"+inf" and the "("-prefixed exclusive
	// bound syntax.
	ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error)
	ZInterStoreWeights(ctx context.Context, dst string, srcs []string, weights []float64) error

	Pipeline() Batcher
	Tx(tag string) Batcher

	// Partitioned reports whether keys are spread over multiple shards.
	// Set once at startup; it drives the engine's execution strategy.
	Partitioned() bool

	Close() error
}
