package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Redis adapts a go-redis client to the Client interface. Pooling,
// timeouts and (in cluster mode) hashtag routing are go-redis concerns; the
// partitioned flag only tells the engine which execution strategy is safe.
type Redis struct {
	rdb         redis.UniversalClient
	partitioned bool
}

var _ Client = (*Redis)(nil)

// NewRedis wraps an already-configured client. Pass partitioned=true when
// rdb fronts a cluster, so that multi-key mutations are scoped to
// co-location tags.
func NewRedis(rdb redis.UniversalClient, partitioned bool) *Redis {
	return &Redis{rdb: rdb, partitioned: partitioned}
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, key).Result()
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	return r.rdb.HSet(ctx, key, fields).Err()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.rdb.Incr(ctx, key).Result()
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	return r.rdb.SAdd(ctx, key, toAny(members)...).Err()
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	return r.rdb.SRem(ctx, key, toAny(members)...).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.rdb.SMembers(ctx, key).Result()
}

func (r *Redis) SInterStore(ctx context.Context, dst string, srcs ...string) error {
	return r.rdb.SInterStore(ctx, dst, srcs...).Err()
}

func (r *Redis) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	zs := make([]redis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, redis.Z{Score: m.Score, Member: m.Member})
	}
	return r.rdb.ZAdd(ctx, key, zs...).Err()
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	return r.rdb.ZRem(ctx, key, toAny(members)...).Err()
}

func (r *Redis) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	return r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

func (r *Redis) ZInterStoreWeights(ctx context.Context, dst string, srcs []string, weights []float64) error {
	return r.rdb.ZInterStore(ctx, dst, &redis.ZStore{Keys: srcs, Weights: weights}).Err()
}

func (r *Redis) Pipeline() Batcher {
	return &redisBatch{pipe: r.rdb.Pipeline()}
}

// Tx returns a MULTI/EXEC batch. The tag is implicit in the queued keys:
// on a cluster every key must carry it so the batch lands on one node.
func (r *Redis) Tx(tag string) Batcher {
	return &redisBatch{pipe: r.rdb.TxPipeline()}
}

func (r *Redis) Partitioned() bool {
	return r.partitioned
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

type redisBatch struct {
	pipe redis.Pipeliner
}

func (b *redisBatch) SAdd(key, member string) {
	b.pipe.SAdd(context.Background(), key, member)
}

func (b *redisBatch) SRem(key, member string) {
	b.pipe.SRem(context.Background(), key, member)
}

func (b *redisBatch) ZAdd(key string, m ZMember) {
	b.pipe.ZAdd(context.Background(), key, redis.Z{Score: m.Score, Member: m.Member})
}

func (b *redisBatch) ZRem(key, member string) {
	b.pipe.ZRem(context.Background(), key, member)
}

func (b *redisBatch) HSet(key string, fields map[string]string) {
	b.pipe.HSet(context.Background(), key, fields)
}

func (b *redisBatch) Del(keys ...string) {
	b.pipe.Del(context.Background(), keys...)
}

func (b *redisBatch) Exec(ctx context.Context) error {
	_, err := b.pipe.Exec(ctx)
	return err
}

func toAny(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}
