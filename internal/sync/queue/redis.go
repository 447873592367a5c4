package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the snapshot in a single Redis string, for kiosks that
// share a queue host. Mutations are optimistic WATCH/MULTI transactions.
type RedisStore struct {
	*snapshotStore
	client *redis.Client
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	return &RedisStore{
		snapshotStore: newSnapshotStore(&redisBlobs{client: client}, opts...),
		client:        client,
	}
}

// Ping checks that the Redis server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// maxTxAttempts bounds optimistic retries when another writer changes the
// key between WATCH and EXEC.
const maxTxAttempts = 10

type redisBlobs struct {
	client *redis.Client
}

// atomic runs fn under WATCH on key. Reads go straight to the server; writes
// are buffered and sent in one MULTI/EXEC, which fails if key changed. The
// whole section is then retried.
func (b *redisBlobs) atomic(ctx context.Context, key string, fn func(tx blobTx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			rt := &redisTx{tx: tx}
			if err := fn(rt); err != nil {
				return err
			}
			if len(rt.ops) == 0 {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, op := range rt.ops {
					op(pipe)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("key %q kept changing after %d attempts", key, maxTxAttempts)
}

// redisTx buffers writes until EXEC.
type redisTx struct {
	tx  *redis.Tx
	ops []func(pipe redis.Pipeliner)
}

func (t *redisTx) get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := t.tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *redisTx) put(ctx context.Context, key string, value []byte) error {
	t.ops = append(t.ops, func(pipe redis.Pipeliner) { pipe.Set(ctx, key, value, 0) })
	return nil
}

func (t *redisTx) del(ctx context.Context, key string) error {
	t.ops = append(t.ops, func(pipe redis.Pipeliner) { pipe.Del(ctx, key) })
	return nil
}

func (t *redisTx) move(ctx context.Context, from, to string) error {
	t.ops = append(t.ops, func(pipe redis.Pipeliner) { pipe.Rename(ctx, from, to) })
	return nil
}
