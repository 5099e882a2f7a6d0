package sequence

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each counter in its own key and increments under WATCH, so a concurrent writer
// aborts the transaction instead of being overwritten.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "hacienda:consecutive"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(scope Scope) string {
	return fmt.Sprintf("%s:%s", s.prefix, scope)
}

func (s *RedisStore) Increment(ctx context.Context, scope Scope) (int64, error) {
	key := s.key(scope)
	var next int64

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		last, err := tx.Get(ctx, key).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next = last + 1

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, errors.Wrap(err, "increment counter")
	}
	return next, nil
}

func (s *RedisStore) Peek(ctx context.Context, scope Scope) (int64, error) {
	v, err := s.client.Get(ctx, s.key(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read counter")
	}
	return v, nil
}
