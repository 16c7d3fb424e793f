// Package redis implements the volatile signaling store on a Redis client.
// All runners of a deployment share it, which is what makes presence and the
// single-use tickets work across controller instances.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

// txRetries bounds optimistic retries of Transact before giving up with
// ErrTxConflict.
const txRetries = 8

// Store implements signaling.Storage over go-redis.
type Store struct {
	client *redis.Client
}

// NewStore panics on a nil client; wiring bugs should fail at startup.
func NewStore(client *redis.Client) *Store {
	if client == nil {
		panic("redis store: client is nil")
	}
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", signaling.ErrKeyMissing
	}
	if err != nil {
		return "", storeErr("get", key, err)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return storeErr("set", key, err)
	}
	return nil
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	won, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, storeErr("setnx", key, err)
	}
	return won, nil
}

func (s *Store) GetDel(ctx context.Context, key string) (string, error) {
	// GETDEL needs Redis 6.2; a transactional GET+DEL keeps older servers
	// working with the same exactly-once contract.
	var val string
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.Nil) {
		return "", signaling.ErrKeyMissing
	}
	if errors.Is(err, redis.TxFailedErr) {
		// Someone else consumed it between our read and delete.
		return "", signaling.ErrKeyMissing
	}
	if err != nil {
		return "", storeErr("getdel", key, err)
	}
	return val, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return storeErr("del", keys[0], err)
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return storeErr("expire", key, err)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, storeErr("incr", key, err)
	}
	return n, nil
}

func (s *Store) AddToSet(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	added, err := s.client.SAdd(ctx, key, args...).Result()
	if err != nil {
		return 0, storeErr("sadd", key, err)
	}
	return added, nil
}

// RemoveFromSet pipelines SREM and SCARD so the remaining count belongs to
// the same moment as the removal. Presence teardown relies on exactly one
// caller observing remaining == 0.
func (s *Store) RemoveFromSet(ctx context.Context, key, member string) (bool, int64, error) {
	pipe := s.client.TxPipeline()
	rem := pipe.SRem(ctx, key, member)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, storeErr("srem", key, err)
	}
	return rem.Val() > 0, card.Val(), nil
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, storeErr("smembers", key, err)
	}
	return members, nil
}

func (s *Store) InSet(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, storeErr("sismember", key, err)
	}
	return ok, nil
}

func (s *Store) ListPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return storeErr("rpush", key, err)
	}
	return nil
}

func (s *Store) ListTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return storeErr("ltrim", key, err)
	}
	return nil
}

func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, storeErr("lrange", key, err)
	}
	return values, nil
}

// Transact runs fn under WATCH on the declared keys and retries on
// conflicting writes.
func (s *Store) Transact(ctx context.Context, keys []string, fn func(tx signaling.Tx) error) error {
	for attempt := 0; attempt < txRetries; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{ctx: ctx, tx: rtx}
			if err := fn(tx); err != nil {
				return err
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				tx.apply(pipe)
				return nil
			})
			return err
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && tx404(err) {
			return signaling.ErrKeyMissing
		}
		return err
	}
	return signaling.ErrTxConflict
}

func tx404(err error) bool {
	return errors.Is(err, redis.Nil) || errors.Is(err, signaling.ErrKeyMissing)
}

// redisTx exposes the Tx contract inside a WATCH block: reads go straight to
// the watched connection, writes are staged until fn returns.
type redisTx struct {
	ctx    context.Context
	tx     *redis.Tx
	staged []func(pipe redis.Pipeliner)
}

func (t *redisTx) Get(key string) (string, error) {
	val, err := t.tx.Get(t.ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", signaling.ErrKeyMissing
	}
	return val, err
}

func (t *redisTx) SetMembers(key string) ([]string, error) {
	return t.tx.SMembers(t.ctx, key).Result()
}

func (t *redisTx) Set(key, value string, ttl time.Duration) {
	t.staged = append(t.staged, func(pipe redis.Pipeliner) { pipe.Set(t.ctx, key, value, ttl) })
}

func (t *redisTx) Del(keys ...string) {
	k := append([]string(nil), keys...)
	t.staged = append(t.staged, func(pipe redis.Pipeliner) { pipe.Del(t.ctx, k...) })
}

func (t *redisTx) AddToSet(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	t.staged = append(t.staged, func(pipe redis.Pipeliner) { pipe.SAdd(t.ctx, key, args...) })
}

func (t *redisTx) RemoveFromSet(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	t.staged = append(t.staged, func(pipe redis.Pipeliner) { pipe.SRem(t.ctx, key, args...) })
}

func (t *redisTx) apply(pipe redis.Pipeliner) {
	for _, op := range t.staged {
		op(pipe)
	}
}

func storeErr(op, key string, err error) error {
	return fmt.Errorf("redis %s %s: %w: %v", op, key, signaling.ErrStoreUnavailable, err)
}
