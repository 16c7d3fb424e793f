package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// RoomKey builds the canonical volatile-store key for a room-scoped value:
// ot:{room}:{namespace}:{key}. Implementations may add their own prefix on
// top.
func RoomKey(room domain.RoomID, namespace, key string) string {
	return fmt.Sprintf("ot:%s:%s:%s", room, namespace, key)
}

// GlobalKey builds a key for values not tied to a room, such as unconsumed
// tickets.
func GlobalKey(namespace, key string) string {
	return fmt.Sprintf("ot:global:%s:%s", namespace, key)
}

// Tx stages operations inside a Storage transaction. Reads observe the state
// at transaction start; writes are queued and applied atomically on commit.
type Tx interface {
	Get(key string) (string, error)
	SetMembers(key string) ([]string, error)

	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	AddToSet(key string, members ...string)
	RemoveFromSet(key string, members ...string)
}

// Storage is the volatile store shared by all runners: room-scoped key/value
// with atomic primitives, linearizable per key. The Redis implementation
// lives in internal/infra/state/redis; tests use the in-memory double from
// signalingtest.
type Storage interface {
	Get(ctx context.Context, key string) (string, error) // ErrKeyMissing when absent
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent writes only when the key does not exist and reports whether
	// it won. Used for initialization races (active poll, active timer).
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// GetDel atomically reads and removes a key; ErrKeyMissing when absent.
	// This is how tickets and resumption tokens are consumed exactly once.
	GetDel(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Incr(ctx context.Context, key string) (int64, error)

	AddToSet(ctx context.Context, key string, members ...string) (added int64, err error)
	// RemoveFromSet atomically removes a member and reports how many members
	// remain. Presence teardown derives the destroy-room flag from this
	// single call; a separate read would race.
	RemoveFromSet(ctx context.Context, key, member string) (removed bool, remaining int64, err error)
	SetMembers(ctx context.Context, key string) ([]string, error)
	InSet(ctx context.Context, key, member string) (bool, error)

	ListPush(ctx context.Context, key string, values ...string) error
	ListTrim(ctx context.Context, key string, start, stop int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Transact runs fn optimistically over the declared keys, retrying on
	// conflict. Serializable over the key set.
	Transact(ctx context.Context, keys []string, fn func(tx Tx) error) error
}
