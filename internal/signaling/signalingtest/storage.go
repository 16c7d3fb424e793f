// Package signalingtest provides in-memory doubles for the signaling
// collaborator surfaces: the volatile store, the exchange and the transport.
// They honor the same contracts as the Redis-backed implementations and keep
// module and runner tests hermetic.
package signalingtest

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

type entry struct {
	value    string
	set      map[string]struct{}
	list     []string
	deadline time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

// Storage is an in-memory signaling.Storage. A single mutex serializes every
// primitive, which trivially satisfies per-key linearizability and makes
// Transact serializable.
type Storage struct {
	mu   sync.Mutex
	data map[string]*entry
	// Clock is injectable for TTL tests; defaults to time.Now.
	Clock func() time.Time
}

func NewStorage() *Storage {
	return &Storage{data: make(map[string]*entry), Clock: time.Now}
}

func (s *Storage) now() time.Time { return s.Clock() }

// get returns a live entry or nil.
func (s *Storage) get(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Storage) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		return "", signaling.ErrKeyMissing
	}
	return e.value, nil
}

func (s *Storage) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{value: value}
	if ttl > 0 {
		e.deadline = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Storage) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.get(key) != nil {
		return false, nil
	}
	e := &entry{value: value}
	if ttl > 0 {
		e.deadline = s.now().Add(ttl)
	}
	s.data[key] = e
	return true, nil
}

func (s *Storage) GetDel(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		return "", signaling.ErrKeyMissing
	}
	delete(s.data, key)
	return e.value, nil
}

func (s *Storage) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *Storage) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.get(key); e != nil {
		e.deadline = s.now().Add(ttl)
	}
	return nil
}

func (s *Storage) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		e = &entry{}
		s.data[key] = e
	}
	n := parseInt(e.value) + 1
	e.value = formatInt(n)
	return n, nil
}

func (s *Storage) AddToSet(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		e = &entry{set: make(map[string]struct{})}
		s.data[key] = e
	}
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	var added int64
	for _, m := range members {
		if _, ok := e.set[m]; !ok {
			e.set[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (s *Storage) RemoveFromSet(_ context.Context, key, member string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil || e.set == nil {
		return false, 0, nil
	}
	_, removed := e.set[member]
	delete(e.set, member)
	return removed, int64(len(e.set)), nil
}

func (s *Storage) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membersLocked(key), nil
}

func (s *Storage) membersLocked(key string) []string {
	e := s.get(key)
	if e == nil || e.set == nil {
		return nil
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *Storage) InSet(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil || e.set == nil {
		return false, nil
	}
	_, ok := e.set[member]
	return ok, nil
}

func (s *Storage) ListPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		e = &entry{}
		s.data[key] = e
	}
	e.list = append(e.list, values...)
	return nil
}

func (s *Storage) ListTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		return nil
	}
	lo, hi := listBounds(int64(len(e.list)), start, stop)
	if lo > hi {
		e.list = nil
		return nil
	}
	e.list = append([]string(nil), e.list[lo:hi+1]...)
	return nil
}

func (s *Storage) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		return nil, nil
	}
	lo, hi := listBounds(int64(len(e.list)), start, stop)
	if lo > hi {
		return nil, nil
	}
	return append([]string(nil), e.list[lo:hi+1]...), nil
}

// listBounds maps redis-style negative indexes onto the slice.
func listBounds(n, start, stop int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

// memTx stages writes while holding the storage lock, which makes the
// transaction serializable without any retry.
type memTx struct {
	s      *Storage
	staged []func()
}

func (t *memTx) Get(key string) (string, error) {
	e := t.s.get(key)
	if e == nil {
		return "", signaling.ErrKeyMissing
	}
	return e.value, nil
}

func (t *memTx) SetMembers(key string) ([]string, error) {
	return t.s.membersLocked(key), nil
}

func (t *memTx) Set(key, value string, ttl time.Duration) {
	t.staged = append(t.staged, func() {
		e := &entry{value: value}
		if ttl > 0 {
			e.deadline = t.s.now().Add(ttl)
		}
		t.s.data[key] = e
	})
}

func (t *memTx) Del(keys ...string) {
	keys = append([]string(nil), keys...)
	t.staged = append(t.staged, func() {
		for _, key := range keys {
			delete(t.s.data, key)
		}
	})
}

func (t *memTx) AddToSet(key string, members ...string) {
	members = append([]string(nil), members...)
	t.staged = append(t.staged, func() {
		e := t.s.get(key)
		if e == nil {
			e = &entry{set: make(map[string]struct{})}
			t.s.data[key] = e
		}
		if e.set == nil {
			e.set = make(map[string]struct{})
		}
		for _, m := range members {
			e.set[m] = struct{}{}
		}
	})
}

func (t *memTx) RemoveFromSet(key string, members ...string) {
	members = append([]string(nil), members...)
	t.staged = append(t.staged, func() {
		e := t.s.get(key)
		if e == nil || e.set == nil {
			return
		}
		for _, m := range members {
			delete(e.set, m)
		}
	})
}

func (s *Storage) Transact(_ context.Context, _ []string, fn func(tx signaling.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		return err
	}
	for _, apply := range tx.staged {
		apply()
	}
	return nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }
