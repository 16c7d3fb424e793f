package signalingtest

import (
	"context"
	"sync"

	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

// Exchange is an in-process signaling.Exchange. Publishes fan out
// synchronously into per-subscriber buffered channels, which preserves
// per-publisher FIFO to each subscriber.
type Exchange struct {
	mu      sync.Mutex
	subs    map[*subscription]struct{}
	maxSize int
}

func NewExchange() *Exchange {
	return &Exchange{subs: make(map[*subscription]struct{}), maxSize: 64 * 1024}
}

type subscription struct {
	ex     *Exchange
	keys   map[string]struct{}
	ch     chan signaling.Delivery
	closed bool
}

func (s *subscription) C() <-chan signaling.Delivery { return s.ch }

func (s *subscription) Close() error {
	s.ex.mu.Lock()
	defer s.ex.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.ex.subs, s)
	close(s.ch)
	return nil
}

func (e *Exchange) Publish(_ context.Context, scope signaling.Scope, data []byte) error {
	if len(data) > e.maxSize {
		return signaling.ErrMessageTooLarge
	}
	key := scope.RoutingKey()
	e.mu.Lock()
	defer e.mu.Unlock()
	for sub := range e.subs {
		if _, ok := sub.keys[key]; !ok {
			continue
		}
		select {
		case sub.ch <- signaling.Delivery{RoutingKey: key, Data: data}:
		default:
			// Slow subscriber; at-most-once permits dropping.
		}
	}
	return nil
}

func (e *Exchange) Subscribe(_ context.Context, scopes ...signaling.Scope) (signaling.Subscription, error) {
	sub := &subscription{
		ex:   e,
		keys: make(map[string]struct{}, len(scopes)),
		ch:   make(chan signaling.Delivery, 256),
	}
	for _, s := range scopes {
		sub.keys[s.RoutingKey()] = struct{}{}
	}
	e.mu.Lock()
	e.subs[sub] = struct{}{}
	e.mu.Unlock()
	return sub, nil
}
