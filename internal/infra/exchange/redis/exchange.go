// Package redis implements the signaling exchange on Redis pub/sub. Routing
// keys become channel names under a shared prefix; Redis gives per-publisher
// FIFO per channel and at-most-once delivery, exactly the exchange contract.
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

const channelPrefix = "ot:exchange:"

// maxMessageSize guards against a single module flooding the bus.
const maxMessageSize = 512 * 1024

// deliveryBuffer absorbs bursts; a subscriber that stays behind loses
// messages rather than stalling the pump.
const deliveryBuffer = 256

type Exchange struct {
	client *redis.Client
	log    *logrus.Entry
}

func NewExchange(client *redis.Client, log *logrus.Logger) *Exchange {
	if client == nil {
		panic("redis exchange: client is nil")
	}
	if log == nil {
		panic("redis exchange: logger is nil")
	}
	return &Exchange{client: client, log: log.WithField("component", "exchange")}
}

func (e *Exchange) Publish(ctx context.Context, scope signaling.Scope, data []byte) error {
	if len(data) > maxMessageSize {
		return signaling.ErrMessageTooLarge
	}
	if err := e.client.Publish(ctx, channelPrefix+scope.RoutingKey(), data).Err(); err != nil {
		return fmt.Errorf("exchange publish %s: %w", scope.RoutingKey(), err)
	}
	return nil
}

func (e *Exchange) Subscribe(ctx context.Context, scopes ...signaling.Scope) (signaling.Subscription, error) {
	channels := make([]string, len(scopes))
	for i, scope := range scopes {
		channels[i] = channelPrefix + scope.RoutingKey()
	}
	ps := e.client.Subscribe(ctx, channels...)
	// Receive forces the SUBSCRIBE round trip so a successful return means
	// the feed is live; otherwise a publish racing the subscribe is lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("exchange subscribe: %w", err)
	}
	sub := &subscription{
		ps:  ps,
		ch:  make(chan signaling.Delivery, deliveryBuffer),
		log: e.log,
	}
	go sub.pump()
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	ch   chan signaling.Delivery
	log  *logrus.Entry
	once sync.Once
}

func (s *subscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		d := signaling.Delivery{
			RoutingKey: msg.Channel[len(channelPrefix):],
			Data:       []byte(msg.Payload),
		}
		select {
		case s.ch <- d:
		default:
			s.log.WithField("routing_key", d.RoutingKey).Warn("dropping delivery for slow subscriber")
		}
	}
}

func (s *subscription) C() <-chan signaling.Delivery { return s.ch }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}
