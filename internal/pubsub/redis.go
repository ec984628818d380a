package pubsub

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces every channel this package touches in Redis, so a
// shared Redis instance can host other subsystems safely.
const channelPrefix = "sharedb:"

// Redis is a PubSub backed by Redis PUBLISH/SUBSCRIBE, for deployments
// running more than one server process against the same documents.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing Redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func prefixed(channel string) string {
	return channelPrefix + channel
}

// Publish publishes op as the payload on channel.
func (r *Redis) Publish(ctx context.Context, channel string, op []byte) error {
	if err := r.client.Publish(ctx, prefixed(channel), op).Err(); err != nil {
		return fmt.Errorf("pubsub: redis publish on %s: %w", channel, err)
	}
	return nil
}

type redisSub struct {
	channel string
	ps      *redis.PubSub
	ch      chan Message
	cancel  context.CancelFunc
}

func (s *redisSub) Channel() string   { return s.channel }
func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	s.cancel()
	return s.ps.Close()
}

// Subscribe opens a dedicated Redis subscription for channel and relays
// messages to the returned Subscription until Close is called or the
// subscription's context is canceled.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, prefixed(channel))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("pubsub: redis subscribe to %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSub{
		channel: channel,
		ps:      ps,
		ch:      make(chan Message, subscriberQueueSize),
		cancel:  cancel,
	}

	go sub.relay(subCtx)

	return sub, nil
}

func (s *redisSub) relay(ctx context.Context) {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case s.ch <- Message{Channel: s.channel, Op: []byte(m.Payload)}:
			default:
				log.Printf("pubsub: dropping redis message for channel %s, subscriber queue full", s.channel)
			}
		}
	}
}

// Close releases the underlying Redis client. It does not close
// already-issued subscriptions; callers should Close each Subscription
// individually as they finish with it.
func (r *Redis) Close() error {
	return r.client.Close()
}
