package topic

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one published frame as seen by a subscriber.
type Event struct {
	Channel string
	Payload []byte
}

// Broker publishes and subscribes over Redis pub/sub channels.
type Broker struct {
	client *redis.Client
}

// NewBroker creates a broker from a Redis URL.
func NewBroker(redisURL string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Broker{client: client}, nil
}

// NewBrokerWithClient creates a broker from an existing Redis client.
func NewBrokerWithClient(client *redis.Client) *Broker {
	return &Broker{client: client}
}

// Publish fans payload out to every current subscriber of channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscription is a live feed of one or more channels.
type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
}

// Subscribe opens a subscription on the given channels. The returned
// subscription must be closed by the caller.
func (b *Broker) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channels...)

	// Confirm the subscription is established before handing it out so a
	// publish immediately after Subscribe is not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %v: %w", channels, err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (s *Subscription) pump() {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.events <- Event{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// C is the stream of events for this subscription. It is closed when the
// subscription is closed or the connection drops.
func (s *Subscription) C() <-chan Event {
	return s.events
}

// Close tears the subscription down.
func (s *Subscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

// Ping checks if Redis is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}
