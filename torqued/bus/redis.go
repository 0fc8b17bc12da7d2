package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/torqueio/torque/torqued/observability"
)

// DefaultChannel is the pub/sub channel carrying task ids.
const DefaultChannel = "torque:notify"

// RedisBus implements Bus over Redis pub/sub. Fire-and-forget publish and
// no backlog for absent subscribers, which is exactly the contract: the
// bus is an optimisation over polling, never a source of truth.
type RedisBus struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
}

// NewRedisBus connects and subscribes. The subscription is established
// before returning so consumers never miss messages published after
// construction.
func NewRedisBus(addr string, password string, db int) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	pubsub := client.Subscribe(context.Background(), DefaultChannel)
	// Force the SUBSCRIBE round-trip now rather than on first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, err
	}

	return &RedisBus{client: client, pubsub: pubsub, channel: DefaultChannel}, nil
}

func (b *RedisBus) Publish(ctx context.Context, id string) error {
	if err := b.client.Publish(ctx, b.channel, id).Err(); err != nil {
		observability.BusDropped.WithLabelValues("error").Inc()
		return err
	}
	observability.BusPublished.Inc()
	return nil
}

func (b *RedisBus) Consume(ctx context.Context) (string, error) {
	select {
	case msg, ok := <-b.pubsub.Channel():
		if !ok {
			return "", context.Canceled
		}
		return msg.Payload, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *RedisBus) Close() error {
	b.pubsub.Close()
	return b.client.Close()
}
