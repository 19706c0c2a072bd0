package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backplane fans published envelopes out to every hub instance, the
// publishing one included.
type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
	// Run delivers received envelopes until ctx is done.
	Run(ctx context.Context, deliver func(Envelope)) error
	Close() error
}

// DefaultRedisTopic is the Redis pub/sub channel carrying bus envelopes.
const DefaultRedisTopic = "topicpresence:bus"

// RedisBackplane relays envelopes through Redis pub/sub.
type RedisBackplane struct {
	rdb    *redis.Client
	topic  string
	logger *zap.Logger
}

// NewRedisBackplane connects to url and verifies the connection.
func NewRedisBackplane(ctx context.Context, url, topic string, logger *zap.Logger) (*RedisBackplane, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisBackplaneFromClient(rdb, topic, logger), nil
}

// NewRedisBackplaneFromClient wraps an existing client.
func NewRedisBackplaneFromClient(rdb *redis.Client, topic string, logger *zap.Logger) *RedisBackplane {
	if topic == "" {
		topic = DefaultRedisTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackplane{rdb: rdb, topic: topic, logger: logger}
}

func (b *RedisBackplane) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.topic, payload).Err()
}

func (b *RedisBackplane) Run(ctx context.Context, deliver func(Envelope)) error {
	pubsub := b.rdb.Subscribe(ctx, b.topic)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before relaying.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed backplane message", zap.Error(err))
				continue
			}
			deliver(env)
		}
	}
}

func (b *RedisBackplane) Close() error {
	return b.rdb.Close()
}
