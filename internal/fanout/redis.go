package fanout

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisDriver runs the bus over Redis pub/sub.
type RedisDriver struct {
	client *redis.Client
}

func NewRedisDriver(client *redis.Client) *RedisDriver {
	return &RedisDriver{client: client}
}

func (d *RedisDriver) Connect(ctx context.Context) (Conn, error) {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &redisConn{client: d.client, pubsub: d.client.Subscribe(ctx)}, nil
}

type redisConn struct {
	client *redis.Client
	pubsub *redis.PubSub
}

func (c *redisConn) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

func (c *redisConn) Subscribe(ctx context.Context, channels ...string) error {
	return c.pubsub.Subscribe(ctx, channels...)
}

func (c *redisConn) Unsubscribe(ctx context.Context, channels ...string) error {
	return c.pubsub.Unsubscribe(ctx, channels...)
}

func (c *redisConn) Receive(ctx context.Context) (Message, error) {
	msg, err := c.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

// Close releases the subscription connection; the client stays open.
func (c *redisConn) Close() error {
	return c.pubsub.Close()
}
