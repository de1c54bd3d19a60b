package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cmsadmin/pkg/backend"
	"github.com/redis/go-redis/v9"
)

// RedisTransport 订阅自建存储通过 Redis 发布的变更
type RedisTransport struct {
	client  *redis.Client
	channel string
}

// NewRedisTransport 创建传输
func NewRedisTransport(client *redis.Client, channel string) *RedisTransport {
	return &RedisTransport{client: client, channel: channel}
}

// String 传输名
func (t *RedisTransport) String() string { return "redis" }

// Subscribe 订阅频道，收到订阅确认后返回
func (t *RedisTransport) Subscribe(ctx context.Context, target Target) (Subscription, error) {
	pubsub := t.client.Subscribe(ctx, t.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", t.channel, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	var closeOnce sync.Once
	sub := newSubscription(func() error {
		var err error
		closeOnce.Do(func() {
			cancel()
			err = pubsub.Close()
		})
		return err
	})

	go func() {
		var err error
		defer func() { sub.finish(err) }()

		msgs := pubsub.Channel()
		for {
			select {
			case <-readCtx.Done():
				err = readCtx.Err()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ch backend.Change
				if jsonErr := json.Unmarshal([]byte(msg.Payload), &ch); jsonErr != nil {
					continue
				}
				if !sub.deliver(readCtx, ch) {
					err = readCtx.Err()
					return
				}
			}
		}
	}()

	return sub, nil
}

// Publish 发布变更通知
func Publish(ctx context.Context, client *redis.Client, channel string, ch backend.Change) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return client.Publish(ctx, channel, data).Err()
}
