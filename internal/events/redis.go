package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"provisioning-queue/internal/models"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel queue events travel on.
const DefaultChannel = "provisioner:queue-events"

const publishTimeout = 2 * time.Second

// Connect initializes a Redis client from URL or host:port input and checks it answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher publishes queue events so other processes (the API's
// websocket clients) hear about work done by a cron-triggered dispatch.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     logr.Logger
}

// NewRedisPublisher creates a publisher on channel (DefaultChannel when empty).
func NewRedisPublisher(client *redis.Client, channel string, log logr.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel, log: log}
}

// Notify implements Notifier. Publish errors are logged, never returned:
// a missed event only delays a dashboard refresh.
func (p *RedisPublisher) Notify(ctx context.Context, ev models.QueueEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error(err, "encode queue event", "item_id", ev.ItemID)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.client.Publish(pubCtx, p.channel, payload).Err(); err != nil {
		p.log.Error(err, "publish queue event", "item_id", ev.ItemID, "kind", ev.Kind)
	}
}

// Subscribe delivers events published on channel to n until ctx is done.
func Subscribe(ctx context.Context, client *redis.Client, channel string, n Notifier, log logr.Logger) error {
	if channel == "" {
		channel = DefaultChannel
	}
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before consuming.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev models.QueueEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Error(err, "decode queue event", "channel", msg.Channel)
				continue
			}
			n.Notify(ctx, ev)
		}
	}
}
