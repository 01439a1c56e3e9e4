package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/samhotchkiss/calpush/internal/events"
)

// DefaultChannel is the pub/sub channel shared by every hub node.
const DefaultChannel = "calpush:events"

// ErrNoRedisURL is returned by OpenRedis when no url is configured.
var ErrNoRedisURL = errors.New("redis url is empty")

// Redis publishes events to a pub/sub channel and feeds the events it
// receives on that channel to the local handler. Every node, including the
// publisher, sees each event once.
type Redis struct {
	Logf func(string, ...any)

	client  *redis.Client
	channel string
	handler Handler

	readyOnce sync.Once
	ready     chan struct{}
}

// OpenRedis connects to the server named by rawURL and checks it is reachable.
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrNoRedisURL
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedis builds a bus on channel. An empty channel uses DefaultChannel.
func NewRedis(client *redis.Client, channel string, handler Handler) *Redis {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{
		client:  client,
		channel: channel,
		handler: handler,
		ready:   make(chan struct{}),
	}
}

// Channel returns the pub/sub channel name.
func (b *Redis) Channel() string {
	return b.channel
}

// Ready is closed once the subscription is confirmed by the server.
func (b *Redis) Ready() <-chan struct{} {
	return b.ready
}

// Publish encodes the event and publishes it to every node.
func (b *Redis) Publish(ctx context.Context, event events.Event) error {
	payload, err := events.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event for %s: %w", event.Key, err)
	}
	return nil
}

// Run subscribes to the channel and dispatches received events until ctx
// is cancelled.
func (b *Redis) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.deliver(ctx, msg.Payload)
		}
	}
}

func (b *Redis) deliver(ctx context.Context, payload string) {
	event, err := events.Unmarshal([]byte(payload))
	if err != nil {
		logWith(b.Logf, "warning: dropping undecodable bus event: channel=%s err=%v", b.channel, err)
		return
	}
	if b.handler == nil {
		return
	}
	if err := b.handler.HandleEvent(ctx, event); err != nil {
		logWith(b.Logf, "warning: bus event handler failed: channel=%s uri=%s err=%v", b.channel, event.Key, err)
	}
}
