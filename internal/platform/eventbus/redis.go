package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fitfull/consultation/internal/platform/websocket"
)

// redisClient is the subset of *redis.Client the relay uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type envelope struct {
	Origin string          `json:"origin"`
	Event  websocket.Event `json:"event"`
}

// RedisRelay shares events between server instances. Publish sends an event
// to the Redis channel; Run re-broadcasts events from other instances into
// the local hub. Events carry the sending instance's id so an instance never
// delivers its own events twice.
type RedisRelay struct {
	client  redisClient
	channel string
	origin  string
	local   websocket.EventPublisher
	logger  zerolog.Logger
}

// NewRedisRelay creates a relay on channel delivering foreign events to local.
// A relay with a nil local only publishes.
func NewRedisRelay(client redisClient, channel string, local websocket.EventPublisher, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		logger:  logger.With().Str("component", "redis-relay").Str("channel", channel).Logger(),
	}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Origin returns this instance's relay id.
func (r *RedisRelay) Origin() string {
	return r.origin
}

// Publish implements websocket.EventPublisher.
func (r *RedisRelay) Publish(ctx context.Context, event websocket.Event) error {
	data, err := json.Marshal(envelope{Origin: r.origin, Event: event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to the channel and relays foreign events until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	r.logger.Info().Str("origin", r.origin).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed relay message")
		return
	}
	if env.Origin == r.origin || r.local == nil {
		return
	}
	if err := r.local.Publish(ctx, env.Event); err != nil {
		r.logger.Warn().Err(err).Str("type", env.Event.Type).Msg("local delivery failed")
	}
}
