package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address  string
	Password string
	DB       int

	// Stream is the Redis stream events are appended to.
	Stream string

	// MaxLen caps the stream length (approximate trimming). Zero means
	// unbounded.
	MaxLen int64

	// PublishTimeout bounds each XADD. Default 5s.
	PublishTimeout time.Duration
}

func DefaultRedisConfig(stream string) *RedisConfig {
	return &RedisConfig{
		Address:        "localhost:6379",
		DB:             0,
		Stream:         stream,
		PublishTimeout: 5 * time.Second,
	}
}

func createRedisClient(config *RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{config.Address},
		Password: config.Password,
		DB:       config.DB,
	})
}

// RedisSink appends event envelopes to a Redis stream as JSON. Attach it
// to a processor with Attach; a subscriber's delivery error is dropped, so
// a slow or absent Redis never fails a guarded call.
type RedisSink struct {
	client redis.UniversalClient
	config *RedisConfig
}

func NewRedisSink(config *RedisConfig) *RedisSink {
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}

	return &RedisSink{
		client: createRedisClient(config),
		config: config,
	}
}

// NewRedisSinkWithClient reuses an existing client, for callers that share
// one connection pool across sinks.
func NewRedisSinkWithClient(client redis.UniversalClient, config *RedisConfig) *RedisSink {
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}

	return &RedisSink{
		client: client,
		config: config,
	}
}

func (s *RedisSink) Write(envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.PublishTimeout)
	defer cancel()

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.config.Stream,
		MaxLen: s.config.MaxLen,
		Approx: s.config.MaxLen > 0,
		Values: map[string]any{
			"name":    envelope.Name,
			"type":    envelope.Type,
			"payload": payload,
		},
	}).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Attach subscribes the sink to a processor whose event type knows its own
// envelope shape.
func Attach[E Enveloper](processor *Processor[E], sink *RedisSink) {
	processor.Subscribe(func(event E) {
		_ = sink.Write(event.Envelope())
	})
}
