package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
)

const (
	ProviderGoChannel = "gochannel"
	ProviderRedis     = "redis"
)

type Config struct {
	Provider   string
	RedisURL   string
	BufferSize int

	// StreamMaxLen caps each Redis stream (approximately). Default 1000.
	StreamMaxLen int64
	// ReplayWindow is how far back a new Redis subscription starts reading.
	// Default 5s.
	ReplayWindow time.Duration
}

// NewPubSub builds the transport named by cfg.Provider.
func NewPubSub(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (PubSub, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	switch cfg.Provider {
	case ProviderGoChannel, "":
		return initGoChannel(logger, cfg.BufferSize), nil
	case ProviderRedis:
		return initRedis(ctx, logger, cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", cfg.Provider)
	}
}

// initGoChannel is the single-instance transport: every subscriber of a
// topic receives every message.
func initGoChannel(logger watermill.LoggerAdapter, bufferSize int) PubSub {
	if bufferSize <= 0 {
		bufferSize = 100
	}

	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            int64(bufferSize),
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)
	return NewWatermillPubSub(pubSub, pubSub)
}

// initRedis wires Redis Streams for multi-instance deployments. Every
// subscription gets its own fan-out subscriber (no consumer group), so every
// gateway on every instance sees every message; a shared group would split a
// session's events between the two participants' connections.
func initRedis(ctx context.Context, logger watermill.LoggerAdapter, cfg Config) (PubSub, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis url is required for the redis event bus")
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = 1000
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 5 * time.Second
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client:        sharedClient{client},
			DefaultMaxlen: cfg.StreamMaxLen,
		},
		logger,
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create redis publisher: %w", err)
	}

	return newRedisPubSub(client, publisher, cfg.ReplayWindow, logger), nil
}
