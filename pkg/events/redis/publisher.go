// Package redis publishes status-change events to a Redis Stream.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/events"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "geoschem:status"

// Config configures the publisher.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Stream is the stream key.
	Stream string

	// MaxLen approximately caps the stream length. Zero leaves it unbounded.
	MaxLen int64
}

// Publisher implements events.Publisher with XADD.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

var _ events.Publisher = (*Publisher)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{client: client, stream: stream, maxLen: cfg.MaxLen, logger: logger}
}

// Publish implements events.Publisher.
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"simulation_id": event.SimulationID,
			"user_id":       event.UserID,
			"new_status":    string(event.NewStatus),
			"data":          string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	p.logger.Debug("Status event published",
		zap.String("stream", p.stream),
		zap.String("message_id", id),
		zap.String("simulation_id", event.SimulationID),
		zap.String("new_status", string(event.NewStatus)))
	return nil
}

// Close implements events.Publisher.
func (p *Publisher) Close() error {
	return p.client.Close()
}
