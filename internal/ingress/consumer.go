// Package ingress adapts the external tick stream to the scoring core. The
// upstream producer owns sourcing, deduplication and timezone normalization;
// this adapter validates the data contract and defends against out-of-order
// delivery by dropping stale ticks.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"marketwatch/internal/models"
)

// TickHandler processes one validated tick.
type TickHandler func(ctx context.Context, tick models.Tick) error

// Config holds consumer configuration.
type Config struct {
	RedisURL      string
	RedisPassword string
	StreamKey     string
	ConsumerGroup string
	ConsumerName  string
	BlockTime     time.Duration
	BatchSize     int64
}

// tickPayload is the wire format of one tick on the stream. Price and volume
// arrive as strings so the producer never loses precision to float encoding;
// they are parsed and range-checked with decimals here.
type tickPayload struct {
	SecurityID string    `json:"security_id"`
	Timestamp  time.Time `json:"ts"`
	Price      string    `json:"price"`
	Volume     string    `json:"volume"`
}

// Consumer reads tick events from Redis Streams using consumer groups
// (XREADGROUP + XACK, at-least-once delivery).
type Consumer struct {
	client        *redis.Client
	streamKey     string
	consumerGroup string
	consumerName  string
	handler       TickHandler
	logger        *slog.Logger
	blockTime     time.Duration
	batchSize     int64
}

// New creates a Redis Streams tick consumer and its consumer group.
func New(cfg Config, handler TickHandler, logger *slog.Logger) (*Consumer, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opt.Password = cfg.RedisPassword
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}

	c := &Consumer{
		client:        client,
		streamKey:     cfg.StreamKey,
		consumerGroup: cfg.ConsumerGroup,
		consumerName:  cfg.ConsumerName,
		handler:       handler,
		logger:        logger.With("component", "ingress", "stream_key", cfg.StreamKey),
		blockTime:     cfg.BlockTime,
		batchSize:     cfg.BatchSize,
	}

	err = client.XGroupCreateMkStream(ctx, cfg.StreamKey, cfg.ConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("ingress_initialized",
		"consumer_group", cfg.ConsumerGroup,
		"consumer_name", cfg.ConsumerName,
	)
	return c, nil
}

// Start consumes ticks until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("ingress_starting")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("ingress_stopping")
			return ctx.Err()
		default:
			streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    c.consumerGroup,
				Consumer: c.consumerName,
				Streams:  []string{c.streamKey, ">"},
				Count:    c.batchSize,
				Block:    c.blockTime,
				NoAck:    false,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					continue
				}
				c.logger.Error("xreadgroup_failed", "error", err)
				time.Sleep(1 * time.Second)
				continue
			}

			for _, stream := range streams {
				for _, message := range stream.Messages {
					if err := c.processMessage(ctx, message); err != nil {
						c.logger.Error("tick_processing_failed",
							"stream_id", message.ID,
							"error", err,
						)
						// Stale, conflicting-duplicate and malformed ticks are
						// rejected permanently, so acknowledge them instead of
						// letting them redeliver forever. Transient failures
						// (an identical redelivery re-runs the cycle) stay
						// pending for redelivery.
						if !isPermanent(err) {
							continue
						}
					}
					if err := c.client.XAck(ctx, c.streamKey, c.consumerGroup, message.ID).Err(); err != nil {
						c.logger.Error("xack_failed", "stream_id", message.ID, "error", err)
					}
				}
			}
		}
	}
}

// isPermanent reports whether re-delivering the message could ever succeed.
func isPermanent(err error) bool {
	return err == nil ||
		errors.Is(err, models.ErrOutOfOrderTick) ||
		errors.Is(err, models.ErrDuplicateTick) ||
		errors.Is(err, models.ErrInvalidTick) ||
		errors.Is(err, models.ErrInvalidFeatureVector)
}

// processMessage deserializes, validates and hands off a single tick.
func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) error {
	dataField, ok := msg.Values["data"]
	if !ok {
		return fmt.Errorf("%w: message %s missing 'data' field", models.ErrInvalidTick, msg.ID)
	}
	jsonBytes, ok := dataField.(string)
	if !ok {
		return fmt.Errorf("%w: message %s data field is not a string", models.ErrInvalidTick, msg.ID)
	}

	var payload tickPayload
	if err := json.Unmarshal([]byte(jsonBytes), &payload); err != nil {
		return fmt.Errorf("%w: json unmarshal: %v", models.ErrInvalidTick, err)
	}

	tick, err := parseTick(payload)
	if err != nil {
		return err
	}

	c.logger.Debug("tick_received",
		"stream_id", msg.ID,
		"security_id", tick.SecurityID,
		"ts", tick.Timestamp,
	)
	return c.handler(ctx, tick)
}

// parseTick enforces the ingress data contract: positive decimal price,
// non-negative integral volume, UTC timestamp.
func parseTick(p tickPayload) (models.Tick, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: price %q: %v", models.ErrInvalidTick, p.Price, err)
	}
	if !price.IsPositive() {
		return models.Tick{}, fmt.Errorf("%w: price must be positive, got %s", models.ErrInvalidTick, price)
	}

	volume, err := decimal.NewFromString(p.Volume)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: volume %q: %v", models.ErrInvalidTick, p.Volume, err)
	}
	if volume.IsNegative() || !volume.IsInteger() {
		return models.Tick{}, fmt.Errorf("%w: volume must be a non-negative integer, got %s", models.ErrInvalidTick, volume)
	}

	tick := models.Tick{
		SecurityID: p.SecurityID,
		Timestamp:  p.Timestamp.UTC(),
		Price:      price.InexactFloat64(),
		Volume:     volume.IntPart(),
	}
	if err := models.ValidateTick(tick); err != nil {
		return models.Tick{}, err
	}
	return tick, nil
}

// Close closes the Redis connection.
func (c *Consumer) Close() error {
	c.logger.Info("ingress_closing")
	return c.client.Close()
}
