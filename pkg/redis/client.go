// Package redis carries settlement events: one Pub/Sub channel per pool for live
// websocket clients and a capped stream for recent history.
package redis

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/canopy-network/poold/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStreamMaxLen caps the settlement stream when REDIS_STREAM_MAXLEN is unset.
const DefaultStreamMaxLen = 10000

// Client publishes settlement events and serves them back to the gateway. Writes
// are best effort: a broker outage is logged and never reaches the engine.
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64
}

// Options builds the connection settings from REDIS_HOST, REDIS_PORT,
// REDIS_PASSWORD and REDIS_DB.
func Options() *redis.Options {
	return &redis.Options{
		Addr:         net.JoinHostPort(utils.Env("REDIS_HOST", "localhost"), utils.Env("REDIS_PORT", "6379")),
		Password:     utils.Env("REDIS_PASSWORD", ""),
		DB:           utils.EnvInt("REDIS_DB", 0),
		PoolSize:     utils.EnvInt("REDIS_POOL_SIZE", 10),
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient connects and pings Redis. REDIS_STREAM_MAXLEN of 0 leaves the
// settlement stream untrimmed.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	opts := Options()
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	c := &Client{
		client:       rdb,
		logger:       logger,
		streamMaxLen: utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen),
	}
	logger.Info("Connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int64("stream_max_len", c.streamMaxLen))
	return c, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Publish sends message on a pool's settlement channel.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn("Failed to publish settlement event",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// PSubscribe follows settlement channels by pattern. The caller closes the PubSub.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	c.logger.Debug("Subscribing to settlement channels", zap.Strings("patterns", patterns))
	return c.client.PSubscribe(ctx, patterns...)
}

func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// XAdd appends a settlement to stream, trimming it approximately to the
// configured length. It returns the entry id, or "" when the write failed.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) string {
	id, err := c.client.XAdd(ctx, xaddArgs(stream, values, c.streamMaxLen)).Result()
	if err != nil {
		c.logger.Warn("Failed to append settlement to stream",
			zap.String("stream", stream),
			zap.Error(err))
		return ""
	}
	return id
}

func xaddArgs(stream string, values map[string]interface{}, maxLen int64) *redis.XAddArgs {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen, args.Approx = maxLen, true
	}
	return args
}

// XRevRange returns up to count of the newest stream entries, newest first.
func (c *Client) XRevRange(ctx context.Context, stream string, count int64) ([]redis.XMessage, error) {
	if count <= 0 {
		return nil, nil
	}
	return c.client.XRevRangeN(ctx, stream, "+", "-", count).Result()
}
