package events

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	// Stream is the capped Redis stream holding recent settlement events.
	Stream = "poold:settlements"
	// ChannelPattern matches the per-pool Pub/Sub channels.
	ChannelPattern = "poold:*:settlement"
)

// Channel returns the Pub/Sub channel for a pool.
func Channel(poolID string) string {
	return fmt.Sprintf("poold:%s:settlement", poolID)
}

// RedisPublisher is the subset of the Redis client the sink needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{})
	XAdd(ctx context.Context, stream string, values map[string]interface{}) string
}

// RedisSink publishes events on the pool channel and appends them to the stream.
type RedisSink struct {
	client RedisPublisher
}

func NewRedisSink(client RedisPublisher) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.ID, err)
	}
	s.client.Publish(ctx, Channel(evt.PoolID), payload)
	s.client.XAdd(ctx, Stream, map[string]interface{}{
		"type":    string(evt.Type),
		"pool_id": evt.PoolID,
		"payload": string(payload),
	})
	return nil
}
