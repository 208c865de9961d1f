package controller

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/canopy-network/poold/pkg/events"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	PoolID string `json:"poolId"` // Pool ID to subscribe to, or "*" for all pools
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string      `json:"type"` // "settlement", "subscribed", "unsubscribed", "info", "error"
	Payload interface{} `json:"payload"`
}

// clientSubscriptions tracks what pools a client is subscribed to.
type clientSubscriptions struct {
	mu    sync.RWMutex
	pools map[string]bool
}

func newClientSubscriptions() *clientSubscriptions {
	return &clientSubscriptions{pools: make(map[string]bool)}
}

func (cs *clientSubscriptions) subscribe(poolID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.pools[poolID] = true
}

func (cs *clientSubscriptions) unsubscribe(poolID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.pools, poolID)
}

// isSubscribed checks if a pool is subscribed. Wildcard (*) matches all pools.
func (cs *clientSubscriptions) isSubscribed(poolID string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.pools["*"] || cs.pools[poolID]
}

// HandleWebSocket upgrades the connection and streams settlement events.
//
// Protocol:
// Client sends: {"action": "subscribe", "poolId": "0xpool"}  // one pool
// Client sends: {"action": "subscribe", "poolId": "*"}       // every pool
// Client sends: {"action": "unsubscribe", "poolId": "0xpool"}
//
// Server sends:
// - {"type": "settlement", "payload": {...event...}}
// - {"type": "subscribed", "payload": {"poolId": "0xpool"}}
// - {"type": "unsubscribed", "payload": {"poolId": "0xpool"}}
// - {"type": "error", "payload": {"message": "..."}}
//
// All goroutines recover from panics.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient == nil {
		http.Error(w, "Real-time events not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newClientSubscriptions()
	send := make(chan ServerMessage, 256)

	guarded := func(wg *sync.WaitGroup, name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					c.App.Logger.Error("Panic in websocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
						zap.String("remote_addr", r.RemoteAddr))
					cancel()
				}
			}()
			fn()
		}()
	}

	// producers write to send; the writer drains it
	var producers, writer sync.WaitGroup
	guarded(&producers, "redis", func() { c.subscribeToRedis(ctx, send, subs) })
	guarded(&producers, "ping", func() { c.sendPings(ctx, conn) })
	guarded(&writer, "writer", func() { c.writeMessages(conn, send) })

	// Blocks until the connection closes.
	c.readClientMessages(ctx, conn, cancel, subs, send)

	cancel()
	producers.Wait()
	close(send)
	writer.Wait()

	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// subscribeToRedis forwards settlement events for subscribed pools, reconnecting
// with exponential backoff when the subscription drops.
func (c *Controller) subscribeToRedis(ctx context.Context, send chan<- ServerMessage, subs *clientSubscriptions) {
	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
		backoffFactor  = 2.0
		jitterFactor   = 0.1
	)

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err := c.attemptRedisSubscription(ctx, send, subs, attempt)
		if ctx.Err() != nil {
			return
		}
		c.App.Logger.Warn("Redis subscription ended, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		if !trySend(ctx, send, ServerMessage{
			Type: "error",
			Payload: map[string]interface{}{
				"message":     "Redis connection lost, attempting to reconnect...",
				"retryIn":     backoff.Seconds(),
				"attempt":     attempt,
				"recoverable": true,
			},
		}) {
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = calculateNextBackoff(backoff, maxBackoff, backoffFactor, jitterFactor)
	}
}

func (c *Controller) attemptRedisSubscription(ctx context.Context, send chan<- ServerMessage, subs *clientSubscriptions, attempt int) error {
	pubsub := c.App.RedisClient.PSubscribe(ctx, events.ChannelPattern)
	defer func() {
		if err := pubsub.Close(); err != nil {
			c.App.Logger.Debug("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("failed to confirm Redis subscription: %w", err)
	}

	if !trySend(ctx, send, ServerMessage{
		Type:    "info",
		Payload: map[string]interface{}{"message": "Redis connection established", "attempt": attempt},
	}) {
		return ctx.Err()
	}
	return c.processRedisMessages(ctx, pubsub.Channel(), send, subs)
}

// processRedisMessages forwards messages until the channel closes (nil) or ctx is done.
func (c *Controller) processRedisMessages(ctx context.Context, ch <-chan *redis.Message, send chan<- ServerMessage, subs *clientSubscriptions) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			poolID := extractPoolIDFromChannel(msg.Channel)
			if poolID == "" {
				c.App.Logger.Warn("Unexpected settlement channel", zap.String("channel", msg.Channel))
				continue
			}
			if !subs.isSubscribed(poolID) {
				continue
			}
			var evt events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				c.App.Logger.Error("Failed to parse settlement event", zap.Error(err), zap.String("channel", msg.Channel))
				continue
			}
			if !trySend(ctx, send, ServerMessage{Type: "settlement", Payload: evt}) {
				return ctx.Err()
			}
		}
	}
}

func trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// calculateNextBackoff grows current by factor with +/- jitter, capped at max.
func calculateNextBackoff(current, max time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		next = max
	}

	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	withJitter := time.Duration(float64(next) + jitter)

	if withJitter < current {
		withJitter = current
	}
	if withJitter > max {
		withJitter = max
	}
	return withJitter
}

// extractPoolIDFromChannel parses "poold:<pool>:settlement".
func extractPoolIDFromChannel(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "poold" || parts[2] != "settlement" {
		return ""
	}
	return parts[1]
}

// sendPings keeps the connection alive; pongs reset the read deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			return
		}
	}
}

// readClientMessages handles subscription requests until the connection closes.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *clientSubscriptions, send chan<- ServerMessage) {
	const readTimeout = 60 * time.Second

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		c.App.Logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.App.Logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}

		var reply ServerMessage
		switch {
		case msg.Action != "subscribe" && msg.Action != "unsubscribe":
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		case msg.PoolID == "":
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "poolId is required"}}
		case msg.Action == "subscribe":
			subs.subscribe(msg.PoolID)
			reply = ServerMessage{Type: "subscribed", Payload: map[string]string{"poolId": msg.PoolID}}
		default:
			subs.unsubscribe(msg.PoolID)
			reply = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"poolId": msg.PoolID}}
		}
		if !trySend(ctx, send, reply) {
			return
		}
	}
}
