package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/poold/pkg/events"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateNextBackoff(t *testing.T) {
	tests := []struct {
		name         string
		current      time.Duration
		max          time.Duration
		jitterFactor float64
		expectMin    time.Duration
		expectMax    time.Duration
	}{
		{"initial backoff doubles", time.Second, 30 * time.Second, 0.1, 1800 * time.Millisecond, 2200 * time.Millisecond},
		{"respects maximum", 20 * time.Second, 30 * time.Second, 0.1, 27 * time.Second, 30 * time.Second},
		{"no jitter produces exact value", 5 * time.Second, 30 * time.Second, 0, 10 * time.Second, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				got := calculateNextBackoff(tt.current, tt.max, 2.0, tt.jitterFactor)
				assert.GreaterOrEqual(t, got, tt.expectMin)
				assert.LessOrEqual(t, got, tt.expectMax)
			}
		})
	}
}

func TestExtractPoolIDFromChannel(t *testing.T) {
	tests := []struct{ channel, want string }{
		{events.Channel("0xpool"), "0xpool"},
		{"poold:settlement", ""},
		{"poold:0xpool:extra:settlement", ""},
		{"canopy:0xpool:block.indexed", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractPoolIDFromChannel(tt.channel), tt.channel)
	}
}

func TestClientSubscriptions(t *testing.T) {
	subs := newClientSubscriptions()
	subs.subscribe("0xpool")
	assert.True(t, subs.isSubscribed("0xpool"))
	assert.False(t, subs.isSubscribed("0xother"))

	subs.unsubscribe("0xpool")
	assert.False(t, subs.isSubscribed("0xpool"))

	subs.subscribe("*")
	assert.True(t, subs.isSubscribed("0xanything"))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				switch i {
				case 0:
					subs.subscribe("0xpool")
				case 1:
					subs.unsubscribe("0xpool")
				default:
					_ = subs.isSubscribed("0xpool")
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestProcessRedisMessagesFiltersBySubscription(t *testing.T) {
	s := newTestServer(t, false)
	c := NewController(s.app)

	subs := newClientSubscriptions()
	subs.subscribe("0xpool")

	ch := make(chan *redis.Message, 3)
	ch <- &redis.Message{Channel: events.Channel("0xother"), Payload: `{"id":"1","pool_id":"0xother"}`}
	ch <- &redis.Message{Channel: events.Channel("0xpool"), Payload: `not json`}
	ch <- &redis.Message{Channel: events.Channel("0xpool"), Payload: `{"id":"2","type":"swap.settled","pool_id":"0xpool"}`}
	close(ch)

	send := make(chan ServerMessage, 3)
	err := c.processRedisMessages(context.Background(), ch, send, subs)
	require.NoError(t, err)
	close(send)

	var got []ServerMessage
	for msg := range send {
		got = append(got, msg)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "settlement", got[0].Type)
	evt := got[0].Payload.(events.Event)
	assert.Equal(t, "2", evt.ID)
	assert.Equal(t, events.SwapSettled, evt.Type)
}
