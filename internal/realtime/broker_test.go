package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowchat/internal/idgen"
	"github.com/mbd888/escrowchat/internal/message"
)

// Runs against REDIS_URL when set, e.g. redis://localhost:6379/0.
func TestRedisBroker_FansOutAcrossSubscribers(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis integration test")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer func() { _ = client.Close() }()

	channel := "escrowchat:test:" + idgen.Hex(4)
	a := NewRedisBroker(client, channel)
	b := NewRedisBroker(client, channel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gotA := make(chan *Event, 1)
	gotB := make(chan *Event, 1)
	go func() { _ = a.Subscribe(ctx, offer(gotA)) }()
	go func() { _ = b.Subscribe(ctx, offer(gotB)) }()

	// Subscriptions confirm asynchronously; publish until both have one.
	sent := &Event{Type: EventMessage, OrderID: "ord_1", Message: &message.Message{ID: "msg_1", OrderID: "ord_1"}}
	var e1, e2 *Event
	deadline := time.After(5 * time.Second)
	for e1 == nil || e2 == nil {
		require.NoError(t, a.Publish(ctx, sent))
		select {
		case e := <-gotA:
			e1 = e
		case e := <-gotB:
			e2 = e
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("events not delivered to both subscribers")
		}
	}
	assert.Equal(t, "msg_1", e1.Message.ID)
	assert.Equal(t, "ord_1", e2.OrderID)
}

func offer(ch chan *Event) func(*Event) {
	return func(e *Event) {
		select {
		case ch <- e:
		default:
		}
	}
}

func TestRedisBroker_DefaultChannel(t *testing.T) {
	b := NewRedisBroker(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "")
	assert.Equal(t, DefaultRedisChannel, b.channel)
}
