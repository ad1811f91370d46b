package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowchat/internal/dispute"
	"github.com/mbd888/escrowchat/internal/message"
)

// EventType for real-time events
type EventType string

const (
	EventMessage EventType = "message.created"
	EventDispute EventType = "dispute.updated"
)

// Event is one change on an order channel. Dispute is the order's dispute
// as of publication and decides mod-only visibility on every instance.
type Event struct {
	Type      EventType        `json:"type"`
	OrderID   string           `json:"orderId"`
	Timestamp time.Time        `json:"timestamp"`
	Message   *message.Message `json:"message,omitempty"`
	Dispute   *dispute.Dispute `json:"dispute,omitempty"`
}

// Broker carries events between server instances.
type Broker interface {
	Publish(ctx context.Context, e *Event) error
	// Subscribe delivers events to handler until ctx is done or the
	// subscription breaks.
	Subscribe(ctx context.Context, handler func(*Event)) error
}

// LocalBroker delivers events within one process.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers map[int]func(*Event)
	nextID   int
}

// NewLocalBroker creates an in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[int]func(*Event))}
}

func (b *LocalBroker) Publish(_ context.Context, e *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(e)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, handler func(*Event)) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

// DefaultRedisChannel is the pub/sub channel shared by all instances.
const DefaultRedisChannel = "escrowchat:events"

// ErrSubscriptionClosed is returned when Redis drops the subscription.
var ErrSubscriptionClosed = errors.New("realtime: redis subscription closed")

// RedisBroker fans events out to every instance through Redis pub/sub.
// Delivery is at-least-once per connected instance and best effort
// otherwise; clients recover gaps with their next REST fetch.
type RedisBroker struct {
	client  *redis.Client
	channel string
}

// NewRedisBroker creates a broker on the given client and channel.
func NewRedisBroker(client *redis.Client, channel string) *RedisBroker {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBroker{client: client, channel: channel}
}

func (b *RedisBroker) Publish(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, handler func(*Event)) error {
	ps := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = ps.Close() }()

	// Wait for the subscription to be confirmed so early publishes are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				continue
			}
			handler(&e)
		}
	}
}

var (
	_ Broker = (*LocalBroker)(nil)
	_ Broker = (*RedisBroker)(nil)
)
