// Package backbone relays document updates between server processes over
// Redis pub/sub. A single process converges on its own; with several
// processes each holding an independent replica of the same document, the
// backbone carries every applied update to the others. Pub/sub gives no
// ordering or delivery guarantee across subscribers, which the CRDT layer
// tolerates: updates commute and duplicates are no-ops.
package backbone

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"loom/collab/internal/crdt"
)

const channelPrefix = "loom:doc:"

// Handler receives updates published by other processes.
type Handler func(documentID string, ops []crdt.Op)

// envelope is the pub/sub payload. Origin lets a process skip its own
// publications, which Redis echoes back to every subscriber.
type envelope struct {
	Origin string `cbor:"o"`
	Ops    []byte `cbor:"u"`
}

// Backbone is one process's attachment to the shared Redis bus.
type Backbone struct {
	client  *redis.Client
	origin  string
	handler Handler

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// New connects to Redis and verifies the connection.
func New(redisURL string, handler Handler) (*Backbone, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, handler), nil
}

// NewWithClient builds a backbone on an existing Redis client.
func NewWithClient(client *redis.Client, handler Handler) *Backbone {
	return &Backbone{
		client:  client,
		origin:  uuid.NewString(),
		handler: handler,
		subs:    make(map[string]*redis.PubSub),
	}
}

// Origin returns this process's bus identity.
func (b *Backbone) Origin() string { return b.origin }

func channelFor(documentID string) string { return channelPrefix + documentID }

// Publish sends locally-applied ops to every other process holding the
// document.
func (b *Backbone) Publish(ctx context.Context, documentID string, ops []crdt.Op) error {
	encoded, err := cbor.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode ops: %w", err)
	}
	payload, err := cbor.Marshal(envelope{Origin: b.origin, Ops: encoded})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(documentID), payload).Err(); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

// Subscribe starts relaying foreign updates for a document to the handler.
// Subscribing twice is a no-op.
func (b *Backbone) Subscribe(documentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[documentID]; ok {
		return
	}
	pubsub := b.client.Subscribe(context.Background(), channelFor(documentID))
	b.subs[documentID] = pubsub
	go b.receive(documentID, pubsub)
}

func (b *Backbone) receive(documentID string, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var env envelope
		if err := cbor.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Printf("backbone: dropping malformed payload for %q: %v", documentID, err)
			continue
		}
		if env.Origin == b.origin {
			continue
		}
		var ops []crdt.Op
		if err := cbor.Unmarshal(env.Ops, &ops); err != nil {
			log.Printf("backbone: dropping malformed ops for %q: %v", documentID, err)
			continue
		}
		b.handler(documentID, ops)
	}
}

// Unsubscribe stops relaying updates for a document, typically when the local
// replica is evicted.
func (b *Backbone) Unsubscribe(documentID string) {
	b.mu.Lock()
	pubsub, ok := b.subs[documentID]
	if ok {
		delete(b.subs, documentID)
	}
	b.mu.Unlock()
	if ok {
		if err := pubsub.Close(); err != nil {
			log.Printf("backbone: close subscription for %q: %v", documentID, err)
		}
	}
}

// Close tears down every subscription and the Redis connection.
func (b *Backbone) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redis.PubSub)
	b.mu.Unlock()
	for documentID, pubsub := range subs {
		if err := pubsub.Close(); err != nil {
			log.Printf("backbone: close subscription for %q: %v", documentID, err)
		}
	}
	return b.client.Close()
}

// Ping reports whether the bus is reachable.
func (b *Backbone) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
