// Package bus is the single fan-out point between producers and everything
// that observes them: local WebSocket subscribers and in-process consumers
// such as the trader.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Publisher is the producer-facing side of the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Consumer is an in-process callback registered at construction. Consumers
// run synchronously, in registration order, before a message reaches any
// subscriber socket and before the next message is dispatched.
type Consumer interface {
	OnMessage(ctx context.Context, msg Message)
}

// Subscriber is one attached socket. Send failures mark it dead; it is
// detached after the current dispatch completes.
type Subscriber interface {
	Send(data []byte) error
}

// Bus owns the bounded FIFO queue and the relay loop.
type Bus struct {
	queue     chan Message
	consumers []Consumer

	mu   sync.Mutex
	subs map[Subscriber]bool
}

func New(depth int, consumers ...Consumer) *Bus {
	return &Bus{
		queue:     make(chan Message, depth),
		consumers: consumers,
		subs:      make(map[Subscriber]bool),
	}
}

// Publish enqueues a message. It blocks only against queue capacity and
// cancellation, never against a subscriber.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	select {
	case b.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach adds a subscriber socket to the live set.
func (b *Bus) Attach(s Subscriber) {
	b.mu.Lock()
	b.subs[s] = true
	n := len(b.subs)
	b.mu.Unlock()
	slog.Info("subscriber attached", "count", n)
}

// Detach removes a subscriber (normal close path; the relay also removes
// dead ones itself).
func (b *Bus) Detach(s Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	n := len(b.subs)
	b.mu.Unlock()
	slog.Info("subscriber detached", "count", n)
}

// Run relays queued messages until the context is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.queue:
			b.dispatch(ctx, msg)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, msg Message) {
	for _, c := range b.consumers {
		c.OnMessage(ctx, msg)
	}

	data, err := msg.WireFrame()
	if err != nil {
		slog.Error("marshaling broadcast frame", "err", err)
		return
	}

	b.mu.Lock()
	targets := make([]Subscriber, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	// Send to every live socket first; drop the dead ones in a second
	// pass so the set is never mutated mid-iteration.
	var dead []Subscriber
	for _, s := range targets {
		if err := s.Send(data); err != nil {
			dead = append(dead, s)
		}
	}
	if len(dead) > 0 {
		b.mu.Lock()
		for _, s := range dead {
			delete(b.subs, s)
		}
		n := len(b.subs)
		b.mu.Unlock()
		slog.Info("dropped dead subscribers", "dropped", len(dead), "remaining", n)
	}
}

// SubscriberCount reports the live subscriber set size.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
