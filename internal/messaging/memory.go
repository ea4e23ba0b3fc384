package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process channel implementing Producer and Consumer
// with the same at-least-once, per-key-ordered contract as the Kafka
// implementation. Used in tests and single-process deployments.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[Topic]map[string]*memorySub
	offset map[Topic]int64
	closed bool
}

type memorySub struct {
	ch   chan *Delivery
	done chan struct{}
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:   make(map[Topic]map[string]*memorySub),
		offset: make(map[Topic]int64),
	}
}

// Publish delivers a deep copy of the envelope to every consumer group
// subscribed to the topic. Publishing to a topic with no subscribers is not
// an error; the message is dropped the way an unconsumed Kafka topic retains
// silently.
func (m *MemoryBroker) Publish(ctx context.Context, topic Topic, key string, env *EventEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("broker closed")
	}
	offset := m.offset[topic]
	m.offset[topic] = offset + 1
	groups := make([]*memorySub, 0, len(m.subs[topic]))
	for _, sub := range m.subs[topic] {
		groups = append(groups, sub)
	}
	m.mu.Unlock()

	for _, sub := range groups {
		var copied EventEnvelope
		if err := json.Unmarshal(raw, &copied); err != nil {
			return err
		}
		d := &Delivery{Envelope: &copied, Topic: topic, Key: key, Offset: offset}
		select {
		case sub.ch <- d:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe attaches a handler as the single in-process member of the group.
// Deliveries for one topic are handled sequentially, which preserves the
// per-key ordering guarantee.
func (m *MemoryBroker) Subscribe(ctx context.Context, topic Topic, group string, handler Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("broker closed")
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[string]*memorySub)
	}
	if _, exists := m.subs[topic][group]; exists {
		m.mu.Unlock()
		return fmt.Errorf("group %s already subscribed to %s", group, topic)
	}
	sub := &memorySub{ch: make(chan *Delivery, 1024), done: make(chan struct{})}
	m.subs[topic][group] = sub
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case d := <-sub.ch:
				// Errors are already routed by the bus boundary.
				_ = handler(ctx, d)
			}
		}
	}()
	return nil
}

// Close stops all subscriptions.
func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, groups := range m.subs {
		for _, sub := range groups {
			close(sub.done)
		}
	}
	return nil
}
