// Package outbox carries domain events from the engines to their consumers.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Writer enqueues a JSON-encoded event for downstream delivery.
type Writer interface {
	Enqueue(ctx context.Context, topic string, payload any) error
}

// Handler consumes one delivered message.
type Handler func(ctx context.Context, msg Message) error

// Discard drops every event. Engines use it when no writer is wired.
var Discard Writer = discard{}

type discard struct{}

func (discard) Enqueue(context.Context, string, any) error { return nil }

func encode(topic string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal %s payload: %w", topic, err)
	}
	return body, nil
}

// MemoryBus delivers events synchronously to in-process subscribers and keeps
// every message for inspection.
type MemoryBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	messages []Message
	now      func() time.Time
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string][]Handler),
		now:      time.Now,
	}
}

// Subscribe registers h for topic. Handlers run in registration order.
func (b *MemoryBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

func (b *MemoryBus) Enqueue(ctx context.Context, topic string, payload any) error {
	body, err := encode(topic, payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	msg := Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   body,
		Status:    StatusPending,
		CreatedAt: b.now().UTC(),
	}
	idx := len(b.messages)
	b.messages = append(b.messages, msg)
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.Unlock()

	status, lastErr := StatusProcessed, ""
	for _, h := range handlers {
		msg.Attempts++
		if err := h(ctx, msg); err != nil {
			log.Printf("outbox: deliver %s %s: %v", topic, msg.ID, err)
			status, lastErr = StatusDead, err.Error()
		}
	}

	b.mu.Lock()
	b.messages[idx].Status = status
	b.messages[idx].Attempts = msg.Attempts
	b.messages[idx].LastError = lastErr
	b.mu.Unlock()
	return nil
}

// Messages returns a copy of every message enqueued so far, optionally filtered by topic.
func (b *MemoryBus) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, 0, len(b.messages))
	for _, m := range b.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
