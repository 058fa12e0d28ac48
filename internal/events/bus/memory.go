package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/logger"
)

// MemoryEventBus is the default single-process bus. Handlers run on their
// own goroutine per delivery, so a slow subscriber cannot stall a publish.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memSub
	rr     map[string]int // queue key -> next round-robin offset
	closed bool
	logger *logger.Logger
}

// memSub is one registration. pattern is nil for exact-match subjects.
type memSub struct {
	bus     *MemoryEventBus
	subject string
	queue   string
	pattern *regexp.Regexp
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		rr:     make(map[string]int),
		logger: log,
	}
}

// Publish delivers the event to every matching plain subscriber and to one
// member of each matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	var direct []*memSub
	groups := make(map[string][]*memSub)
	for _, sub := range b.subs {
		if !sub.isActive() || !sub.matches(subject) {
			continue
		}
		if sub.queue == "" {
			direct = append(direct, sub)
		} else {
			key := sub.queue + "|" + sub.subject
			groups[key] = append(groups[key], sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range direct {
		go b.deliver(ctx, sub, subject, event)
	}
	for key, members := range groups {
		b.mu.Lock()
		idx := b.rr[key] % len(members)
		b.rr[key] = idx + 1
		b.mu.Unlock()
		go b.deliver(ctx, members[idx], subject, event)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memSub, subject string, event *Event) {
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("Event handler error",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.add(subject, "", handler)
}

// QueueSubscribe registers a handler in a queue group. Members of the same
// group on the same subject share deliveries round-robin.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.add(subject, queue, handler)
}

func (b *MemoryEventBus) add(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memSub{
		bus:     b,
		subject: subject,
		queue:   queue,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subs = append(b.subs, sub)
	b.logger.Debug("Subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

// Close deactivates every subscription. Publishes after Close fail.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.deactivate()
	}
	b.subs = nil
	b.rr = make(map[string]int)
	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus still accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memSub) matches(subject string) bool {
	if s.pattern == nil {
		return subject == s.subject
	}
	return s.pattern.MatchString(subject)
}

func (s *memSub) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memSub) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Unsubscribe removes the registration from the bus.
func (s *memSub) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memSub) IsValid() bool {
	return s.isActive()
}

// compilePattern turns a NATS-style pattern into a regexp. Exact subjects
// return nil so the hot path stays a string compare.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
