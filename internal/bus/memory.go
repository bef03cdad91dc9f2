package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/haasonsaas/coda/internal/events"
)

// MemoryBus is the in-process fallback used when no shared store is
// configured, and in tests of components that only need publish/subscribe.
// It keeps the Bus interface but offers no durability or consumer groups:
// events are dispatched FIFO by a single background goroutine, with the same
// retry and dead-letter behavior as the redis bus. Retries happen in place
// rather than via redelivery.
type MemoryBus struct {
	config  Config
	logger  *slog.Logger
	subs    subscriptions
	retries *retryCounters

	mu       sync.Mutex
	queue    chan *events.Event
	seq      int64
	receipts map[string]time.Time
	dead     []DeadLetter
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	closed   bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(config Config, logger *slog.Logger) *MemoryBus {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		config:   config,
		logger:   logger,
		retries:  newRetryCounters(),
		queue:    make(chan *events.Event, config.EventStreamMaxLen),
		receipts: make(map[string]time.Time),
	}
}

// Publish enqueues the event. When the queue is at capacity the oldest
// waiting behavior is to fail fast rather than block the publisher.
func (b *MemoryBus) Publish(_ context.Context, event *events.Event) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	event.Normalize()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	b.mu.Unlock()

	select {
	case b.queue <- event:
		return nil
	default:
		return fmt.Errorf("publish %s: queue full", event.Type)
	}
}

// Subscribe registers a handler.
func (b *MemoryBus) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) error {
	return b.subs.add(pattern, handler, opts...)
}

// StartConsumer launches the dispatch goroutine.
func (b *MemoryBus) StartConsumer(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("consumer already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true

	go func() {
		defer close(b.done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case event := <-b.queue:
				b.dispatch(loopCtx, event)
			}
		}
	}()
	return nil
}

// StopConsumer stops the dispatch goroutine.
func (b *MemoryBus) StopConsumer() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.started = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Close stops the consumer and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.StopConsumer()
	return nil
}

// DeadLetters returns a copy of the accumulated dead-letter entries.
func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.dead))
	copy(out, b.dead)
	return out
}

// dispatch runs all matching handlers for one event, retrying failures in
// place up to the retry budget.
func (b *MemoryBus) dispatch(ctx context.Context, event *events.Event) {
	b.mu.Lock()
	b.seq++
	messageID := strconv.FormatInt(b.seq, 10)
	b.mu.Unlock()

	for _, sub := range b.subs.matching(event.Type) {
		key := IdempotencyKey(event.ID, sub.handlerName)
		if b.hasReceipt(key) {
			continue
		}
		var lastErr error
		handled := false
		for attempt := 1; attempt <= b.config.MaxRetries; attempt++ {
			if ctx.Err() != nil {
				return
			}
			if lastErr = b.invoke(ctx, sub, event); lastErr == nil {
				b.setReceipt(key)
				handled = true
				break
			}
		}
		if !handled {
			b.recordDeadLetter(ctx, event, sub.handlerName, messageID, lastErr)
		}
	}
}

func (b *MemoryBus) invoke(ctx context.Context, sub *subscription, event *events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

func (b *MemoryBus) hasReceipt(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry, ok := b.receipts[key]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(b.receipts, key)
		return false
	}
	return true
}

func (b *MemoryBus) setReceipt(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[key] = time.Now().Add(b.config.IdempotencyTTL)
}

func (b *MemoryBus) recordDeadLetter(ctx context.Context, event *events.Event, handlerName, messageID string, cause error) {
	data, _ := event.Encode()
	b.mu.Lock()
	b.dead = append(b.dead, DeadLetter{
		Data:              string(data),
		Error:             cause.Error(),
		Handler:           handlerName,
		OriginalMessageID: messageID,
	})
	b.mu.Unlock()

	b.logger.Error("event dead-lettered",
		"event_id", event.ID,
		"event_type", event.Type,
		"handler", handlerName,
		"error", cause,
	)

	// A dead-letter notice that itself dead-letters must not announce again.
	if event.Type == events.TypeDeadLetter {
		return
	}
	notice := events.New(events.TypeDeadLetter, "bus", events.SeverityHigh, map[string]any{
		"original_event_id":   event.ID,
		"original_event_type": event.Type,
		"handler":             handlerName,
		"error":               cause.Error(),
	})
	if err := b.Publish(ctx, notice); err != nil {
		b.logger.Error("dead-letter notice publish failed", "error", err)
	}
}
