package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/coda/internal/events"
	"github.com/haasonsaas/coda/internal/observability"
)

const (
	pendingBatchSize = 100
	liveBatchSize    = 10
	errorBackoff     = time.Second
)

// RedisBus is the durable bus over redis streams. Events are appended with
// XADD under an approximate MAXLEN bound; a consumer group tracks pending
// messages per consumer so unacknowledged work survives restarts.
type RedisBus struct {
	client  redis.UniversalClient
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics

	subs    subscriptions
	retries *retryCounters

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewRedisBus creates a bus over the given redis client. The metrics
// argument may be nil.
func NewRedisBus(client redis.UniversalClient, config Config, logger *slog.Logger, metrics *observability.Metrics) *RedisBus {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:  client,
		config:  config,
		logger:  logger,
		metrics: metrics,
		retries: newRetryCounters(),
	}
}

// Publish appends the event as a single data field, assigning an id and
// timestamp if missing. The stream is trimmed approximately to the
// configured bound.
func (b *RedisBus) Publish(ctx context.Context, event *events.Event) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	event.Normalize()
	data, err := event.Encode()
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.config.StreamKey,
		MaxLen: b.config.EventStreamMaxLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	}
	return nil
}

// Subscribe registers a handler. Must be called before StartConsumer so
// handler names stay stable across restarts.
func (b *RedisBus) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) error {
	return b.subs.add(pattern, handler, opts...)
}

// StartConsumer ensures the consumer group exists and launches the consume
// loop: first the pending backlog, then live reads.
func (b *RedisBus) StartConsumer(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("consumer already started")
	}
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true

	go func() {
		defer close(b.done)
		if err := b.drainPending(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("pending phase failed", "error", err)
		}
		b.consumeLive(loopCtx)
	}()
	return nil
}

// StopConsumer cancels the consume loop and waits for it to exit.
func (b *RedisBus) StopConsumer() {
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

// Close stops the consumer. The redis client is owned by the caller.
func (b *RedisBus) Close() error {
	b.StopConsumer()
	return nil
}

// ensureGroup creates the consumer group at the stream head, tolerating a
// group that already exists.
func (b *RedisBus) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.config.StreamKey, b.config.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// drainPending processes this consumer's pending list from position 0 in
// batches until it is empty. Messages whose handlers already committed an
// idempotency receipt are skipped by processEntry.
func (b *RedisBus) drainPending(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.config.ConsumerGroup,
			Consumer: b.config.Consumer,
			Streams:  []string{b.config.StreamKey, "0"},
			Count:    pendingBatchSize,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("read pending: %w", err)
		}
		empty := true
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				empty = false
				b.handleEntry(ctx, msg)
			}
		}
		if empty {
			return nil
		}
	}
}

// consumeLive block-reads new messages until the context is cancelled.
func (b *RedisBus) consumeLive(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.config.ConsumerGroup,
			Consumer: b.config.Consumer,
			Streams:  []string{b.config.StreamKey, ">"},
			Count:    liveBatchSize,
			Block:    b.config.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("live read failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}
		delivered := false
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				delivered = true
				b.handleEntry(ctx, msg)
			}
		}
		if !delivered {
			// Spurious wakeup with no messages: yield briefly.
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

// handleEntry processes a message and acknowledges it when every matching
// handler either succeeded or was dead-lettered.
func (b *RedisBus) handleEntry(ctx context.Context, msg redis.XMessage) {
	if b.processEntry(ctx, msg.ID, msg.Values) {
		if err := b.client.XAck(ctx, b.config.StreamKey, b.config.ConsumerGroup, msg.ID).Err(); err != nil {
			b.logger.Warn("ack failed", "message_id", msg.ID, "error", err)
		}
	}
}

// processEntry runs the per-message pipeline and reports whether the message
// should be acknowledged. A false return leaves it pending for redelivery.
func (b *RedisBus) processEntry(ctx context.Context, messageID string, values map[string]any) bool {
	data, ok := values["data"].(string)
	if !ok || data == "" {
		b.logger.Warn("dropping message without data field", "message_id", messageID)
		return true
	}
	event, err := events.Decode([]byte(data))
	if err != nil {
		b.logger.Warn("dropping malformed event", "message_id", messageID, "error", err)
		return true
	}

	matching := b.subs.matching(event.Type)
	if len(matching) == 0 {
		return true
	}

	// One batched lookup for all handler receipts.
	keys := make([]string, len(matching))
	for i, sub := range matching {
		keys[i] = IdempotencyKey(event.ID, sub.handlerName)
	}
	receipts, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		b.logger.Error("idempotency lookup failed", "message_id", messageID, "error", err)
		return false
	}

	ack := true
	var commits []string
	for i, sub := range matching {
		if receipts[i] != nil {
			continue
		}
		if err := b.invoke(ctx, sub, event); err == nil {
			commits = append(commits, keys[i])
			b.retries.clear(messageID, sub.handlerName)
			continue
		} else {
			attempts := b.retries.increment(messageID, sub.handlerName)
			if b.metrics != nil {
				b.metrics.HandlerRetries.WithLabelValues(sub.handlerName).Inc()
			}
			if attempts >= b.config.MaxRetries {
				b.deadLetter(ctx, event, sub.handlerName, messageID, data, err)
				b.retries.clear(messageID, sub.handlerName)
				continue
			}
			b.logger.Warn("handler failed, will retry on redelivery",
				"handler", sub.handlerName,
				"event_id", event.ID,
				"attempt", attempts,
				"error", err,
			)
			ack = false
		}
	}

	// Flush queued receipts in one round trip.
	if len(commits) > 0 {
		pipe := b.client.Pipeline()
		for _, key := range commits {
			pipe.Set(ctx, key, "1", b.config.IdempotencyTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			b.logger.Error("idempotency commit failed", "message_id", messageID, "error", err)
		}
	}
	return ack
}

// invoke runs one handler, converting panics into errors so a crashing
// handler consumes its retry budget instead of killing the consumer.
func (b *RedisBus) invoke(ctx context.Context, sub *subscription, event *events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// deadLetter appends the event to the dead-letter stream and announces it.
func (b *RedisBus) deadLetter(ctx context.Context, event *events.Event, handlerName, messageID, data string, cause error) {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.config.DeadLetterKey,
		Values: map[string]any{
			"data":                data,
			"error":               cause.Error(),
			"handler":             handlerName,
			"original_message_id": messageID,
		},
	}).Err()
	if err != nil {
		b.logger.Error("dead-letter append failed", "event_id", event.ID, "error", err)
	}
	if b.metrics != nil {
		b.metrics.DeadLetters.WithLabelValues(handlerName).Inc()
	}
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
