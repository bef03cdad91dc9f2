// Package bus provides publish/subscribe over a durable, ordered stream log
// with at-least-once delivery, per-handler idempotency, bounded retries, and
// a dead-letter sink.
//
// The primary implementation runs over redis streams with consumer groups.
// When no shared store is configured, MemoryBus offers the same interface as
// an in-process FIFO, minus durability.
package bus

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/coda/internal/events"
)

// Handler processes one event. Handlers must be idempotent: a handler whose
// idempotency commit did not observably complete may run again for the same
// event.
type Handler func(ctx context.Context, event *events.Event) error

// Bus is the publish/subscribe surface shared by the redis and in-memory
// implementations.
type Bus interface {
	// Publish appends the event to the stream, assigning an id if absent.
	Publish(ctx context.Context, event *events.Event) error
	// Subscribe registers a handler for event types matching pattern.
	Subscribe(pattern string, handler Handler, opts ...SubscribeOption) error
	// StartConsumer begins the background consume loop.
	StartConsumer(ctx context.Context) error
	// StopConsumer stops the consume loop and waits for it to exit.
	StopConsumer()
	// Close releases resources. StopConsumer is implied.
	Close() error
}

// Config configures the bus.
type Config struct {
	// StreamKey is the main event stream.
	StreamKey string `yaml:"stream_key"`
	// DeadLetterKey is the dead-letter stream.
	DeadLetterKey string `yaml:"dead_letter_key"`
	// EventStreamMaxLen caps the stream length (approximate trim).
	EventStreamMaxLen int64 `yaml:"event_stream_max_len"`
	// ConsumerGroup names the consumer group shared by all processes.
	ConsumerGroup string `yaml:"consumer_group"`
	// Consumer names this process inside the group.
	Consumer string `yaml:"consumer"`
	// BlockTimeout is how long a live read blocks waiting for messages.
	BlockTimeout time.Duration `yaml:"block_timeout"`
	// MaxRetries is the per-(message, handler) retry budget before the
	// event is dead-lettered.
	MaxRetries int `yaml:"max_retries"`
	// IdempotencyTTL is how long handler receipts are retained.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		StreamKey:         "coda:events",
		DeadLetterKey:     "coda:events:dead",
		EventStreamMaxLen: 10000,
		ConsumerGroup:     "coda",
		Consumer:          "coda-1",
		BlockTimeout:      5 * time.Second,
		MaxRetries:        3,
		IdempotencyTTL:    24 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.StreamKey == "" {
		c.StreamKey = d.StreamKey
	}
	if c.DeadLetterKey == "" {
		c.DeadLetterKey = d.DeadLetterKey
	}
	if c.EventStreamMaxLen <= 0 {
		c.EventStreamMaxLen = d.EventStreamMaxLen
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = d.ConsumerGroup
	}
	if c.Consumer == "" {
		c.Consumer = d.Consumer
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = d.BlockTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	separator string
}

// WithSeparator restricts the `*` wildcard to match any run of characters
// excluding the separator. By default `*` matches any characters, so
// "alert.*" covers "alert.email.urgent".
func WithSeparator(sep string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.separator = sep
	}
}

// subscription is one registered (pattern, handler) pair. The handler name
// is stable across restarts as long as registration order is stable; it
// suffixes the idempotency key.
type subscription struct {
	pattern     string
	handlerName string
	handler     Handler
	re          *regexp.Regexp
}

// compilePattern turns a dotted wildcard pattern into an anchored regexp.
// All metacharacters in literal portions are escaped before the `*` token is
// expanded, so patterns are never raw regex.
func compilePattern(pattern, separator string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	wildcard := ".*"
	if separator != "" {
		wildcard = "[^" + regexp.QuoteMeta(separator) + "]*"
	}
	quoted := regexp.QuoteMeta(pattern)
	expanded := strings.ReplaceAll(quoted, regexp.QuoteMeta("*"), wildcard)
	return regexp.Compile("^" + expanded + "$")
}

// subscriptions is the registration table shared by bus implementations.
type subscriptions struct {
	mu   sync.RWMutex
	subs []*subscription
}

func (s *subscriptions) add(pattern string, handler Handler, opts ...SubscribeOption) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	var options subscribeOptions
	for _, opt := range opts {
		opt(&options)
	}
	re, err := compilePattern(pattern, options.separator)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", pattern, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, &subscription{
		pattern:     pattern,
		handlerName: pattern + ":" + strconv.Itoa(len(s.subs)),
		handler:     handler,
		re:          re,
	})
	return nil
}

// matching returns the subscriptions whose pattern matches the event type,
// in registration order.
func (s *subscriptions) matching(eventType string) []*subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription
	for _, sub := range s.subs {
		if sub.re.MatchString(eventType) {
			out = append(out, sub)
		}
	}
	return out
}

// IdempotencyKey builds the handler receipt key for an event.
func IdempotencyKey(eventID, handlerName string) string {
	return "idem:" + eventID + ":" + handlerName
}

// DeadLetter is one entry in the dead-letter sink.
type DeadLetter struct {
	Data              string `json:"data"`
	Error             string `json:"error"`
	Handler           string `json:"handler"`
	OriginalMessageID string `json:"original_message_id"`
}

// retryCounters tracks per-(message, handler) failure counts between
// redeliveries. Counters live in process memory; a restart resets them,
// which only extends the retry budget and never loses events.
type retryCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRetryCounters() *retryCounters {
	return &retryCounters{counts: make(map[string]int)}
}

func (r *retryCounters) increment(messageID, handlerName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := messageID + "|" + handlerName
	r.counts[key]++
	return r.counts[key]
}

func (r *retryCounters) clear(messageID, handlerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, messageID+"|"+handlerName)
}
