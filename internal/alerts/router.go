package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/coda/internal/bus"
	"github.com/haasonsaas/coda/internal/events"
	"github.com/haasonsaas/coda/internal/observability"
	"github.com/haasonsaas/coda/internal/store"
	"github.com/haasonsaas/coda/internal/workerpool"
)

// Sink delivers plain-text alerts to one channel (slack, discord, ...).
type Sink interface {
	Name() string
	Send(ctx context.Context, message string) error
}

// RichSink is implemented by sinks that can render the rich representation.
// The router falls back to Send for sinks that cannot.
type RichSink interface {
	Sink
	SendRich(ctx context.Context, alert *Formatted) error
}

// Cooldowns is the shared-store gate that deduplicates alert repeats.
// Acquire reports true when the key was absent and is now held for ttl.
type Cooldowns interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisCooldowns implements Cooldowns on a shared redis store.
type RedisCooldowns struct {
	Client redis.UniversalClient
}

func (c *RedisCooldowns) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, key, "1", ttl).Result()
}

// MemoryCooldowns implements Cooldowns in process memory for deployments
// without redis.
type MemoryCooldowns struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{expires: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryCooldowns) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if until, ok := c.expires[key]; ok && now.Before(until) {
		return false, nil
	}
	c.expires[key] = now.Add(ttl)
	return true, nil
}

// Router subscribes to alert.* and drives each event through the severity,
// quiet-hours, and cooldown gates before fanning out to sinks.
type Router struct {
	configMu   sync.RWMutex
	config     Config
	formatters map[string]Formatter
	sinks      map[string]Sink
	cooldowns  Cooldowns
	history    store.AlertHistoryStore
	pool       *workerpool.Pool
	prefs      store.UserPreferencesStore
	logger     *slog.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// Option configures the router.
type Option func(*Router)

// WithCooldowns sets the cooldown store. Defaults to in-process memory.
func WithCooldowns(c Cooldowns) Option {
	return func(r *Router) {
		if c != nil {
			r.cooldowns = c
		}
	}
}

// WithHistory sets the persisted alert history.
func WithHistory(h store.AlertHistoryStore) Option {
	return func(r *Router) { r.history = h }
}

// WithWorkerPool makes history writes asynchronous on the given pool.
func WithWorkerPool(p *workerpool.Pool) Option {
	return func(r *Router) { r.pool = p }
}

// WithPreferences sets the per-user preferences collaborator.
func WithPreferences(p store.UserPreferencesStore) Option {
	return func(r *Router) { r.prefs = p }
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithFormatter overrides the formatter for one event type.
func WithFormatter(eventType string, f Formatter) Option {
	return func(r *Router) {
		if f != nil {
			r.formatters[eventType] = f
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouter creates an alert router.
func NewRouter(config Config, opts ...Option) *Router {
	r := &Router{
		config:     config,
		formatters: builtinFormatters(),
		sinks:      make(map[string]Sink),
		cooldowns:  NewMemoryCooldowns(),
		logger:     slog.Default().With("component", "alerts"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterSink installs a delivery sink under its name.
func (r *Router) RegisterSink(sink Sink) {
	r.sinks[sink.Name()] = sink
}

// UpdateConfig swaps the rule set and quiet-hours policy. In-flight events
// finish under the configuration they started with.
func (r *Router) UpdateConfig(config Config) {
	r.configMu.Lock()
	r.config = config
	r.configMu.Unlock()
	r.logger.Info("alert rules reloaded", "rules", len(config.Rules))
}

func (r *Router) currentConfig() Config {
	r.configMu.RLock()
	defer r.configMu.RUnlock()
	return r.config
}

// Attach subscribes the router to alert.* on the bus.
func (r *Router) Attach(b bus.Bus) error {
	return b.Subscribe("alert.*", r.Handle)
}

// Handle routes one event. Suppression and sink failures are terminal for
// the event (never retried), so Handle only returns an error for events it
// could not decode at all.
func (r *Router) Handle(ctx context.Context, event *events.Event) error {
	config := r.currentConfig()
	rule, ok := config.Rules[event.Type]
	if !ok {
		r.logger.Debug("no alert rule", "event_type", event.Type)
		r.count(event.Type, "no_rule")
		return nil
	}

	if !event.Severity.AtLeast(rule.Severity) {
		r.suppress(ctx, event, rule, "severity")
		return nil
	}

	if reason := r.quietHoursVerdict(ctx, event, rule, config.QuietHours); reason != "" {
		r.suppress(ctx, event, rule, reason)
		return nil
	}

	if rule.Cooldown > 0 {
		acquired, err := r.cooldowns.Acquire(ctx, CooldownKey(event.Type, event.SourceSkill), rule.Cooldown)
		if err != nil {
			r.logger.Error("cooldown check failed", "event_type", event.Type, "error", err)
		} else if !acquired {
			r.suppress(ctx, event, rule, "cooldown")
			return nil
		}
	}

	formatted := r.format(event)
	delivered := 0
	for _, channel := range rule.Channels {
		sink, ok := r.sinks[channel]
		if !ok {
			r.logger.Warn("no sink registered", "channel", channel, "event_type", event.Type)
			continue
		}
		if err := r.deliver(ctx, sink, formatted); err != nil {
			r.logger.Error("alert delivery failed", "channel", channel, "event_type", event.Type, "error", err)
			continue
		}
		delivered++
	}

	r.count(event.Type, "delivered")
	r.record(ctx, event, rule, formatted, delivered > 0, "")
	return nil
}

// quietHoursVerdict returns a suppression reason, or "" when delivery is
// permitted. The global policy and the user's own preferences must both
// permit delivery.
func (r *Router) quietHoursVerdict(ctx context.Context, event *events.Event, rule Rule, quiet QuietHoursConfig) string {
	override := quiet.overrides(event.Severity)
	now := r.now()

	prefs := r.lookupPrefs(ctx, event)
	if prefs != nil && prefs.DNDEnabled && !override {
		return "dnd"
	}

	if !rule.QuietHours || override {
		return ""
	}

	if quiet.Enabled {
		within, err := quiet.within(now)
		if err != nil {
			r.logger.Error("quiet hours misconfigured", "error", err)
		} else if within {
			return "quiet_hours"
		}
	}

	if prefs != nil && prefs.QuietHoursStart != "" && prefs.QuietHoursEnd != "" {
		within, err := withinWindow(now, prefs.QuietHoursStart, prefs.QuietHoursEnd, prefs.Timezone)
		if err != nil {
			r.logger.Error("user quiet hours misconfigured", "user_id", prefs.UserID, "error", err)
		} else if within {
			return "quiet_hours"
		}
	}
	return ""
}

func (r *Router) lookupPrefs(ctx context.Context, event *events.Event) *store.UserPreferences {
	if r.prefs == nil {
		return nil
	}
	userID, _ := event.Payload["user_id"].(string)
	if userID == "" {
		return nil
	}
	prefs, err := r.prefs.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Error("preferences lookup failed", "user_id", userID, "error", err)
		}
		return nil
	}
	return prefs
}

func (r *Router) format(event *events.Event) *Formatted {
	if f, ok := r.formatters[event.Type]; ok {
		return f(event)
	}
	return DefaultFormatter(event)
}

func (r *Router) deliver(ctx context.Context, sink Sink, formatted *Formatted) error {
	if rich, ok := sink.(RichSink); ok {
		return rich.SendRich(ctx, formatted)
	}
	return sink.Send(ctx, formatted.Plain)
}

func (r *Router) suppress(ctx context.Context, event *events.Event, rule Rule, reason string) {
	r.logger.Debug("alert suppressed", "event_type", event.Type, "reason", reason)
	r.count(event.Type, "suppressed")
	r.record(ctx, event, rule, nil, false, reason)
}

func (r *Router) record(ctx context.Context, event *events.Event, rule Rule, formatted *Formatted, delivered bool, reason string) {
	if r.history == nil {
		return
	}
	record := &store.AlertRecord{
		EventID:           event.ID,
		EventType:         event.Type,
		Severity:          string(event.Severity),
		SourceSkill:       event.SourceSkill,
		Channel:           strings.Join(rule.Channels, ","),
		Delivered:         delivered,
		Suppressed:        reason != "",
		SuppressionReason: reason,
		CreatedAt:         r.now().UTC(),
	}
	if payload, err := json.Marshal(event.Payload); err == nil && len(event.Payload) > 0 {
		record.Payload = payload
	}
	if formatted != nil {
		record.FormattedMessage = formatted.Plain
	}
	if r.pool != nil {
		// History is observability, not control flow; never block routing on it.
		r.pool.Submit(func(ctx context.Context) {
			if err := r.history.Insert(ctx, record); err != nil {
				r.logger.Error("alert history write failed", "event_type", record.EventType, "error", err)
			}
		})
		return
	}
	if err := r.history.Insert(ctx, record); err != nil {
		r.logger.Error("alert history write failed", "event_type", event.Type, "error", err)
	}
}

func (r *Router) count(eventType, outcome string) {
	if r.metrics != nil {
		r.metrics.AlertsRouted.WithLabelValues(eventType, outcome).Inc()
	}
}
