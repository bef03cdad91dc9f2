// Package scheduler dispatches named background tasks on cron schedules.
// Skills reach it only through the per-skill client view, which namespaces
// task names, so skill packages never depend on the scheduler type.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/coda/internal/events"
)

// Handler runs one scheduled task invocation.
type Handler func(ctx context.Context) error

// Override replaces a task's schedule or enabled flag at registration time.
// Overrides come from configuration and are keyed by full task name.
type Override struct {
	Schedule string `yaml:"schedule" json:"schedule"`
	Enabled  *bool  `yaml:"enabled" json:"enabled"`
}

// Task is a registered scheduled task.
type Task struct {
	Name        string
	Expr        string
	Description string
	Enabled     bool

	NextRun   time.Time
	LastRun   time.Time
	LastError string

	schedule cron.Schedule
	handler  Handler
}

// publisher is the slice of the bus the scheduler needs for toggle events.
type publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Scheduler runs registered tasks on a minute tick.
type Scheduler struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	order     []string
	overrides map[string]Override

	bus          publisher
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBus configures the event bus used for toggle notifications.
func WithBus(bus publisher) Option {
	return func(s *Scheduler) {
		s.bus = bus
	}
}

// WithOverrides installs configuration overrides applied at registration.
func WithOverrides(overrides map[string]Override) Option {
	return func(s *Scheduler) {
		if overrides != nil {
			s.overrides = overrides
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the dispatch tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:        make(map[string]*Task),
		overrides:    make(map[string]Override),
		logger:       slog.Default().With("component", "scheduler"),
		now:          time.Now,
		tickInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs a task. Configuration overrides for the same name
// replace the schedule and enabled flag before the first dispatch.
func (s *Scheduler) Register(name, expr string, handler Handler, enabled bool, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("task name required")
	}
	if handler == nil {
		return fmt.Errorf("register %s: handler required", name)
	}

	if override, ok := s.overrideFor(name); ok {
		if strings.TrimSpace(override.Schedule) != "" {
			expr = override.Schedule
		}
		if override.Enabled != nil {
			enabled = *override.Enabled
		}
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("register %s: parse schedule %q: %w", name, expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("register %s: task already registered", name)
	}
	s.tasks[name] = &Task{
		Name:        name,
		Expr:        expr,
		Description: description,
		Enabled:     enabled,
		NextRun:     schedule.Next(s.now()),
		schedule:    schedule,
		handler:     handler,
	}
	s.order = append(s.order, name)
	s.logger.Info("task registered", "task", name, "schedule", expr, "enabled", enabled)
	return nil
}

func (s *Scheduler) overrideFor(name string) (Override, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	override, ok := s.overrides[name]
	return override, ok
}

// Toggle flips a task's enabled flag and publishes scheduler.task_toggled
// with the previous and current state.
func (s *Scheduler) Toggle(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("toggle %s: task not found", name)
	}
	previous := task.Enabled
	task.Enabled = enabled
	if enabled && !previous {
		task.NextRun = task.schedule.Next(s.now())
	}
	s.mu.Unlock()

	s.logger.Info("task toggled", "task", name, "previous", previous, "current", enabled)
	if s.bus != nil {
		event := events.New(events.TypeTaskToggled, "scheduler", events.SeverityLow, map[string]any{
			"task":     name,
			"previous": previous,
			"current":  enabled,
		})
		if err := s.bus.Publish(ctx, event); err != nil {
			s.logger.Warn("toggle event publish failed", "task", name, "error", err)
		}
	}
	return nil
}

// Client returns the namespaced registration view for one skill. Task names
// registered through it are prefixed with "<skillName>.".
func (s *Scheduler) Client(skillName string) *Client {
	return &Client{scheduler: s, prefix: strings.TrimSpace(skillName) + "."}
}

// Tasks returns a snapshot of registered tasks in registration order.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.tasks[name])
	}
	return out
}

// Start launches the dispatch loop until Stop or context cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunDue(loopCtx)
			}
		}
	}()
}

// Stop halts the dispatch loop and waits for in-flight handlers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// RunDue executes every enabled task whose schedule has come due and
// returns the number of tasks run. Exported for tests and manual dispatch.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*Task
	for _, name := range s.order {
		task := s.tasks[name]
		if !task.Enabled || task.NextRun.IsZero() || now.Before(task.NextRun) {
			continue
		}
		task.LastRun = now
		task.NextRun = task.schedule.Next(now)
		due = append(due, task)
	}
	s.mu.Unlock()

	for _, task := range due {
		err := s.runTask(ctx, task)
		s.mu.Lock()
		if err != nil {
			task.LastError = err.Error()
		} else {
			task.LastError = ""
		}
		s.mu.Unlock()
	}
	return len(due)
}

func (s *Scheduler) runTask(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if err := task.handler(ctx); err != nil {
		s.logger.Warn("task failed", "task", task.Name, "error", err)
		return err
	}
	return nil
}

// Client is the per-skill registration view. It namespaces every task name
// under the skill so registrations from different skills cannot collide.
type Client struct {
	scheduler *Scheduler
	prefix    string
}

// RegisterTask registers a task under the skill's namespace.
func (c *Client) RegisterTask(name, expr string, handler Handler, enabled bool, description string) error {
	return c.scheduler.Register(c.prefix+name, expr, handler, enabled, description)
}

// Toggle flips a namespaced task's enabled flag.
func (c *Client) Toggle(ctx context.Context, name string, enabled bool) error {
	return c.scheduler.Toggle(ctx, c.prefix+name, enabled)
}
