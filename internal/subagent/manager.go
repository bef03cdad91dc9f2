package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/coda/internal/events"
	"github.com/haasonsaas/coda/internal/observability"
	"github.com/haasonsaas/coda/internal/ratelimit"
	"github.com/haasonsaas/coda/internal/sanitize"
	"github.com/haasonsaas/coda/internal/skills"
	"github.com/haasonsaas/coda/internal/store"
)

// spawnScope is the rate-limit scope for subagent admissions.
const spawnScope = "subagent_spawn"

// toolRunner is the slice of the skill registry the manager needs.
type toolRunner interface {
	List(filter skills.ListFilter) []skills.ToolDefinition
	HasTool(name string) bool
	Execute(ctx context.Context, tool string, input json.RawMessage) *skills.ExecResult
}

// publisher is the slice of the bus the manager needs.
type publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// AnnounceFunc tells the orchestrator that an async run finished so the
// originating channel can be notified. Output is already sanitized.
type AnnounceFunc func(ctx context.Context, run Run, output string)

// Manager owns the table of subagent runs.
type Manager struct {
	mu           sync.Mutex
	runs         map[string]*Run
	activeByUser map[string]int
	activeTotal  int

	config   Config
	provider Provider
	tools    toolRunner
	limiter  ratelimit.Limiter
	bus      publisher
	archive  store.SubagentRunStore
	announce AnnounceFunc
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	maintCancel context.CancelFunc
	maintDone   chan struct{}
	wg          sync.WaitGroup
}

// Option configures the manager.
type Option func(*Manager)

// WithLimiter sets the spawn rate limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithBus sets the event bus for lifecycle events.
func WithBus(b publisher) Option {
	return func(m *Manager) { m.bus = b }
}

// WithArchive sets the persistent archive for expired runs.
func WithArchive(a store.SubagentRunStore) Option {
	return func(m *Manager) { m.archive = a }
}

// WithAnnounce sets the async completion callback.
func WithAnnounce(fn AnnounceFunc) Option {
	return func(m *Manager) { m.announce = fn }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a subagent manager.
func NewManager(config Config, provider Provider, tools toolRunner, opts ...Option) *Manager {
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 120 * time.Second
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 10 * time.Minute
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = 60 * time.Minute
	}
	if config.MaxToolCallsPerRun <= 0 {
		config.MaxToolCallsPerRun = 25
	}
	if config.DefaultTokenBudget <= 0 {
		config.DefaultTokenBudget = 50000
	}
	if config.MaxTokenBudget <= 0 {
		config.MaxTokenBudget = 200000
	}
	m := &Manager{
		runs:         make(map[string]*Run),
		activeByUser: make(map[string]int),
		config:       config,
		provider:     provider,
		tools:        tools,
		limiter:      ratelimit.NewMemoryLimiter(ratelimit.DefaultConfig()),
		logger:       slog.Default().With("component", "subagent"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithRunContext marks ctx as belonging to a subagent run. Tool executions
// carry it so that a skill trying to spawn another subagent is rejected.
func WithRunContext(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, observability.RunIDKey, runID)
}

func runIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(observability.RunIDKey).(string)
	return v
}

// admit applies the admission checks in order. It is called before any
// provider or tool I/O. On success the concurrency slot is already
// reserved, so two racing spawns cannot both pass the cap checks; finish
// releases the slot.
func (m *Manager) admit(ctx context.Context, req *Request) error {
	if !m.config.Enabled {
		return ErrDisabled
	}
	if runIDFromContext(ctx) != "" {
		return ErrRecursionBlocked
	}
	ok, retryAfter, err := m.limiter.Allow(ctx, spawnScope, req.UserID)
	if err != nil {
		m.logger.Warn("spawn rate limit check failed", "user_id", req.UserID, "error", err)
	} else if !ok {
		return fmt.Errorf("%w: retry in %s", ErrRateLimited, retryAfter.Round(time.Second))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxConcurrentPerUser > 0 && m.activeByUser[req.UserID] >= m.config.MaxConcurrentPerUser {
		return ErrUserSaturated
	}
	if m.config.MaxConcurrentGlobal > 0 && m.activeTotal >= m.config.MaxConcurrentGlobal {
		return ErrGlobalSaturated
	}

	var unknown []string
	for _, tool := range req.AllowedTools {
		if !m.tools.HasTool(tool) {
			unknown = append(unknown, tool)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTools, strings.Join(unknown, ", "))
	}

	m.activeByUser[req.UserID]++
	m.activeTotal++
	if m.metrics != nil {
		m.metrics.SubagentActive.Inc()
	}
	return nil
}

func (m *Manager) newRun(ctx context.Context, req *Request, mode Mode) *Run {
	budget := req.TokenBudget
	if budget <= 0 {
		budget = m.config.DefaultTokenBudget
	}
	if budget > m.config.MaxTokenBudget {
		budget = m.config.MaxTokenBudget
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}
	if timeout > m.config.MaxTimeout {
		timeout = m.config.MaxTimeout
	}
	if mode == ModeSync {
		timeout = m.config.SyncTimeout
	}

	return &Run{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		Channel:      req.Channel,
		ParentRunID:  runIDFromContext(ctx),
		Task:         req.Task,
		Status:       StatusPending,
		Mode:         mode,
		Model:        req.Model,
		Provider:     m.provider.Name(),
		SystemPrompt: req.SystemPrompt,
		TokenBudget:  budget,
		Timeout:      timeout,
		Envelope:     req.Envelope,
		AllowedTools: append([]string(nil), req.AllowedTools...),
		BlockedTools: append([]string(nil), req.BlockedTools...),
		CreatedAt:    m.now().UTC(),
	}
}

func (m *Manager) registerRun(run *Run, cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	started := m.now().UTC()
	run.Status = StatusRunning
	run.StartedAt = &started
	run.cancel = cancel
	m.runs[run.ID] = run
}

// Delegate runs the tool-agent loop synchronously on the caller with the
// sync wall-clock limit and returns the sanitized final output.
func (m *Manager) Delegate(ctx context.Context, req *Request) (*Result, error) {
	if err := m.admit(ctx, req); err != nil {
		return nil, err
	}
	run := m.newRun(ctx, req, ModeSync)

	runCtx, cancel := context.WithTimeout(ctx, m.config.SyncTimeout)
	defer cancel()
	runCtx = WithRunContext(runCtx, run.ID)
	m.registerRun(run, cancel)
	m.publishLifecycle(ctx, events.TypeSubagentSpawned, run)

	text, err := m.runLoop(runCtx, run)
	m.finish(ctx, run, text, err)
	if err != nil {
		return nil, fmt.Errorf("subagent run %s: %w", run.ID, err)
	}

	m.mu.Lock()
	result := &Result{
		RunID:         run.ID,
		Output:        sanitize.WrapSubagentResult(text),
		InputTokens:   run.InputTokens,
		OutputTokens:  run.OutputTokens,
		ToolCallCount: run.ToolCallCount,
	}
	m.mu.Unlock()
	return result, nil
}

// Spawn accepts the task and runs it in the background, bounded by the
// clamped timeout. The returned run id can be polled with GetRunInfo.
func (m *Manager) Spawn(ctx context.Context, req *Request) (string, error) {
	if err := m.admit(ctx, req); err != nil {
		return "", err
	}
	run := m.newRun(ctx, req, ModeAsync)

	bg := observability.WithUserID(context.Background(), run.UserID)
	bg = observability.WithChannel(bg, run.Channel)
	runCtx, cancel := context.WithTimeout(bg, run.Timeout)
	runCtx = WithRunContext(runCtx, run.ID)
	m.registerRun(run, cancel)
	m.publishLifecycle(ctx, events.TypeSubagentSpawned, run)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		text, err := m.runLoop(runCtx, run)
		m.finish(bg, run, text, err)
	}()
	return run.ID, nil
}

// SpecialistSpawn resolves a named preset and delegates synchronously.
func (m *Manager) SpecialistSpawn(ctx context.Context, name string, req *Request) (*Result, error) {
	preset, ok := m.config.Presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown specialist %q", name)
	}
	resolved := *req
	if preset.SystemPrompt != "" {
		resolved.SystemPrompt = preset.SystemPrompt
	}
	if len(preset.AllowedTools) > 0 {
		resolved.AllowedTools = preset.AllowedTools
	}
	if preset.TokenBudget > 0 {
		resolved.TokenBudget = preset.TokenBudget
	}
	return m.Delegate(ctx, &resolved)
}

// StopRun signals cancellation of an active run. Only the owner may stop a
// run; the flag is observed at the next loop boundary.
func (m *Manager) StopRun(userID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.UserID != userID {
		return ErrNotOwner
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}
	run.cancelled = true
	if run.cancel != nil {
		run.cancel()
	}
	return nil
}

func (m *Manager) finish(ctx context.Context, run *Run, text string, err error) {
	m.mu.Lock()
	completed := m.now().UTC()
	run.CompletedAt = &completed
	wasActive := !run.Status.Terminal()

	var eventType string
	switch {
	case err == nil:
		run.Status = StatusSucceeded
		run.Result = text
		eventType = events.TypeSubagentSucceeded
	case errors.Is(err, ErrCancelled):
		run.Status = StatusCancelled
		run.Error = err.Error()
		eventType = events.TypeSubagentCancelled
	default:
		run.Status = StatusFailed
		run.Error = err.Error()
		eventType = events.TypeSubagentFailed
	}

	if wasActive {
		m.activeByUser[run.UserID]--
		if m.activeByUser[run.UserID] <= 0 {
			delete(m.activeByUser, run.UserID)
		}
		m.activeTotal--
		if m.metrics != nil {
			m.metrics.SubagentActive.Dec()
		}
	}
	snapshot := *run
	m.mu.Unlock()

	m.logger.Info("subagent run finished",
		"run_id", run.ID,
		"user_id", run.UserID,
		"status", string(snapshot.Status),
		"tool_calls", snapshot.ToolCallCount,
	)
	m.publishLifecycle(ctx, eventType, &snapshot)

	if snapshot.Mode == ModeAsync && m.announce != nil {
		output := ""
		if snapshot.Status == StatusSucceeded {
			output = sanitize.WrapSubagentResult(snapshot.Result)
		}
		m.announce(ctx, snapshot, output)
	}
}

func (m *Manager) publishLifecycle(ctx context.Context, eventType string, run *Run) {
	if m.bus == nil {
		return
	}
	payload := map[string]any{
		"run_id":  run.ID,
		"user_id": run.UserID,
		"channel": run.Channel,
		"mode":    string(run.Mode),
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	event := events.New(eventType, "subagent", events.SeverityLow, payload)
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Warn("lifecycle event publish failed", "event_type", eventType, "error", err)
	}
}

// GetRunInfo returns the run record, checking the live table first and the
// archive second. Callers only see their own runs.
func (m *Manager) GetRunInfo(ctx context.Context, userID, runID string) (*store.SubagentRun, error) {
	m.mu.Lock()
	if run, ok := m.runs[runID]; ok {
		if run.UserID != userID {
			m.mu.Unlock()
			return nil, ErrNotOwner
		}
		record := toStoreRun(run)
		m.mu.Unlock()
		return record, nil
	}
	m.mu.Unlock()

	if m.archive == nil {
		return nil, ErrRunNotFound
	}
	record, err := m.archive.Get(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, ErrNotOwner
	}
	return record, nil
}

// GetRunLog returns the transcript of a live or archived run.
func (m *Manager) GetRunLog(ctx context.Context, userID, runID string) ([]TranscriptEntry, error) {
	record, err := m.GetRunInfo(ctx, userID, runID)
	if err != nil {
		return nil, err
	}
	if len(record.Transcript) == 0 {
		return nil, nil
	}
	var transcript []TranscriptEntry
	if err := json.Unmarshal(record.Transcript, &transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return transcript, nil
}

// ListRuns returns the caller's live runs, newest first not guaranteed.
func (m *Manager) ListRuns(userID string) []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, run := range m.runs {
		if run.UserID == userID {
			out = append(out, *run)
		}
	}
	return out
}

// StartMaintenance launches the archival sweep ticker.
func (m *Manager) StartMaintenance(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maintCancel != nil {
		return
	}
	interval := m.config.CleanupInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	maintCtx, cancel := context.WithCancel(ctx)
	m.maintCancel = cancel
	m.maintDone = make(chan struct{})

	go func() {
		defer close(m.maintDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-maintCtx.Done():
				return
			case <-ticker.C:
				m.SweepArchive(maintCtx)
			}
		}
	}()
}

// StopMaintenance stops the sweep ticker and waits for in-flight runs.
func (m *Manager) StopMaintenance() {
	m.mu.Lock()
	cancel, done := m.maintCancel, m.maintDone
	m.maintCancel = nil
	m.maintDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	m.wg.Wait()
}

// SweepArchive moves terminal runs past the retention window into the
// persistent archive.
func (m *Manager) SweepArchive(ctx context.Context) {
	cutoff := m.now().Add(-m.config.ArchiveTTL)

	m.mu.Lock()
	var expired []*Run
	for id, run := range m.runs {
		if run.Status.Terminal() && run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
			expired = append(expired, run)
			delete(m.runs, id)
		}
	}
	m.mu.Unlock()

	for _, run := range expired {
		if m.archive == nil {
			continue
		}
		record := toStoreRun(run)
		archived := m.now().UTC()
		record.ArchivedAt = &archived
		if err := m.archive.Insert(ctx, record); err != nil {
			m.logger.Error("run archive failed", "run_id", run.ID, "error", err)
		}
	}
}

func toStoreRun(run *Run) *store.SubagentRun {
	record := &store.SubagentRun{
		ID:            run.ID,
		UserID:        run.UserID,
		Channel:       run.Channel,
		ParentRunID:   run.ParentRunID,
		Task:          run.Task,
		Status:        string(run.Status),
		Mode:          string(run.Mode),
		Model:         run.Model,
		Provider:      run.Provider,
		Result:        run.Result,
		Error:         run.Error,
		InputTokens:   run.InputTokens,
		OutputTokens:  run.OutputTokens,
		ToolCallCount: run.ToolCallCount,
		TimeoutMS:     run.Timeout.Milliseconds(),
		AllowedTools:  run.AllowedTools,
		BlockedTools:  run.BlockedTools,
		CreatedAt:     run.CreatedAt,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
	}
	if len(run.Transcript) > 0 {
		if raw, err := json.Marshal(run.Transcript); err == nil {
			record.Transcript = raw
		}
	}
	if run.Envelope != nil {
		if raw, err := json.Marshal(run.Envelope); err == nil {
			record.Metadata = raw
		}
	}
	return record
}
