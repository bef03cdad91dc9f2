package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/coda/internal/events"
	"github.com/haasonsaas/coda/internal/ratelimit"
	"github.com/haasonsaas/coda/internal/skills"
	"github.com/haasonsaas/coda/internal/store"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []*ChatResponse
	err       error
	calls     int
	block     chan struct{}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.calls >= len(p.responses) {
		return &ChatResponse{Text: "done"}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

type fakeTools struct {
	defs     []skills.ToolDefinition
	executed []string
	result   *skills.ExecResult
}

func (f *fakeTools) List(filter skills.ListFilter) []skills.ToolDefinition {
	var out []skills.ToolDefinition
	for _, def := range f.defs {
		blocked := false
		for _, name := range filter.BlockedTools {
			if name == def.Name {
				blocked = true
			}
		}
		if !blocked {
			out = append(out, def)
		}
	}
	return out
}

func (f *fakeTools) HasTool(name string) bool {
	for _, def := range f.defs {
		if def.Name == name {
			return true
		}
	}
	return false
}

func (f *fakeTools) Execute(ctx context.Context, tool string, input json.RawMessage) *skills.ExecResult {
	f.executed = append(f.executed, tool)
	if f.result != nil {
		return f.result
	}
	return &skills.ExecResult{Content: "ok"}
}

type denyLimiter struct{ retryAfter time.Duration }

func (d denyLimiter) Allow(ctx context.Context, scope, id string) (bool, time.Duration, error) {
	return false, d.retryAfter, nil
}

type capturingBus struct {
	mu     sync.Mutex
	events []*events.Event
}

func (b *capturingBus) Publish(ctx context.Context, event *events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *capturingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	return cfg
}

func newTestManager(t *testing.T, provider Provider, tools toolRunner, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithLimiter(ratelimit.NewMemoryLimiter(ratelimit.Config{MaxRequests: 100, Window: time.Minute})),
	}
	return NewManager(testConfig(), provider, tools, append(base, opts...)...)
}

func TestDelegateRunsToolLoop(t *testing.T) {
	provider := &scriptedProvider{responses: []*ChatResponse{
		{
			ToolCalls: []ToolCall{{ID: "call-1", Name: "search", Input: json.RawMessage(`{"q":"news"}`)}},
			Usage:     Usage{InputTokens: 100, OutputTokens: 20},
		},
		{
			Text:  "final answer",
			Usage: Usage{InputTokens: 150, OutputTokens: 30},
		},
	}}
	tools := &fakeTools{defs: []skills.ToolDefinition{{Name: "search"}}}
	bus := &capturingBus{}
	m := newTestManager(t, provider, tools, WithBus(bus))

	result, err := m.Delegate(context.Background(), &Request{UserID: "alice", Channel: "slack", Task: "summarize the news"})
	if err != nil {
		t.Fatalf("Delegate() error = %v", err)
	}
	if !strings.Contains(result.Output, "final answer") {
		t.Errorf("output %q missing final answer", result.Output)
	}
	if !strings.Contains(result.Output, "<subagent_result>") {
		t.Errorf("output %q is not wrapped", result.Output)
	}
	if result.ToolCallCount != 1 {
		t.Errorf("ToolCallCount = %d, want 1", result.ToolCallCount)
	}
	if result.InputTokens != 250 || result.OutputTokens != 50 {
		t.Errorf("tokens = %d/%d, want 250/50", result.InputTokens, result.OutputTokens)
	}
	if len(tools.executed) != 1 || tools.executed[0] != "search" {
		t.Errorf("executed tools = %v", tools.executed)
	}

	got := bus.types()
	want := []string{events.TypeSubagentSpawned, events.TypeSubagentSucceeded}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("lifecycle events = %v, want %v", got, want)
	}
}

func TestAdmissionDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	m := NewManager(cfg, &scriptedProvider{}, &fakeTools{})

	if _, err := m.Delegate(context.Background(), &Request{UserID: "alice"}); !errors.Is(err, ErrDisabled) {
		t.Errorf("error = %v, want ErrDisabled", err)
	}
}

func TestAdmissionBlocksNestedSpawn(t *testing.T) {
	m := newTestManager(t, &scriptedProvider{}, &fakeTools{})

	ctx := WithRunContext(context.Background(), "parent-run")
	if _, err := m.Delegate(ctx, &Request{UserID: "alice"}); !errors.Is(err, ErrRecursionBlocked) {
		t.Errorf("error = %v, want ErrRecursionBlocked", err)
	}
	if _, err := m.Spawn(ctx, &Request{UserID: "alice"}); !errors.Is(err, ErrRecursionBlocked) {
		t.Errorf("Spawn error = %v, want ErrRecursionBlocked", err)
	}
}

func TestAdmissionRateLimited(t *testing.T) {
	m := newTestManager(t, &scriptedProvider{}, &fakeTools{},
		WithLimiter(denyLimiter{retryAfter: 30 * time.Second}))

	_, err := m.Delegate(context.Background(), &Request{UserID: "alice"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
	if !strings.Contains(err.Error(), "30s") {
		t.Errorf("error %q missing retry hint", err)
	}
}

func TestAdmissionUnknownTools(t *testing.T) {
	tools := &fakeTools{defs: []skills.ToolDefinition{{Name: "search"}}}
	m := newTestManager(t, &scriptedProvider{}, tools)

	_, err := m.Delegate(context.Background(), &Request{
		UserID:       "alice",
		AllowedTools: []string{"search", "missing_tool"},
	})
	if !errors.Is(err, ErrUnknownTools) {
		t.Fatalf("error = %v, want ErrUnknownTools", err)
	}
	if !strings.Contains(err.Error(), "missing_tool") {
		t.Errorf("error %q does not name the tool", err)
	}
}

func TestAdmissionConcurrencyCaps(t *testing.T) {
	block := make(chan struct{})
	provider := &scriptedProvider{block: block}
	cfg := testConfig()
	cfg.MaxConcurrentPerUser = 1
	cfg.MaxConcurrentGlobal = 2
	m := NewManager(cfg, provider, &fakeTools{},
		WithLimiter(ratelimit.NewMemoryLimiter(ratelimit.Config{MaxRequests: 100, Window: time.Minute})))

	if _, err := m.Spawn(context.Background(), &Request{UserID: "alice"}); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if _, err := m.Spawn(context.Background(), &Request{UserID: "alice"}); !errors.Is(err, ErrUserSaturated) {
		t.Errorf("second spawn for alice = %v, want ErrUserSaturated", err)
	}
	if _, err := m.Spawn(context.Background(), &Request{UserID: "bob"}); err != nil {
		t.Fatalf("spawn for bob: %v", err)
	}
	if _, err := m.Spawn(context.Background(), &Request{UserID: "carol"}); !errors.Is(err, ErrGlobalSaturated) {
		t.Errorf("third concurrent spawn = %v, want ErrGlobalSaturated", err)
	}

	close(block)
	m.StopMaintenance()
}

func TestAdmissionReservesSlotImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerUser = 1
	cfg.MaxConcurrentGlobal = 2
	m := NewManager(cfg, &scriptedProvider{}, &fakeTools{},
		WithLimiter(ratelimit.NewMemoryLimiter(ratelimit.Config{MaxRequests: 100, Window: time.Minute})))

	// The slot must be held from the moment admission succeeds, before the
	// run is built or registered, so a second caller racing in between
	// still sees the cap.
	if err := m.admit(context.Background(), &Request{UserID: "alice"}); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := m.admit(context.Background(), &Request{UserID: "alice"}); !errors.Is(err, ErrUserSaturated) {
		t.Errorf("second admit = %v, want ErrUserSaturated", err)
	}
	if err := m.admit(context.Background(), &Request{UserID: "bob"}); err != nil {
		t.Fatalf("admit for bob: %v", err)
	}
	if err := m.admit(context.Background(), &Request{UserID: "carol"}); !errors.Is(err, ErrGlobalSaturated) {
		t.Errorf("third admit = %v, want ErrGlobalSaturated", err)
	}

	// A failed admission must not leak a reservation.
	m.mu.Lock()
	total := m.activeTotal
	perCarol := m.activeByUser["carol"]
	m.mu.Unlock()
	if total != 2 {
		t.Errorf("activeTotal = %d, want 2", total)
	}
	if perCarol != 0 {
		t.Errorf("carol reservation = %d, want 0", perCarol)
	}
}

func TestStopRunCancelsAsync(t *testing.T) {
	block := make(chan struct{})
	provider := &scriptedProvider{block: block}
	bus := &capturingBus{}
	m := newTestManager(t, provider, &fakeTools{}, WithBus(bus))

	runID, err := m.Spawn(context.Background(), &Request{UserID: "alice", Task: "wait forever"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	if err := m.StopRun("bob", runID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("StopRun as bob = %v, want ErrNotOwner", err)
	}
	if err := m.StopRun("alice", "no-such-run"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("StopRun unknown = %v, want ErrRunNotFound", err)
	}
	if err := m.StopRun("alice", runID); err != nil {
		t.Fatalf("StopRun() error = %v", err)
	}
	m.StopMaintenance()

	record, err := m.GetRunInfo(context.Background(), "alice", runID)
	if err != nil {
		t.Fatalf("GetRunInfo() error = %v", err)
	}
	if record.Status != string(StatusCancelled) {
		t.Errorf("status = %s, want cancelled", record.Status)
	}

	sawCancelled := false
	for _, eventType := range bus.types() {
		if eventType == events.TypeSubagentCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Error("no cancellation event published")
	}
}

func TestToolCallLimitTerminatesRun(t *testing.T) {
	// Provider always wants another tool call.
	provider := &scriptedProvider{}
	provider.responses = nil
	loopResp := &ChatResponse{
		ToolCalls: []ToolCall{{ID: "c", Name: "search", Input: json.RawMessage(`{}`)}},
	}
	for i := 0; i < 40; i++ {
		provider.responses = append(provider.responses, loopResp)
	}
	tools := &fakeTools{defs: []skills.ToolDefinition{{Name: "search"}}}
	cfg := testConfig()
	cfg.MaxToolCallsPerRun = 3
	m := NewManager(cfg, provider, tools,
		WithLimiter(ratelimit.NewMemoryLimiter(ratelimit.Config{MaxRequests: 100, Window: time.Minute})))

	_, err := m.Delegate(context.Background(), &Request{UserID: "alice", Task: "loop"})
	if !errors.Is(err, ErrToolCallLimit) {
		t.Fatalf("error = %v, want ErrToolCallLimit", err)
	}
	if len(tools.executed) != 3 {
		t.Errorf("executed %d tools, want 3", len(tools.executed))
	}
}

func TestTokenBudgetTerminatesRun(t *testing.T) {
	provider := &scriptedProvider{responses: []*ChatResponse{
		{
			ToolCalls: []ToolCall{{ID: "c1", Name: "search", Input: json.RawMessage(`{}`)}},
			Usage:     Usage{InputTokens: 900, OutputTokens: 200},
		},
		{
			ToolCalls: []ToolCall{{ID: "c2", Name: "search", Input: json.RawMessage(`{}`)}},
			Usage:     Usage{InputTokens: 900, OutputTokens: 200},
		},
	}}
	tools := &fakeTools{defs: []skills.ToolDefinition{{Name: "search"}}}
	m := newTestManager(t, provider, tools)

	_, err := m.Delegate(context.Background(), &Request{
		UserID:      "alice",
		Task:        "expensive",
		TokenBudget: 1000,
	})
	if !errors.Is(err, ErrTokenBudgetExhausted) {
		t.Fatalf("error = %v, want ErrTokenBudgetExhausted", err)
	}
}

func TestTokenBudgetClampedToMax(t *testing.T) {
	m := newTestManager(t, &scriptedProvider{}, &fakeTools{})
	run := m.newRun(context.Background(), &Request{UserID: "alice", TokenBudget: 10_000_000}, ModeAsync)
	if run.TokenBudget != m.config.MaxTokenBudget {
		t.Errorf("TokenBudget = %d, want clamped to %d", run.TokenBudget, m.config.MaxTokenBudget)
	}

	run = m.newRun(context.Background(), &Request{UserID: "alice"}, ModeAsync)
	if run.TokenBudget != m.config.DefaultTokenBudget {
		t.Errorf("TokenBudget = %d, want default %d", run.TokenBudget, m.config.DefaultTokenBudget)
	}
}

func TestSpecialistSpawnResolvesPreset(t *testing.T) {
	provider := &scriptedProvider{responses: []*ChatResponse{{Text: "report"}}}
	tools := &fakeTools{defs: []skills.ToolDefinition{{Name: "search"}, {Name: "fetch"}}}
	cfg := testConfig()
	cfg.Presets = map[string]Preset{
		"researcher": {
			SystemPrompt: "You are a research specialist.",
			AllowedTools: []string{"search", "fetch"},
			TokenBudget:  20000,
		},
	}
	m := NewManager(cfg, provider, tools,
		WithLimiter(ratelimit.NewMemoryLimiter(ratelimit.Config{MaxRequests: 100, Window: time.Minute})))

	result, err := m.SpecialistSpawn(context.Background(), "researcher", &Request{UserID: "alice", Task: "dig in"})
	if err != nil {
		t.Fatalf("SpecialistSpawn() error = %v", err)
	}
	if !strings.Contains(result.Output, "report") {
		t.Errorf("output = %q", result.Output)
	}

	if _, err := m.SpecialistSpawn(context.Background(), "nonexistent", &Request{UserID: "alice"}); err == nil {
		t.Error("expected error for unknown specialist")
	}
}

func TestArchiveSweepMovesExpiredRuns(t *testing.T) {
	set, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer set.Close()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	provider := &scriptedProvider{responses: []*ChatResponse{{Text: "quick"}}}
	m := newTestManager(t, provider, &fakeTools{},
		WithArchive(set.Runs),
		WithNow(now))

	result, err := m.Delegate(context.Background(), &Request{UserID: "alice", Channel: "slack", Task: "quick job"})
	if err != nil {
		t.Fatalf("Delegate() error = %v", err)
	}

	// Still live before the retention window passes.
	m.SweepArchive(context.Background())
	if _, err := m.GetRunInfo(context.Background(), "alice", result.RunID); err != nil {
		t.Fatalf("live lookup failed: %v", err)
	}

	mu.Lock()
	current = current.Add(time.Hour)
	mu.Unlock()
	m.SweepArchive(context.Background())

	if len(m.ListRuns("alice")) != 0 {
		t.Error("run still live after sweep")
	}
	record, err := m.GetRunInfo(context.Background(), "alice", result.RunID)
	if err != nil {
		t.Fatalf("archived lookup failed: %v", err)
	}
	if record.ArchivedAt == nil {
		t.Error("ArchivedAt not set on archived run")
	}
	if record.Status != string(StatusSucceeded) {
		t.Errorf("status = %s, want succeeded", record.Status)
	}

	// Transcript survives the archive hop.
	transcript, err := m.GetRunLog(context.Background(), "alice", result.RunID)
	if err != nil {
		t.Fatalf("GetRunLog() error = %v", err)
	}
	if len(transcript) == 0 {
		t.Fatal("archived transcript is empty")
	}
	if transcript[0].Role != "user" || transcript[0].Content != "quick job" {
		t.Errorf("transcript[0] = %+v", transcript[0])
	}

	if _, err := m.GetRunInfo(context.Background(), "bob", result.RunID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("archived lookup as bob = %v, want ErrNotOwner", err)
	}
}

func TestBlockedToolsHiddenFromCatalog(t *testing.T) {
	tools := &fakeTools{defs: []skills.ToolDefinition{{Name: "search"}, {Name: "delete_file"}}}
	m := newTestManager(t, &scriptedProvider{}, tools)

	run := m.newRun(context.Background(), &Request{
		UserID:       "alice",
		BlockedTools: []string{"delete_file"},
	}, ModeAsync)
	catalog := m.toolCatalog(run)
	if len(catalog) != 1 || catalog[0].Name != "search" {
		t.Errorf("catalog = %+v, want only search", catalog)
	}

	run = m.newRun(context.Background(), &Request{
		UserID:       "alice",
		AllowedTools: []string{"search"},
	}, ModeAsync)
	catalog = m.toolCatalog(run)
	if len(catalog) != 1 || catalog[0].Name != "search" {
		t.Errorf("allowlist catalog = %+v, want only search", catalog)
	}
}

func TestAnnounceFiresForAsyncRuns(t *testing.T) {
	provider := &scriptedProvider{responses: []*ChatResponse{{Text: "background done"}}}
	announced := make(chan string, 1)
	m := newTestManager(t, provider, &fakeTools{},
		WithAnnounce(func(ctx context.Context, run Run, output string) {
			announced <- output
		}))

	if _, err := m.Spawn(context.Background(), &Request{UserID: "alice", Channel: "slack", Task: "bg"}); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	select {
	case output := <-announced:
		if !strings.Contains(output, "background done") {
			t.Errorf("announced output = %q", output)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("announce callback never fired")
	}
}
