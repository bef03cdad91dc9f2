package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/coda/internal/faults"
	"github.com/haasonsaas/coda/internal/health"
	"github.com/haasonsaas/coda/internal/observability"
	"github.com/haasonsaas/coda/internal/resilience"
)

// Config configures the registry's execution wrapper and maintenance
// tickers.
type Config struct {
	// ExecTimeout bounds one tool execution attempt.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	// ExecRetries is the transient-retry budget per execution.
	ExecRetries int `yaml:"exec_retries"`
	// ProbeInterval is how often unavailable skills are probed.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	// CleanupInterval is how often idle external resources are released.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		ExecTimeout:     30 * time.Second,
		ExecRetries:     2,
		ProbeInterval:   60 * time.Second,
		CleanupInterval: 30 * time.Second,
	}
}

// Registry is the catalog of registered skills and their tools. All methods
// are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	skills     map[string]Skill
	order      []string
	owners     map[string]string // tool name -> skill name
	tools      map[string]ToolDefinition
	validators map[string]*jsonschema.Schema

	config  Config
	healths *health.Tracker
	errors  *faults.Store
	logger  *slog.Logger
	metrics *observability.Metrics

	maintCancel context.CancelFunc
	maintDone   chan struct{}
}

// NewRegistry creates an empty registry. The metrics argument may be nil.
func NewRegistry(config Config, healths *health.Tracker, errors *faults.Store, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if config.ExecTimeout <= 0 {
		config.ExecTimeout = 30 * time.Second
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 60 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if healths == nil {
		healths = health.NewTracker(health.DefaultConfig())
	}
	if errors == nil {
		errors = faults.NewStore(faults.DefaultStoreConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		skills:     make(map[string]Skill),
		owners:     make(map[string]string),
		tools:      make(map[string]ToolDefinition),
		validators: make(map[string]*jsonschema.Schema),
		config:     config,
		healths:    healths,
		errors:     errors,
		logger:     logger,
		metrics:    metrics,
	}
}

// Register validates and installs a skill: required config keys must be
// present, tool names must not collide, and schemas must compile. The
// skill's Init runs with the provided config.
func (r *Registry) Register(ctx context.Context, skill Skill, config map[string]string) error {
	if skill == nil {
		return fmt.Errorf("skill is required")
	}
	name := skill.Name()

	for _, key := range skill.RequiredConfig() {
		if _, ok := config[key]; !ok {
			return fmt.Errorf("register %s: missing required config key %q", name, key)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[name]; exists {
		return fmt.Errorf("register %s: skill already registered", name)
	}
	defs := skill.Tools()
	for _, def := range defs {
		if owner, taken := r.owners[def.Name]; taken {
			return fmt.Errorf("register %s: tool %q already owned by skill %q", name, def.Name, owner)
		}
	}

	validators := make(map[string]*jsonschema.Schema, len(defs))
	for _, def := range defs {
		if def.Schema == nil {
			continue
		}
		schema, err := compileSchema(def.Name, def.Schema)
		if err != nil {
			return fmt.Errorf("register %s: tool %q schema: %w", name, def.Name, err)
		}
		validators[def.Name] = schema
	}

	if err := skill.Init(ctx, config); err != nil {
		return fmt.Errorf("register %s: init: %w", name, err)
	}

	r.skills[name] = skill
	r.order = append(r.order, name)
	for _, def := range defs {
		r.owners[def.Name] = name
		r.tools[def.Name] = def
	}
	for tool, schema := range validators {
		r.validators[tool] = schema
	}
	r.logger.Info("skill registered", "skill", name, "tools", len(defs))
	return nil
}

func compileSchema(tool string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString("inline://tool/"+tool+".json", string(raw))
}

// List returns the flattened tool catalog after applying the filter.
func (r *Registry) List(filter ListFilter) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolDefinition
	for _, skillName := range r.order {
		for _, def := range r.skills[skillName].Tools() {
			if len(filter.AllowedSkills) > 0 && !slices.Contains(filter.AllowedSkills, skillName) {
				continue
			}
			if slices.Contains(filter.BlockedTools, def.Name) {
				continue
			}
			if filter.ExcludeMainAgentOnly && def.MainAgentOnly {
				continue
			}
			out = append(out, def)
		}
	}
	return out
}

// GetTool returns a tool definition by name.
func (r *Registry) GetTool(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// HasTool reports whether a tool name is registered.
func (r *Registry) HasTool(name string) bool {
	_, ok := r.GetTool(name)
	return ok
}

// RequiresConfirmation reports whether the named tool demands an explicit
// confirmation token before execution.
func (r *Registry) RequiresConfirmation(name string) bool {
	def, ok := r.GetTool(name)
	return ok && def.RequiresConfirmation
}

// Health exposes the health tracker for diagnostics surfaces.
func (r *Registry) Health() *health.Tracker {
	return r.healths
}

// Errors exposes the classified error store for diagnostics surfaces.
func (r *Registry) Errors() *faults.Store {
	return r.errors
}

// Execute routes a tool call through the full pipeline: ownership lookup,
// availability gate, input validation, resilient execution, and health
// accounting. Failures come back as sanitized result strings.
func (r *Registry) Execute(ctx context.Context, tool string, input json.RawMessage) *ExecResult {
	r.mu.RLock()
	skillName, ok := r.owners[tool]
	skill := r.skills[skillName]
	validator := r.validators[tool]
	r.mu.RUnlock()

	if !ok {
		return &ExecResult{Content: "unknown tool: " + tool, IsError: true}
	}

	if !r.healths.IsAvailable(skillName) {
		r.countExec(skillName, tool, "unavailable")
		return &ExecResult{
			Content: fmt.Sprintf("The %s skill is temporarily unavailable after repeated failures. Try again shortly.", skillName),
			IsError: true,
		}
	}

	if validator != nil {
		if err := validateInput(validator, input); err != nil {
			r.countExec(skillName, tool, "error")
			return &ExecResult{Content: "invalid input for " + tool + ": " + err.Error(), IsError: true}
		}
	}

	start := time.Now()
	opts := resilience.Options{
		Timeout:      r.config.ExecTimeout,
		Retries:      r.config.ExecRetries,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
	content, result := resilience.ExecuteValue(ctx, opts, r.logger, func(ctx context.Context) (string, error) {
		return skill.Execute(ctx, tool, input)
	})
	if r.metrics != nil {
		r.metrics.ToolDuration.WithLabelValues(skillName, tool).Observe(time.Since(start).Seconds())
	}

	if result.Err != nil {
		ce := faults.Classify(result.Err, skillName)
		r.errors.Push(ce)
		r.healths.RecordFailure(skillName)
		r.countExec(skillName, tool, "error")
		r.logger.Warn("tool execution failed",
			"skill", skillName,
			"tool", tool,
			"category", string(ce.Category),
			"attempts", result.Attempts,
			"error", ce.Message,
		)
		return &ExecResult{Content: "tool " + tool + " failed: " + ce.Message, IsError: true}
	}

	r.healths.RecordSuccess(skillName)
	r.countExec(skillName, tool, "success")
	return &ExecResult{Content: content}
}

func validateInput(schema *jsonschema.Schema, input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	return schema.Validate(value)
}

func (r *Registry) countExec(skill, tool, status string) {
	if r.metrics != nil {
		r.metrics.ToolExecutions.WithLabelValues(skill, tool, status).Inc()
	}
}

// StartMaintenance launches the recovery-probe and idle-cleanup tickers.
func (r *Registry) StartMaintenance(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maintCancel != nil {
		return
	}
	maintCtx, cancel := context.WithCancel(ctx)
	r.maintCancel = cancel
	r.maintDone = make(chan struct{})

	go func() {
		defer close(r.maintDone)
		probe := time.NewTicker(r.config.ProbeInterval)
		cleanup := time.NewTicker(r.config.CleanupInterval)
		defer probe.Stop()
		defer cleanup.Stop()
		for {
			select {
			case <-maintCtx.Done():
				return
			case <-probe.C:
				r.RunRecoveryProbes(maintCtx)
			case <-cleanup.C:
				r.runIdleCleanup(maintCtx)
			}
		}
	}()
}

// StopMaintenance stops the maintenance tickers.
func (r *Registry) StopMaintenance() {
	r.mu.Lock()
	cancel, done := r.maintCancel, r.maintDone
	r.maintCancel = nil
	r.maintDone = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// RunRecoveryProbes attempts one probe against each unavailable skill whose
// recovery window has elapsed. Probe outcomes feed the health tracker.
func (r *Registry) RunRecoveryProbes(ctx context.Context) {
	for _, skillName := range r.healths.ProbeCandidates() {
		r.mu.RLock()
		skill := r.skills[skillName]
		r.mu.RUnlock()
		prober, ok := skill.(Prober)
		if !ok {
			continue
		}
		if !r.healths.IsAvailable(skillName) {
			continue
		}
		if err := prober.Probe(ctx); err != nil {
			r.healths.RecordFailure(skillName)
			r.logger.Debug("recovery probe failed", "skill", skillName, "error", err)
			continue
		}
		r.healths.RecordSuccess(skillName)
		r.logger.Info("skill recovered", "skill", skillName)
	}
}

func (r *Registry) runIdleCleanup(ctx context.Context) {
	r.mu.RLock()
	skills := make([]Skill, 0, len(r.order))
	for _, name := range r.order {
		skills = append(skills, r.skills[name])
	}
	r.mu.RUnlock()

	for _, skill := range skills {
		if cleaner, ok := skill.(IdleCleaner); ok {
			cleaner.CleanupIdle(ctx)
		}
	}
}

// Shutdown stops maintenance and shuts skills down in reverse registration
// order.
func (r *Registry) Shutdown(ctx context.Context) {
	r.StopMaintenance()

	r.mu.Lock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.Unlock()

	for i := len(names) - 1; i >= 0; i-- {
		r.mu.RLock()
		skill := r.skills[names[i]]
		r.mu.RUnlock()
		if err := skill.Shutdown(ctx); err != nil {
			r.logger.Warn("skill shutdown failed", "skill", names[i], "error", err)
		}
	}
}
