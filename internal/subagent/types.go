// Package subagent delegates bounded sub-tasks to a language-model worker
// that can call registered tools. Runs are admission-checked, capped per
// user and globally, cancellable, and archived after a retention window.
package subagent

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Mode distinguishes sync delegation from async spawns.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Admission and termination failures. Admission errors are returned before
// any provider I/O happens.
var (
	ErrDisabled         = errors.New("disabled")
	ErrRecursionBlocked = errors.New("recursion_blocked")
	ErrRateLimited      = errors.New("rate_limited")
	ErrUserSaturated    = errors.New("user_saturated")
	ErrGlobalSaturated  = errors.New("global_saturated")
	ErrUnknownTools     = errors.New("unknown_tools")

	ErrTokenBudgetExhausted = errors.New("token_budget_exhausted")
	ErrToolCallLimit        = errors.New("tool_call_limit_exceeded")
	ErrCancelled            = errors.New("cancelled")

	ErrRunNotFound = errors.New("run not found")
	ErrNotOwner    = errors.New("not run owner")
)

// Config configures the manager. Durations replace the minute/second knobs
// of the flat config surface.
type Config struct {
	Enabled              bool          `yaml:"enabled"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	MaxTimeout           time.Duration `yaml:"max_timeout"`
	SyncTimeout          time.Duration `yaml:"sync_timeout"`
	MaxConcurrentPerUser int           `yaml:"max_concurrent_per_user"`
	MaxConcurrentGlobal  int           `yaml:"max_concurrent_global"`
	ArchiveTTL           time.Duration `yaml:"archive_ttl"`
	MaxToolCallsPerRun   int           `yaml:"max_tool_calls_per_run"`
	DefaultTokenBudget   int           `yaml:"default_token_budget"`
	MaxTokenBudget       int           `yaml:"max_token_budget"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`

	// Presets are named specialist profiles resolvable by SpecialistSpawn.
	Presets map[string]Preset `yaml:"presets"`
}

// DefaultConfig returns the subagent defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		DefaultTimeout:       10 * time.Minute,
		MaxTimeout:           60 * time.Minute,
		SyncTimeout:          120 * time.Second,
		MaxConcurrentPerUser: 3,
		MaxConcurrentGlobal:  10,
		ArchiveTTL:           30 * time.Minute,
		MaxToolCallsPerRun:   25,
		DefaultTokenBudget:   50000,
		MaxTokenBudget:       200000,
		CleanupInterval:      60 * time.Second,
	}
}

// Preset is a named specialist profile.
type Preset struct {
	SystemPrompt string   `yaml:"system_prompt"`
	AllowedTools []string `yaml:"allowed_tools"`
	TokenBudget  int      `yaml:"token_budget"`
}

// Envelope is opaque observability metadata attached to a run. It is never
// consulted for control decisions.
type Envelope struct {
	TaskType         string   `json:"task_type,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	RequesterID      string   `json:"requester_id,omitempty"`
	RequesterChannel string   `json:"requester_channel,omitempty"`
	CorrelationID    string   `json:"correlation_id,omitempty"`
}

// TranscriptEntry is one step of a run's conversation.
type TranscriptEntry struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Run is the live record of one delegated task. The manager hands out
// copies; the canonical record lives in the manager's table.
type Run struct {
	ID           string
	UserID       string
	Channel      string
	ParentRunID  string
	Task         string
	Status       Status
	Mode         Mode
	Model        string
	Provider     string
	SystemPrompt string

	Result string
	Error  string

	InputTokens   int
	OutputTokens  int
	ToolCallCount int
	TokenBudget   int
	Timeout       time.Duration

	Transcript   []TranscriptEntry
	Envelope     *Envelope
	AllowedTools []string
	BlockedTools []string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	cancelled bool
	cancel    func()
}

// Request describes a delegation or spawn.
type Request struct {
	UserID       string
	Channel      string
	Task         string
	SystemPrompt string
	Model        string
	AllowedTools []string
	BlockedTools []string
	TokenBudget  int
	Timeout      time.Duration
	Envelope     *Envelope
}

// Result is the outcome handed back to the orchestrator. Output is already
// wrapped as untrusted subagent content.
type Result struct {
	RunID         string
	Output        string
	InputTokens   int
	OutputTokens  int
	ToolCallCount int
}
