// Package skills maintains the catalog of tool-providing modules and routes
// tool execution through health tracking, input validation, and resilient
// retries.
package skills

import (
	"context"
	"encoding/json"
)

// PermissionTier encodes how destructive a tool is. Higher tiers demand
// confirmation or a safety-review pass before execution; gating itself
// happens at the orchestrator.
type PermissionTier int

const (
	// TierReadOnly covers read-only and cleanup operations.
	TierReadOnly PermissionTier = 0
	// TierStandard covers ordinary mutations within the user's own data.
	TierStandard PermissionTier = 1
	// TierSensitive covers operations that leave the device or spend money.
	TierSensitive PermissionTier = 2
	// TierPrivileged covers operations that can change system behavior.
	TierPrivileged PermissionTier = 3
)

// ToolDefinition describes one tool owned by a skill. Tool names are
// globally unique across the registry.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	// Schema is a JSON-schema subset describing the tool input. Inputs are
	// validated against it at the registry boundary.
	Schema               map[string]any `json:"schema,omitempty"`
	PermissionTier       PermissionTier `json:"permission_tier"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	RequiresCritique     bool           `json:"requires_critique"`
	Sensitive            bool           `json:"sensitive"`
	// MainAgentOnly hides the tool from subagents.
	MainAgentOnly bool `json:"main_agent_only"`
}

// Skill is a tool-providing module. Implementations must return
// already-sanitized strings for any content that originated off-device
// (see the sanitize package).
type Skill interface {
	// Name is the unique skill identifier.
	Name() string
	// Tools lists the tools this skill owns.
	Tools() []ToolDefinition
	// Execute runs one of the skill's tools.
	Execute(ctx context.Context, tool string, input json.RawMessage) (string, error)
	// Init prepares the skill with its validated configuration.
	Init(ctx context.Context, config map[string]string) error
	// Shutdown releases the skill's resources.
	Shutdown(ctx context.Context) error
	// RequiredConfig names the config keys that must be present at
	// registration.
	RequiredConfig() []string
}

// Prober is implemented by skills that support cheap recovery probes while
// marked unavailable.
type Prober interface {
	Probe(ctx context.Context) error
}

// IdleCleaner is implemented by skills holding external resources (browser
// sessions, device connections) that should be released when idle.
type IdleCleaner interface {
	CleanupIdle(ctx context.Context)
}

// ListFilter narrows the tool catalog returned by List.
type ListFilter struct {
	// AllowedSkills restricts the catalog to these skills when non-empty.
	AllowedSkills []string
	// BlockedTools removes these tool names.
	BlockedTools []string
	// ExcludeMainAgentOnly hides privileged tools from subagents.
	ExcludeMainAgentOnly bool
}

// ExecResult is the outcome of a routed tool execution. Failures are
// surfaced as sanitized result strings, never as panics or stack traces.
type ExecResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}
