// Package store persists alert history, archived subagent runs, and user
// notification preferences.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// AlertRecord is one routed alert, delivered or suppressed.
type AlertRecord struct {
	ID                string          `json:"id"`
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	Severity          string          `json:"severity"`
	SourceSkill       string          `json:"source_skill"`
	Channel           string          `json:"channel,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	FormattedMessage  string          `json:"formatted_message,omitempty"`
	Delivered         bool            `json:"delivered"`
	Suppressed        bool            `json:"suppressed"`
	SuppressionReason string          `json:"suppression_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SubagentRun is the persisted record of one delegated run.
type SubagentRun struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Channel       string          `json:"channel"`
	ParentRunID   string          `json:"parent_run_id,omitempty"`
	Task          string          `json:"task"`
	Status        string          `json:"status"`
	Mode          string          `json:"mode"`
	Model         string          `json:"model,omitempty"`
	Provider      string          `json:"provider,omitempty"`
	Result        string          `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	InputTokens   int             `json:"input_tokens"`
	OutputTokens  int             `json:"output_tokens"`
	ToolCallCount int             `json:"tool_call_count"`
	TimeoutMS     int64           `json:"timeout_ms"`
	Transcript    json.RawMessage `json:"transcript,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	AllowedTools  []string        `json:"allowed_tools,omitempty"`
	BlockedTools  []string        `json:"blocked_tools,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ArchivedAt    *time.Time      `json:"archived_at,omitempty"`
}

// UserPreferences holds per-user notification settings. Quiet-hours fields
// are "HH:MM" strings in the user's timezone; empty means unset.
type UserPreferences struct {
	UserID          string `json:"user_id"`
	DNDEnabled      bool   `json:"dnd_enabled"`
	AlertsOnly      bool   `json:"alerts_only"`
	QuietHoursStart string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// AlertHistoryStore persists routed alerts.
type AlertHistoryStore interface {
	Insert(ctx context.Context, record *AlertRecord) error
	ListRecent(ctx context.Context, limit int) ([]*AlertRecord, error)
}

// SubagentRunStore persists archived subagent runs.
type SubagentRunStore interface {
	Insert(ctx context.Context, run *SubagentRun) error
	Get(ctx context.Context, id string) (*SubagentRun, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*SubagentRun, error)
}

// UserPreferencesStore persists notification preferences. Get returns
// ErrNotFound for users that never saved preferences.
type UserPreferencesStore interface {
	Get(ctx context.Context, userID string) (*UserPreferences, error)
	Upsert(ctx context.Context, prefs *UserPreferences) error
}

// StoreSet groups the persistence dependencies handed to the core.
type StoreSet struct {
	Alerts      AlertHistoryStore
	Runs        SubagentRunStore
	Preferences UserPreferencesStore
	closer      func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
