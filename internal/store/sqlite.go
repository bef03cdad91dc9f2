package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// OpenSQLite opens (or creates) the SQLite database at path and returns the
// wired store set. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (StoreSet, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	set, err := NewSQLiteStoreSet(db)
	if err != nil {
		db.Close()
		return StoreSet{}, err
	}
	set.closer = db.Close
	return set, nil
}

// NewSQLiteStoreSet wraps an already-open database. The caller keeps
// ownership of db; Close on the returned set is a no-op.
func NewSQLiteStoreSet(db *sql.DB) (StoreSet, error) {
	if err := migrate(db); err != nil {
		return StoreSet{}, err
	}
	return StoreSet{
		Alerts:      &sqliteAlertHistory{db: db},
		Runs:        &sqliteSubagentRuns{db: db},
		Preferences: &sqliteUserPreferences{db: db},
	}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alert_history (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			source_skill TEXT NOT NULL,
			channel TEXT,
			payload TEXT,
			formatted_message TEXT,
			delivered INTEGER NOT NULL DEFAULT 0,
			suppressed INTEGER NOT NULL DEFAULT 0,
			suppression_reason TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_history_created ON alert_history(created_at)`,
		`CREATE TABLE IF NOT EXISTS subagent_runs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			parent_run_id TEXT,
			task TEXT NOT NULL,
			status TEXT NOT NULL,
			mode TEXT NOT NULL,
			model TEXT,
			provider TEXT,
			result TEXT,
			error TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			tool_call_count INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			transcript TEXT,
			metadata TEXT,
			allowed_tools TEXT,
			blocked_tools TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			archived_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subagent_runs_user ON subagent_runs(user_id)`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			user_id TEXT PRIMARY KEY,
			dnd_enabled INTEGER NOT NULL DEFAULT 0,
			alerts_only INTEGER NOT NULL DEFAULT 0,
			quiet_hours_start TEXT,
			quiet_hours_end TEXT,
			timezone TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type sqliteAlertHistory struct {
	db *sql.DB
}

func (s *sqliteAlertHistory) Insert(ctx context.Context, record *AlertRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_history
			(id, event_id, event_type, severity, source_skill, channel, payload,
			 formatted_message, delivered, suppressed, suppression_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.EventID, record.EventType, record.Severity,
		record.SourceSkill, record.Channel, string(record.Payload),
		record.FormattedMessage, record.Delivered, record.Suppressed,
		record.SuppressionReason, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert history: %w", err)
	}
	return nil
}

func (s *sqliteAlertHistory) ListRecent(ctx context.Context, limit int) ([]*AlertRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, severity, source_skill, channel, payload,
		       formatted_message, delivered, suppressed, suppression_reason, created_at
		FROM alert_history ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alert history: %w", err)
	}
	defer rows.Close()

	var out []*AlertRecord
	for rows.Next() {
		var r AlertRecord
		var channel, payload, formatted, reason sql.NullString
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.Severity,
			&r.SourceSkill, &channel, &payload, &formatted,
			&r.Delivered, &r.Suppressed, &reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert history: %w", err)
		}
		r.Channel = channel.String
		if payload.String != "" {
			r.Payload = json.RawMessage(payload.String)
		}
		r.FormattedMessage = formatted.String
		r.SuppressionReason = reason.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

type sqliteSubagentRuns struct {
	db *sql.DB
}

func (s *sqliteSubagentRuns) Insert(ctx context.Context, run *SubagentRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subagent_runs
			(id, user_id, channel, parent_run_id, task, status, mode, model, provider,
			 result, error, input_tokens, output_tokens, tool_call_count, timeout_ms,
			 transcript, metadata, allowed_tools, blocked_tools,
			 created_at, started_at, completed_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.UserID, run.Channel, run.ParentRunID, run.Task, run.Status,
		run.Mode, run.Model, run.Provider, run.Result, run.Error,
		run.InputTokens, run.OutputTokens, run.ToolCallCount, run.TimeoutMS,
		string(run.Transcript), string(run.Metadata),
		joinList(run.AllowedTools), joinList(run.BlockedTools),
		run.CreatedAt, run.StartedAt, run.CompletedAt, run.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subagent run: %w", err)
	}
	return nil
}

func (s *sqliteSubagentRuns) Get(ctx context.Context, id string) (*SubagentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel, parent_run_id, task, status, mode, model, provider,
		       result, error, input_tokens, output_tokens, tool_call_count, timeout_ms,
		       transcript, metadata, allowed_tools, blocked_tools,
		       created_at, started_at, completed_at, archived_at
		FROM subagent_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return run, err
}

func (s *sqliteSubagentRuns) ListByUser(ctx context.Context, userID string, limit int) ([]*SubagentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, channel, parent_run_id, task, status, mode, model, provider,
		       result, error, input_tokens, output_tokens, tool_call_count, timeout_ms,
		       transcript, metadata, allowed_tools, blocked_tools,
		       created_at, started_at, completed_at, archived_at
		FROM subagent_runs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list subagent runs: %w", err)
	}
	defer rows.Close()

	var out []*SubagentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*SubagentRun, error) {
	var run SubagentRun
	var parent, model, provider, result, runErr sql.NullString
	var transcript, metadata, allowed, blocked sql.NullString
	var started, completed, archived sql.NullTime
	err := row.Scan(&run.ID, &run.UserID, &run.Channel, &parent, &run.Task,
		&run.Status, &run.Mode, &model, &provider, &result, &runErr,
		&run.InputTokens, &run.OutputTokens, &run.ToolCallCount, &run.TimeoutMS,
		&transcript, &metadata, &allowed, &blocked,
		&run.CreatedAt, &started, &completed, &archived)
	if err != nil {
		return nil, err
	}
	run.ParentRunID = parent.String
	run.Model = model.String
	run.Provider = provider.String
	run.Result = result.String
	run.Error = runErr.String
	if transcript.String != "" {
		run.Transcript = json.RawMessage(transcript.String)
	}
	if metadata.String != "" {
		run.Metadata = json.RawMessage(metadata.String)
	}
	run.AllowedTools = splitList(allowed.String)
	run.BlockedTools = splitList(blocked.String)
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	if archived.Valid {
		run.ArchivedAt = &archived.Time
	}
	return &run, nil
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

type sqliteUserPreferences struct {
	db *sql.DB
}

func (s *sqliteUserPreferences) Get(ctx context.Context, userID string) (*UserPreferences, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, dnd_enabled, alerts_only, quiet_hours_start, quiet_hours_end, timezone
		FROM user_preferences WHERE user_id = ?`, userID)
	var prefs UserPreferences
	var start, end, tz sql.NullString
	err := row.Scan(&prefs.UserID, &prefs.DNDEnabled, &prefs.AlertsOnly, &start, &end, &tz)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	prefs.QuietHoursStart = start.String
	prefs.QuietHoursEnd = end.String
	prefs.Timezone = tz.String
	return &prefs, nil
}

func (s *sqliteUserPreferences) Upsert(ctx context.Context, prefs *UserPreferences) error {
	if prefs.UserID == "" {
		return fmt.Errorf("upsert preferences: user id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences
			(user_id, dnd_enabled, alerts_only, quiet_hours_start, quiet_hours_end, timezone)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			dnd_enabled = excluded.dnd_enabled,
			alerts_only = excluded.alerts_only,
			quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end = excluded.quiet_hours_end,
			timezone = excluded.timezone`,
		prefs.UserID, prefs.DNDEnabled, prefs.AlertsOnly,
		prefs.QuietHoursStart, prefs.QuietHoursEnd, prefs.Timezone,
	)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}
