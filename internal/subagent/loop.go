package subagent

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/haasonsaas/coda/internal/skills"
)

// runLoop drives the provider/tool conversation until the model produces a
// final answer or a limit trips. Cancellation is observed at loop
// boundaries, never mid tool execution.
func (m *Manager) runLoop(ctx context.Context, run *Run) (string, error) {
	catalog := m.toolCatalog(run)

	messages := []Message{{Role: "user", Content: run.Task}}
	m.appendTranscript(run, TranscriptEntry{Role: "user", Content: run.Task, Timestamp: m.now().UTC()})

	for {
		if err := m.checkpoint(ctx, run); err != nil {
			return "", err
		}

		resp, err := m.provider.Chat(ctx, &ChatRequest{
			Model:    run.Model,
			System:   run.SystemPrompt,
			Messages: messages,
			Tools:    catalog,
		})
		if err != nil {
			if ctxErr := m.checkpoint(ctx, run); ctxErr != nil {
				return "", ctxErr
			}
			return "", err
		}
		m.recordUsage(run, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			m.appendTranscript(run, TranscriptEntry{Role: "assistant", Content: resp.Text, Timestamp: m.now().UTC()})
			return resp.Text, nil
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		m.appendTranscript(run, TranscriptEntry{Role: "assistant", Content: resp.Text, Timestamp: m.now().UTC()})

		var results []ToolResult
		for _, call := range resp.ToolCalls {
			if err := m.checkpoint(ctx, run); err != nil {
				return "", err
			}
			if err := m.countToolCall(run); err != nil {
				return "", err
			}

			exec := m.tools.Execute(ctx, call.Name, call.Input)
			results = append(results, ToolResult{
				ToolCallID: call.ID,
				Content:    exec.Content,
				IsError:    exec.IsError,
			})
			m.appendTranscript(run, TranscriptEntry{
				Role:       "tool",
				ToolName:   call.Name,
				ToolInput:  call.Input,
				ToolResult: exec.Content,
				IsError:    exec.IsError,
				Timestamp:  m.now().UTC(),
			})
		}
		messages = append(messages, Message{Role: "tool", ToolResults: results})
	}
}

// toolCatalog builds the run's visible tool set: main-agent-only tools are
// always hidden, the request's blocklist is applied, and a non-empty
// allowlist restricts the rest by name.
func (m *Manager) toolCatalog(run *Run) []skills.ToolDefinition {
	defs := m.tools.List(skills.ListFilter{
		ExcludeMainAgentOnly: true,
		BlockedTools:         run.BlockedTools,
	})
	if len(run.AllowedTools) == 0 {
		return defs
	}
	var out []skills.ToolDefinition
	for _, def := range defs {
		if slices.Contains(run.AllowedTools, def.Name) {
			out = append(out, def)
		}
	}
	return out
}

// checkpoint reports cancellation or deadline expiry. The stop flag wins
// over the context error so user stops are not reported as timeouts.
func (m *Manager) checkpoint(ctx context.Context, run *Run) error {
	m.mu.Lock()
	cancelled := run.cancelled
	m.mu.Unlock()
	if cancelled {
		return ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("wall clock limit of %s reached: %w", run.Timeout, err)
		}
		return err
	}
	return nil
}

func (m *Manager) recordUsage(run *Run, usage Usage) {
	m.mu.Lock()
	run.InputTokens += usage.InputTokens
	run.OutputTokens += usage.OutputTokens
	m.mu.Unlock()

	if m.metrics != nil {
		labels := []string{run.Provider, run.Model, "input"}
		m.metrics.SubagentTokens.WithLabelValues(labels...).Add(float64(usage.InputTokens))
		labels[2] = "output"
		m.metrics.SubagentTokens.WithLabelValues(labels...).Add(float64(usage.OutputTokens))
	}
}

// countToolCall enforces the per-run tool call and token ceilings before
// the next tool executes.
func (m *Manager) countToolCall(run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ToolCallCount >= m.config.MaxToolCallsPerRun {
		return fmt.Errorf("%w: %d calls", ErrToolCallLimit, run.ToolCallCount)
	}
	if run.InputTokens+run.OutputTokens >= run.TokenBudget {
		return fmt.Errorf("%w: %d tokens used of %d", ErrTokenBudgetExhausted, run.InputTokens+run.OutputTokens, run.TokenBudget)
	}
	run.ToolCallCount++
	return nil
}

func (m *Manager) appendTranscript(run *Run, entry TranscriptEntry) {
	m.mu.Lock()
	run.Transcript = append(run.Transcript, entry)
	m.mu.Unlock()
}
