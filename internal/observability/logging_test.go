package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNewLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("auth failed", "detail", `api_key="abcdefghijklmnop1234" rejected`)

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnop1234") {
		t.Errorf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker: %s", out)
	}
}

func TestNewLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "loud") {
		t.Error("warn record missing")
	}
}

func TestContextAttrs(t *testing.T) {
	ctx := WithUserID(context.Background(), "u1")
	ctx = WithChannel(ctx, "telegram")

	attrs := ContextAttrs(ctx)
	joined := ""
	for _, a := range attrs {
		if s, ok := a.(string); ok {
			joined += s + " "
		}
	}
	if !strings.Contains(joined, "u1") || !strings.Contains(joined, "telegram") {
		t.Errorf("attrs = %v", attrs)
	}

	if got := ContextAttrs(context.Background()); len(got) != 0 {
		t.Errorf("empty context attrs = %v", got)
	}
}
