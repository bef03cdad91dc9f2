package alerts

import (
	"strings"
	"testing"

	"github.com/haasonsaas/coda/internal/events"
)

func TestColorFor(t *testing.T) {
	cases := []struct {
		severity events.Severity
		want     string
	}{
		{events.SeverityHigh, "#FF0000"},
		{events.SeverityMedium, "#FF8C00"},
		{events.SeverityLow, "#3498DB"},
		{"", "#3498DB"},
	}
	for _, tc := range cases {
		if got := ColorFor(tc.severity); got != tc.want {
			t.Errorf("ColorFor(%q) = %s, want %s", tc.severity, got, tc.want)
		}
	}
}

func TestDefaultFormatter(t *testing.T) {
	event := events.New("alert.email.urgent", "email", events.SeverityHigh, map[string]any{
		"subject": "invoice overdue",
		"count":   3,
	})
	f := DefaultFormatter(event)

	if f.Title != "Email Urgent" {
		t.Errorf("title = %q", f.Title)
	}
	if f.Color != ColorHigh {
		t.Errorf("color = %s", f.Color)
	}
	if !strings.Contains(f.Body, "subject: invoice overdue") || !strings.Contains(f.Body, "count: 3") {
		t.Errorf("body = %q", f.Body)
	}
	if !strings.Contains(f.Plain, "Email Urgent") {
		t.Errorf("plain = %q", f.Plain)
	}

	var source, severity bool
	for _, field := range f.Fields {
		switch field.Name {
		case "Source":
			source = field.Value == "email"
		case "Severity":
			severity = field.Value == "high"
		}
	}
	if !source || !severity {
		t.Errorf("fields = %+v", f.Fields)
	}
}

func TestHexColor(t *testing.T) {
	if got := hexColor("#FF8C00"); got != 0xFF8C00 {
		t.Errorf("hexColor = %x", got)
	}
	if got := hexColor("not-a-color"); got != 0 {
		t.Errorf("invalid color = %d, want 0", got)
	}
}
