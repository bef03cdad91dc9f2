package alerts

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/coda/internal/events"
)

// Severity colors shared by all rich sinks.
const (
	ColorHigh   = "#FF0000"
	ColorMedium = "#FF8C00"
	ColorLow    = "#3498DB"
)

// ColorFor maps a severity to its display color.
func ColorFor(severity events.Severity) string {
	switch severity {
	case events.SeverityHigh:
		return ColorHigh
	case events.SeverityMedium:
		return ColorMedium
	default:
		return ColorLow
	}
}

// Field is one labeled value in a rich alert.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Formatted is the sink-independent rich representation of an alert, with
// a plain-text fallback for sinks that cannot render rich content.
type Formatted struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
	Plain  string
}

// Formatter renders one event type. Formatters are pure functions.
type Formatter func(event *events.Event) *Formatted

// DefaultFormatter renders any alert from its type, source, and payload.
func DefaultFormatter(event *events.Event) *Formatted {
	title := titleFor(event.Type)
	body := payloadSummary(event.Payload)
	plain := title
	if body != "" {
		plain = title + "\n" + body
	}
	f := &Formatted{
		Title: title,
		Body:  body,
		Color: ColorFor(event.Severity),
		Plain: plain,
	}
	if event.SourceSkill != "" {
		f.Fields = append(f.Fields, Field{Name: "Source", Value: event.SourceSkill, Inline: true})
	}
	f.Fields = append(f.Fields, Field{Name: "Severity", Value: string(event.Severity), Inline: true})
	return f
}

func titleFor(eventType string) string {
	parts := strings.Split(eventType, ".")
	if parts[0] == "alert" {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

func payloadSummary(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		switch v := payload[k].(type) {
		case string:
			fmt.Fprintf(&b, "%s: %s", k, v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				fmt.Fprintf(&b, "%s: %v", k, v)
				continue
			}
			fmt.Fprintf(&b, "%s: %s", k, raw)
		}
	}
	return b.String()
}

// deadLetterFormatter surfaces what failed and which handler gave up.
func deadLetterFormatter(event *events.Event) *Formatted {
	f := DefaultFormatter(event)
	f.Title = "Event processing failed"
	return f
}

// abuseFormatter flags repeated invalid confirmation attempts.
func abuseFormatter(event *events.Event) *Formatted {
	f := DefaultFormatter(event)
	f.Title = "Confirmation abuse detected"
	return f
}

func builtinFormatters() map[string]Formatter {
	return map[string]Formatter{
		events.TypeDeadLetter: deadLetterFormatter,
		events.TypeAbuse:      abuseFormatter,
	}
}
