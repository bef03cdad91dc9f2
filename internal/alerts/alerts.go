// Package alerts routes alert.* events to delivery sinks, applying
// severity thresholds, quiet hours, and cooldown deduplication, and
// persisting the outcome of every routed event.
package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/coda/internal/events"
)

// Rule decides how one event type is delivered.
type Rule struct {
	// Severity is the minimum severity that passes the gate.
	Severity events.Severity `yaml:"severity" json:"severity"`
	// Channels names the sinks this event type is delivered to.
	Channels []string `yaml:"channels" json:"channels"`
	// QuietHours marks the rule eligible for quiet-hours suppression.
	QuietHours bool `yaml:"quiet_hours" json:"quietHours"`
	// Cooldown suppresses repeats of (eventType, sourceSkill) for this long.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

// QuietHoursConfig is the global quiet-hours policy. Start and End are
// "HH:MM" wall-clock strings in Timezone; the window may wrap midnight.
type QuietHoursConfig struct {
	Enabled            bool              `yaml:"enabled" json:"enabled"`
	Start              string            `yaml:"start" json:"start"`
	End                string            `yaml:"end" json:"end"`
	Timezone           string            `yaml:"timezone" json:"timezone"`
	OverrideSeverities []events.Severity `yaml:"override_severities" json:"override_severities"`
}

// Config configures the router.
type Config struct {
	Rules      map[string]Rule  `yaml:"rules" json:"rules"`
	QuietHours QuietHoursConfig `yaml:"quiet_hours" json:"quiet_hours"`
}

// DefaultConfig returns an empty rule set with quiet hours disabled.
func DefaultConfig() Config {
	return Config{Rules: map[string]Rule{}}
}

func (q QuietHoursConfig) overrides(severity events.Severity) bool {
	for _, s := range q.OverrideSeverities {
		if s == severity {
			return true
		}
	}
	return false
}

// within reports whether now falls inside the configured window. A window
// whose start equals its end is empty.
func (q QuietHoursConfig) within(now time.Time) (bool, error) {
	return withinWindow(now, q.Start, q.End, q.Timezone)
}

func withinWindow(now time.Time, start, end, timezone string) (bool, error) {
	startMin, err := parseClock(start)
	if err != nil {
		return false, fmt.Errorf("quiet hours start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return false, fmt.Errorf("quiet hours end: %w", err)
	}
	if startMin == endMin {
		return false, nil
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return false, fmt.Errorf("quiet hours timezone: %w", err)
		}
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if startMin < endMin {
		return minute >= startMin && minute < endMin, nil
	}
	// Wraps midnight, e.g. 22:00-07:00.
	return minute >= startMin || minute < endMin, nil
}

func parseClock(value string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM, got %q", value)
	}
	var h, m int
	if _, err := fmt.Sscanf(parts[0]+" "+parts[1], "%d %d", &h, &m); err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", value)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock out of range: %q", value)
	}
	return h*60 + m, nil
}

// CooldownKey names the shared-store key that deduplicates repeats.
func CooldownKey(eventType, sourceSkill string) string {
	return "cooldown:" + eventType + ":" + sourceSkill
}
