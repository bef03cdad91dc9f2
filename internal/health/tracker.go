// Package health tracks per-skill success and failure history and derives a
// coarse availability status used to gate tool execution.
//
// Status moves healthy -> degraded -> unavailable as consecutive failures
// accumulate, and snaps back to healthy on any success. An unavailable skill
// becomes eligible for a single recovery probe once the recovery window has
// elapsed since its last failure.
package health

import (
	"sync"
	"time"
)

// Status is the availability of a skill.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// Config configures the status thresholds.
type Config struct {
	// DegradedThreshold is the consecutive-failure count at which a skill
	// is marked degraded.
	DegradedThreshold int `yaml:"degraded_threshold"`
	// UnavailableThreshold is the consecutive-failure count at which a
	// skill is marked unavailable.
	UnavailableThreshold int `yaml:"unavailable_threshold"`
	// RecoveryWindow is how long an unavailable skill stays blocked before
	// a recovery probe is permitted.
	RecoveryWindow time.Duration `yaml:"recovery_window"`
}

// DefaultConfig returns the default health thresholds.
func DefaultConfig() Config {
	return Config{
		DegradedThreshold:    3,
		UnavailableThreshold: 10,
		RecoveryWindow:       60 * time.Second,
	}
}

// SkillHealth is the tracked state for one skill.
type SkillHealth struct {
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalFailures       int64     `json:"total_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// Tracker records execution outcomes per skill. All methods are safe for
// concurrent use.
type Tracker struct {
	mu     sync.Mutex
	config Config
	skills map[string]*SkillHealth
	now    func() time.Time
}

// NewTracker creates a tracker with the given thresholds.
func NewTracker(config Config) *Tracker {
	if config.DegradedThreshold <= 0 {
		config.DegradedThreshold = 3
	}
	if config.UnavailableThreshold <= 0 {
		config.UnavailableThreshold = 10
	}
	if config.RecoveryWindow <= 0 {
		config.RecoveryWindow = 60 * time.Second
	}
	return &Tracker{
		config: config,
		skills: make(map[string]*SkillHealth),
		now:    time.Now,
	}
}

func (t *Tracker) get(skill string) *SkillHealth {
	h := t.skills[skill]
	if h == nil {
		h = &SkillHealth{Status: StatusHealthy}
		t.skills[skill] = h
	}
	return h
}

// RecordSuccess marks the skill healthy and resets its failure streak.
func (t *Tracker) RecordSuccess(skill string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.get(skill)
	h.Status = StatusHealthy
	h.ConsecutiveFailures = 0
	h.TotalSuccesses++
	h.LastSuccess = t.now()
}

// RecordFailure increments the failure streak and downgrades status when a
// threshold is crossed. Returns the resulting status.
func (t *Tracker) RecordFailure(skill string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.get(skill)
	h.ConsecutiveFailures++
	h.TotalFailures++
	h.LastFailure = t.now()

	switch {
	case h.ConsecutiveFailures >= t.config.UnavailableThreshold:
		h.Status = StatusUnavailable
	case h.ConsecutiveFailures >= t.config.DegradedThreshold:
		h.Status = StatusDegraded
	}
	return h.Status
}

// IsAvailable reports whether the skill may execute. An unavailable skill
// inside the recovery window is blocked; once the window elapses the call
// flips the skill to degraded and permits one probe attempt.
func (t *Tracker) IsAvailable(skill string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.get(skill)
	if h.Status != StatusUnavailable {
		return true
	}
	if t.now().Sub(h.LastFailure) >= t.config.RecoveryWindow {
		h.Status = StatusDegraded
		return true
	}
	return false
}

// Status returns the current status for a skill. Unknown skills are healthy.
func (t *Tracker) Status(skill string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(skill).Status
}

// ProbeCandidates returns the unavailable skills whose recovery window has
// elapsed, without changing their state. The registry's probe ticker uses
// this to schedule recovery attempts.
func (t *Tracker) ProbeCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	now := t.now()
	for name, h := range t.skills {
		if h.Status == StatusUnavailable && now.Sub(h.LastFailure) >= t.config.RecoveryWindow {
			out = append(out, name)
		}
	}
	return out
}

// Snapshot returns a copy of all tracked skill health records.
func (t *Tracker) Snapshot() map[string]SkillHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]SkillHealth, len(t.skills))
	for name, h := range t.skills {
		out[name] = *h
	}
	return out
}
