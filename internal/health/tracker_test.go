package health

import (
	"testing"
	"time"
)

func TestTracker_Transitions(t *testing.T) {
	tracker := NewTracker(Config{DegradedThreshold: 3, UnavailableThreshold: 5, RecoveryWindow: time.Minute})

	if tracker.Status("mail") != StatusHealthy {
		t.Error("unknown skill should start healthy")
	}

	for i := 0; i < 2; i++ {
		tracker.RecordFailure("mail")
	}
	if got := tracker.Status("mail"); got != StatusHealthy {
		t.Errorf("status after 2 failures = %s, want healthy", got)
	}

	tracker.RecordFailure("mail")
	if got := tracker.Status("mail"); got != StatusDegraded {
		t.Errorf("status after 3 failures = %s, want degraded", got)
	}

	tracker.RecordFailure("mail")
	tracker.RecordFailure("mail")
	if got := tracker.Status("mail"); got != StatusUnavailable {
		t.Errorf("status after 5 failures = %s, want unavailable", got)
	}
}

func TestTracker_SuccessResets(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	for i := 0; i < 4; i++ {
		tracker.RecordFailure("calendar")
	}
	tracker.RecordSuccess("calendar")

	snap := tracker.Snapshot()["calendar"]
	if snap.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", snap.Status)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0", snap.ConsecutiveFailures)
	}
	if snap.TotalFailures != 4 || snap.TotalSuccesses != 1 {
		t.Errorf("totals = %d/%d, want 4/1", snap.TotalFailures, snap.TotalSuccesses)
	}
}

func TestTracker_RecoveryProbe(t *testing.T) {
	tracker := NewTracker(Config{DegradedThreshold: 3, UnavailableThreshold: 5, RecoveryWindow: 100 * time.Millisecond})

	now := time.Now()
	tracker.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("browser")
	}
	if tracker.IsAvailable("browser") {
		t.Error("unavailable skill inside window should be blocked")
	}

	// After the window, a probe is permitted and status flips to degraded.
	now = now.Add(150 * time.Millisecond)
	if !tracker.IsAvailable("browser") {
		t.Error("probe should be permitted after recovery window")
	}
	if got := tracker.Status("browser"); got != StatusDegraded {
		t.Errorf("status after probe admission = %s, want degraded", got)
	}
}

func TestTracker_ProbeCandidates(t *testing.T) {
	tracker := NewTracker(Config{DegradedThreshold: 1, UnavailableThreshold: 2, RecoveryWindow: 50 * time.Millisecond})

	now := time.Now()
	tracker.now = func() time.Time { return now }

	tracker.RecordFailure("a")
	tracker.RecordFailure("a")
	tracker.RecordFailure("b")

	if got := tracker.ProbeCandidates(); len(got) != 0 {
		t.Errorf("candidates inside window = %v, want none", got)
	}

	now = now.Add(time.Second)
	got := tracker.ProbeCandidates()
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("candidates = %v, want [a]", got)
	}
}
