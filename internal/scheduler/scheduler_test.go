package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/coda/internal/events"
)

type capturingBus struct {
	mu     sync.Mutex
	events []*events.Event
}

func (b *capturingBus) Publish(_ context.Context, e *events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func TestScheduler_RunDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 59, 30, 0, time.UTC)
	s := New(WithNow(func() time.Time { return now }))

	var runs int
	err := s.Register("memory.daily_summary", "0 9 * * *", func(context.Context) error {
		runs++
		return nil
	}, true, "daily memory digest")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := s.RunDue(context.Background()); got != 0 {
		t.Errorf("ran %d tasks before due time", got)
	}

	now = time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	if got := s.RunDue(context.Background()); got != 1 || runs != 1 {
		t.Errorf("due dispatch: ran=%d handler=%d", got, runs)
	}

	// Same tick must not re-run; next day's 09:00 must.
	if got := s.RunDue(context.Background()); got != 0 {
		t.Errorf("re-ran within same schedule slot: %d", got)
	}
	now = now.Add(24 * time.Hour)
	if got := s.RunDue(context.Background()); got != 1 || runs != 2 {
		t.Errorf("next-day dispatch: ran=%d handler=%d", got, runs)
	}
}

func TestScheduler_InvalidExpression(t *testing.T) {
	s := New()
	err := s.Register("bad", "not a cron", func(context.Context) error { return nil }, true, "")
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestScheduler_ConfigOverrides(t *testing.T) {
	disabled := false
	s := New(WithOverrides(map[string]Override{
		"email.poll": {Schedule: "*/5 * * * *", Enabled: &disabled},
	}))

	if err := s.Register("email.poll", "* * * * *", func(context.Context) error { return nil }, true, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := s.Tasks()[0]
	if task.Expr != "*/5 * * * *" {
		t.Errorf("expr = %q, override not applied", task.Expr)
	}
	if task.Enabled {
		t.Error("enabled override not applied")
	}
}

func TestScheduler_TogglePublishesEvent(t *testing.T) {
	bus := &capturingBus{}
	s := New(WithBus(bus))
	s.Register("email.poll", "* * * * *", func(context.Context) error { return nil }, true, "")

	if err := s.Toggle(context.Background(), "email.poll", false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := s.Toggle(context.Background(), "missing", true); err == nil {
		t.Error("toggle of unknown task should fail")
	}

	if len(bus.events) != 1 {
		t.Fatalf("events = %d, want 1", len(bus.events))
	}
	e := bus.events[0]
	if e.Type != events.TypeTaskToggled || e.SourceSkill != "scheduler" {
		t.Errorf("event = %s from %s", e.Type, e.SourceSkill)
	}
	if e.Payload["previous"] != true || e.Payload["current"] != false {
		t.Errorf("payload = %v", e.Payload)
	}

	disabled := s.Tasks()[0]
	if disabled.Enabled {
		t.Error("task still enabled after toggle")
	}
	if s.RunDue(context.Background()) != 0 {
		t.Error("disabled task must not run")
	}
}

func TestScheduler_ClientNamespacesTasks(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 30, 0, time.UTC)
	s := New(WithNow(func() time.Time { return now }))
	client := s.Client("reminders")

	ran := false
	if err := client.RegisterTask("due_check", "* * * * *", func(context.Context) error {
		ran = true
		return nil
	}, true, "check due reminders"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := s.Tasks()[0].Name; got != "reminders.due_check" {
		t.Errorf("task name = %q, want namespaced", got)
	}

	now = now.Add(time.Minute)
	s.RunDue(context.Background())
	if !ran {
		t.Error("namespaced task did not run")
	}
}

func TestScheduler_HandlerFailureRecorded(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 30, 0, time.UTC)
	s := New(WithNow(func() time.Time { return now }))
	s.Register("flaky", "* * * * *", func(context.Context) error {
		return errors.New("imap timeout")
	}, true, "")

	now = now.Add(time.Minute)
	s.RunDue(context.Background())
	if got := s.Tasks()[0].LastError; got != "imap timeout" {
		t.Errorf("last error = %q", got)
	}

	// A panicking handler is contained and recorded.
	s.Register("panicky", "* * * * *", func(context.Context) error {
		panic("boom")
	}, true, "")
	now = now.Add(time.Minute)
	s.RunDue(context.Background())
	for _, task := range s.Tasks() {
		if task.Name == "panicky" && task.LastError == "" {
			t.Error("panic not recorded as task error")
		}
	}
}
