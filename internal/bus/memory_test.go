package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/coda/internal/events"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig(), nil)
	defer b.Close()

	got := make(chan *events.Event, 1)
	b.Subscribe("alert.*", func(_ context.Context, e *events.Event) error {
		got <- e
		return nil
	})

	if err := b.StartConsumer(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), events.New("alert.email.urgent", "email", events.SeverityHigh, nil)); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-got:
		if e.ID == "" {
			t.Error("event id should be assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestMemoryBus_DeadLetterAfterRetries(t *testing.T) {
	config := DefaultConfig()
	config.MaxRetries = 3
	b := NewMemoryBus(config, nil)
	defer b.Close()

	var calls atomic.Int32
	b.Subscribe("reminder.*", func(context.Context, *events.Event) error {
		calls.Add(1)
		return errors.New("always fails")
	})

	if err := b.StartConsumer(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), events.New("reminder.due", "reminders", events.SeverityMedium, nil)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.DeadLetters()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	dead := b.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Handler != "reminder.*:0" {
		t.Errorf("handler = %s", dead[0].Handler)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}
}

func TestMemoryBus_IdempotentAcrossRepublish(t *testing.T) {
	b := NewMemoryBus(DefaultConfig(), nil)
	defer b.Close()

	var calls atomic.Int32
	done := make(chan struct{}, 2)
	b.Subscribe("memory.*", func(context.Context, *events.Event) error {
		calls.Add(1)
		done <- struct{}{}
		return nil
	})

	if err := b.StartConsumer(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Same event id published twice: the receipt suppresses the second run.
	e := events.New("memory.saved", "memory", events.SeverityLow, nil)
	b.Publish(context.Background(), e)
	<-done
	copyEvent := *e
	b.Publish(context.Background(), &copyEvent)

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	b := NewMemoryBus(DefaultConfig(), nil)
	b.Close()
	if err := b.Publish(context.Background(), events.New("x.y", "", events.SeverityLow, nil)); err == nil {
		t.Error("publish after close should fail")
	}
}
