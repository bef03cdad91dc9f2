package confirm

import (
	"context"
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

func (b *capturingBus) byType(eventType string) []*events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*events.Event
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestManager_CreateAndConsume(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil)

	record, err := m.Create("u1", "telegram", "email_send", []byte(`{"to":"a@b.c"}`), "Send the email?")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(record.Token) < 8 {
		t.Errorf("token %q too short", record.Token)
	}

	got := m.Consume(context.Background(), record.Token, "u1")
	if got == nil || got.ToolName != "email_send" {
		t.Fatalf("consume = %+v", got)
	}

	// One-shot: a second consume returns nil.
	if m.Consume(context.Background(), record.Token, "u1") != nil {
		t.Error("token should be consumable exactly once")
	}
}

func TestManager_ConsumeWrongUser(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil)
	record, _ := m.Create("u1", "cli", "note_delete", nil, "")

	if m.Consume(context.Background(), record.Token, "u2") != nil {
		t.Error("wrong user must not consume")
	}
	// The token survives for the right user.
	if m.Consume(context.Background(), record.Token, "u1") == nil {
		t.Error("owner should still be able to consume")
	}
}

func TestManager_Expiry(t *testing.T) {
	m := NewManager(Config{TTL: time.Minute}, nil, nil)
	now := time.Now()
	m.now = func() time.Time { return now }

	record, _ := m.Create("u1", "cli", "x", nil, "")
	now = now.Add(2 * time.Minute)
	if m.Consume(context.Background(), record.Token, "u1") != nil {
		t.Error("expired token must not consume")
	}

	m.Sweep()
	if m.Pending() != 0 {
		t.Errorf("pending = %d after sweep, want 0", m.Pending())
	}
}

func TestManager_AbuseLockout(t *testing.T) {
	// S6: ten invalid attempts lock the user out, reject the valid token,
	// and publish one abuse alert. Another user is unaffected.
	bus := &capturingBus{}
	m := NewManager(DefaultConfig(), bus, nil)
	ctx := context.Background()

	valid, _ := m.Create("U", "telegram", "email_send", nil, "")
	other, _ := m.Create("V", "telegram", "note_create", nil, "")

	for i := 0; i < 10; i++ {
		if m.Consume(ctx, "wrong-token", "U") != nil {
			t.Fatal("invalid token consumed")
		}
	}

	if m.Consume(ctx, valid.Token, "U") != nil {
		t.Error("locked-out user must not consume valid token")
	}

	abuse := bus.byType(events.TypeAbuse)
	if len(abuse) != 1 {
		t.Fatalf("abuse events = %d, want 1", len(abuse))
	}
	if abuse[0].Payload["user_id"] != "U" {
		t.Errorf("abuse payload = %v", abuse[0].Payload)
	}

	if m.Consume(ctx, other.Token, "V") == nil {
		t.Error("other user's valid token should still consume")
	}
}

func TestManager_AbuseAlertOncePerTrigger(t *testing.T) {
	bus := &capturingBus{}
	m := NewManager(Config{AbuseThreshold: 3, AbuseWindow: time.Minute}, bus, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		m.Consume(ctx, "bad", "U")
	}
	if got := len(bus.byType(events.TypeAbuse)); got != 1 {
		t.Errorf("abuse events = %d, want 1", got)
	}
}
