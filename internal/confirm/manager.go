// Package confirm issues short-lived one-shot tokens that bind a pending
// tool call to the principal who must authorize it. Repeated invalid
// consumption attempts trip an abuse lockout.
package confirm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/coda/internal/events"
)

const (
	tokenLength  = 10
	tokenCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Config configures token expiry and abuse detection.
type Config struct {
	// TTL is how long a token stays valid.
	TTL time.Duration `yaml:"ttl"`
	// AbuseThreshold is the number of invalid attempts inside AbuseWindow
	// that locks a user out.
	AbuseThreshold int `yaml:"abuse_threshold"`
	// AbuseWindow is the sliding window for invalid attempts.
	AbuseWindow time.Duration `yaml:"abuse_window"`
}

// DefaultConfig returns the confirmation defaults.
func DefaultConfig() Config {
	return Config{
		TTL:            5 * time.Minute,
		AbuseThreshold: 10,
		AbuseWindow:    10 * time.Minute,
	}
}

// Record is a pending confirmation bound to a user, channel, and tool call.
type Record struct {
	Token       string          `json:"token"`
	UserID      string          `json:"user_id"`
	Channel     string          `json:"channel"`
	ToolName    string          `json:"tool_name"`
	ToolInput   json.RawMessage `json:"tool_input"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// publisher is the slice of the bus the manager needs for abuse alerts.
type publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Manager holds pending confirmations in process memory. Tokens are sticky
// to the process that created them.
type Manager struct {
	mu       sync.Mutex
	config   Config
	tokens   map[string]*Record
	attempts map[string][]time.Time
	abusive  map[string]bool
	bus      publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a confirmation manager. The bus may be nil; abuse
// alerts are then only logged.
func NewManager(config Config, bus publisher, logger *slog.Logger) *Manager {
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.AbuseThreshold <= 0 {
		config.AbuseThreshold = 10
	}
	if config.AbuseWindow <= 0 {
		config.AbuseWindow = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:   config,
		tokens:   make(map[string]*Record),
		attempts: make(map[string][]time.Time),
		abusive:  make(map[string]bool),
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// Create issues a token for a pending tool call.
func (m *Manager) Create(userID, channel, toolName string, toolInput json.RawMessage, description string) (*Record, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	record := &Record{
		Token:       token,
		UserID:      userID,
		Channel:     channel,
		ToolName:    toolName,
		ToolInput:   toolInput,
		Description: description,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.config.TTL),
	}

	m.mu.Lock()
	m.tokens[token] = record
	m.mu.Unlock()
	return record, nil
}

// Consume redeems a token. It returns the stored record iff the token
// exists, is unexpired, belongs to userID, and the user is not locked out;
// otherwise nil. Any failed redemption counts toward the abuse window.
func (m *Manager) Consume(ctx context.Context, token, userID string) *Record {
	m.mu.Lock()

	now := m.now()
	record, ok := m.tokens[token]
	valid := ok && now.Before(record.ExpiresAt) && record.UserID == userID

	if m.abusive[userID] {
		if valid {
			delete(m.tokens, token)
		}
		m.mu.Unlock()
		return nil
	}
	if valid {
		delete(m.tokens, token)
		m.mu.Unlock()
		return record
	}

	tripped := m.recordInvalidLocked(userID, now)
	m.mu.Unlock()

	if tripped {
		m.announceAbuse(ctx, userID)
	}
	return nil
}

// recordInvalidLocked appends an invalid attempt and reports whether the
// abuse threshold was crossed by this attempt (must hold the lock).
func (m *Manager) recordInvalidLocked(userID string, now time.Time) bool {
	cutoff := now.Add(-m.config.AbuseWindow)
	window := m.attempts[userID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	m.attempts[userID] = kept

	if len(kept) >= m.config.AbuseThreshold && !m.abusive[userID] {
		m.abusive[userID] = true
		return true
	}
	return false
}

func (m *Manager) announceAbuse(ctx context.Context, userID string) {
	m.logger.Warn("confirmation abuse threshold crossed", "user_id", userID)
	if m.bus == nil {
		return
	}
	event := events.New(events.TypeAbuse, "confirm", events.SeverityHigh, map[string]any{
		"user_id":   userID,
		"threshold": m.config.AbuseThreshold,
	})
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Error("abuse alert publish failed", "error", err)
	}
}

// Sweep drops expired tokens and stale attempt windows. Callers run it on a
// periodic ticker.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for token, record := range m.tokens {
		if !now.Before(record.ExpiresAt) {
			delete(m.tokens, token)
		}
	}
	cutoff := now.Add(-m.config.AbuseWindow)
	for userID, window := range m.attempts {
		kept := window[:0]
		for _, ts := range window {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(m.attempts, userID)
			delete(m.abusive, userID)
		} else {
			m.attempts[userID] = kept
		}
	}
}

// Pending returns the number of outstanding tokens.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

func randomToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = tokenCharset[int(b)%len(tokenCharset)]
	}
	return string(buf), nil
}
