package faults

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestClassify_Categories(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category Category
		strategy Strategy
	}{
		{"http 500", errors.New("HTTP 500 internal server error"), CategoryTransient, StrategyRetry},
		{"timeout", errors.New("request timed out after 30s"), CategoryTransient, StrategyRetry},
		{"conn refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), CategoryTransient, StrategyRetry},
		{"http 429", errors.New("HTTP 429 too many requests"), CategoryRateLimited, StrategyBackoff},
		{"auth 401", errors.New("HTTP 401 unauthorized"), CategoryAuthExpired, StrategyRefreshCredentials},
		{"token expired", errors.New("token expired, refresh required"), CategoryAuthExpired, StrategyRefreshCredentials},
		{"bad json", errors.New("unexpected end of JSON input"), CategoryMalformedOutput, StrategyReport},
		{"bad input", errors.New("missing required field: query"), CategoryInvalidInput, StrategyDrop},
		{"policy", errors.New("URL blocked by policy"), CategoryPermanent, StrategyReport},
		{"unknown", errors.New("something odd happened"), CategoryUnknown, StrategyReport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := Classify(tt.err, "email")
			if ce.Category != tt.category {
				t.Errorf("category = %s, want %s", ce.Category, tt.category)
			}
			if ce.Strategy != tt.strategy {
				t.Errorf("strategy = %s, want %s", ce.Strategy, tt.strategy)
			}
			if ce.Source != "email" {
				t.Errorf("source = %s, want email", ce.Source)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(errors.New("HTTP 503 service unavailable")) {
		t.Error("503 should be transient")
	}
	if IsTransient(errors.New("missing required field")) {
		t.Error("invalid input should not be transient")
	}
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
}

func TestBuildSignature_Stability(t *testing.T) {
	a := BuildSignature(CategoryTransient, "email", "fetch failed for message 1234567890123 from 10.0.0.1:8443")
	b := BuildSignature(CategoryTransient, "email", "fetch failed for message 9876543210999 from 192.168.1.7:9000")
	if a != b {
		t.Errorf("signatures differ:\n%s\n%s", a, b)
	}

	c := BuildSignature(CategoryTransient, "email", "fetch failed for request deadbeef1234")
	d := BuildSignature(CategoryTransient, "email", "fetch failed for request cafef00d5678")
	if c != d {
		t.Errorf("hex-id signatures differ:\n%s\n%s", c, d)
	}
}

func TestBuildSignature_Truncation(t *testing.T) {
	long := strings.Repeat("x", 500)
	sig := BuildSignature(CategoryUnknown, "browser", long)
	if len(sig) > 100 {
		t.Errorf("signature length = %d, want <= 100", len(sig))
	}
}

func TestSanitize_RedactsSecrets(t *testing.T) {
	msg := `request failed: api_key="abcdefghij1234567890" rejected`
	got := Sanitize(msg)
	if strings.Contains(got, "abcdefghij1234567890") {
		t.Errorf("secret not redacted: %s", got)
	}
	if !strings.Contains(got, "[REDACTED]") {
		t.Errorf("expected redaction marker in %q", got)
	}
}
