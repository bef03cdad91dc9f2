// Package faults classifies failures from skills and subsystems and keeps a
// bounded, deduplicated history of recent errors for diagnostics.
package faults

import (
	"errors"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// Category groups errors by cause so callers can pick a handling strategy
// without inspecting message text themselves.
type Category string

const (
	CategoryAuthExpired     Category = "auth_expired"
	CategoryTransient       Category = "transient"
	CategoryRateLimited     Category = "rate_limited"
	CategoryMalformedOutput Category = "malformed_output"
	CategoryInvalidInput    Category = "invalid_input"
	CategoryPermanent       Category = "permanent"
	CategoryUnknown         Category = "unknown"
)

// Strategy is the recommended handling for a classified error.
type Strategy string

const (
	StrategyRetry              Strategy = "retry"
	StrategyBackoff            Strategy = "backoff"
	StrategyRefreshCredentials Strategy = "refresh_credentials"
	StrategyReport             Strategy = "report"
	StrategyDrop               Strategy = "drop"
)

// ClassifiedError carries an error together with its category, handling
// strategy, and a stable signature used for deduplication.
type ClassifiedError struct {
	Category  Category  `json:"category"`
	Strategy  Strategy  `json:"strategy"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Signature string    `json:"signature"`
	At        time.Time `json:"at"`
}

func (e *ClassifiedError) Error() string {
	return e.Message
}

var (
	reHTTP429   = regexp.MustCompile(`(?i)(^|\W)(HTTP )?429(\W|$)|too many requests|rate.?limit`)
	reHTTP5xx   = regexp.MustCompile(`(?i)(^|\W)(HTTP )?5\d\d(\W|$)|internal server error|bad gateway|service unavailable|gateway timeout`)
	reAuth      = regexp.MustCompile(`(?i)(^|\W)(HTTP )?40[13](\W|$)|unauthorized|forbidden|token expired|invalid[_ ]grant|credential`)
	reTimeout   = regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`)
	reMalformed = regexp.MustCompile(`(?i)unexpected (token|end of (json|input))|invalid json|cannot (unmarshal|parse)`)
	reInvalid   = regexp.MustCompile(`(?i)invalid (input|argument|parameter)|missing required|unknown (tool|skill)|validation failed`)
	rePolicy    = regexp.MustCompile(`(?i)blocked|not allowed|denied|policy|confirmation (expired|required)`)
)

// Classify maps an error to a category and strategy. The source names the
// skill or subsystem where the error surfaced.
//
// Rate-limited errors carry StrategyBackoff rather than StrategyRetry on
// purpose: retrying inside the execution window would burn the remaining
// quota, so the executor fails fast and the caller waits out the limit.
func Classify(err error, source string) *ClassifiedError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	cat, strat := categorize(err, msg)
	return &ClassifiedError{
		Category:  cat,
		Strategy:  strat,
		Source:    source,
		Message:   Sanitize(msg),
		Signature: BuildSignature(cat, source, msg),
		At:        time.Now(),
	}
}

func categorize(err error, msg string) (Category, Strategy) {
	switch {
	case isConnError(err) || reTimeout.MatchString(msg) || reHTTP5xx.MatchString(msg):
		return CategoryTransient, StrategyRetry
	case reHTTP429.MatchString(msg):
		return CategoryRateLimited, StrategyBackoff
	case reAuth.MatchString(msg):
		return CategoryAuthExpired, StrategyRefreshCredentials
	case reMalformed.MatchString(msg):
		return CategoryMalformedOutput, StrategyReport
	case reInvalid.MatchString(msg):
		return CategoryInvalidInput, StrategyDrop
	case rePolicy.MatchString(msg):
		return CategoryPermanent, StrategyReport
	default:
		return CategoryUnknown, StrategyReport
	}
}

// isConnError recognizes connection-level failures that are safe to retry.
func isConnError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTransient reports whether the error is worth an automatic retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category == CategoryTransient
	}
	cat, _ := categorize(err, err.Error())
	return cat == CategoryTransient
}

const maxSignatureLen = 100

var (
	reLongNum = regexp.MustCompile(`\d{10,}`)
	reHexID   = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	reIPv4    = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	rePort    = regexp.MustCompile(`:\d{2,5}\b`)
)

// BuildSignature derives a stable key for deduplication. Volatile fragments
// (long numbers, hex ids, IPs, ports) are normalized so retries of the same
// fault collapse onto one signature.
func BuildSignature(cat Category, source, msg string) string {
	norm := reLongNum.ReplaceAllString(msg, "<num>")
	norm = reHexID.ReplaceAllString(norm, "<hex>")
	norm = reIPv4.ReplaceAllString(norm, "<ip>")
	norm = rePort.ReplaceAllString(norm, ":<port>")
	sig := string(cat) + ":" + source + ":" + norm
	if len(sig) > maxSignatureLen {
		sig = sig[:maxSignatureLen]
	}
	return sig
}

// Sanitize strips secrets from an error message before it is stored or shown
// to users.
func Sanitize(msg string) string {
	for _, re := range redactPatterns {
		msg = re.ReplaceAllString(msg, "[REDACTED]")
	}
	return strings.TrimSpace(msg)
}

var redactPatterns = compileRedactPatterns([]string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
})

func compileRedactPatterns(patterns []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			res = append(res, re)
		}
	}
	return res
}
