// Package ratelimit classifies upstream errors into rate-limit reasons and
// computes backoff delays, including thundering-herd dedup across
// concurrent requests for the same model.
package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DedupWindow      = 2 * time.Second
	StateResetWindow = 120 * time.Second
	FirstRetryDelay  = 1 * time.Second
	MaxBackoff       = 60 * time.Second
	MinBackoff       = 2 * time.Second
	MaxWaitBeforeErr = 120 * time.Second
	DefaultCooldown  = 10 * time.Second
)

// Per-reason flat backoff delays used when no server-provided reset time
// is available.
const (
	BackoffRateLimitExceeded      = 30 * time.Second
	BackoffModelCapacityExhausted = 15 * time.Second
	BackoffServerError            = 20 * time.Second
	BackoffUnknown                = 60 * time.Second
)

// CapacityBackoffTiers and MaxCapacityRetries govern the "model capacity
// exhausted" retry loop: a short fixed sequence of waits, unlike the
// exponential/dedup-aware path used for generic rate limiting.
var CapacityBackoffTiers = []time.Duration{
	5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second, 60 * time.Second,
}

const MaxCapacityRetries = 5

// QuotaExhaustedBackoffTiers govern the long-horizon retry schedule once
// an account's daily quota is exhausted for a model.
var QuotaExhaustedBackoffTiers = []time.Duration{
	60 * time.Second, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour,
}

type Reason int

const (
	ReasonQuotaExhausted Reason = iota
	ReasonModelCapacityExhausted
	ReasonRateLimitExceeded
	ReasonServerError
	ReasonUnknown
)

// ParseReason classifies an error message by substring match on its
// lowercased text, the same heuristic the upstream error bodies were
// originally classified with.
func ParseReason(errorText string) Reason {
	lower := strings.ToLower(errorText)

	switch {
	case containsAny(lower, "quota_exhausted", "quotaresetdelay", "quotaresettimestamp",
		"resource_exhausted", "daily limit", "quota exceeded"):
		return ReasonQuotaExhausted
	case containsAny(lower, "model_capacity_exhausted", "capacity_exhausted",
		"model is currently overloaded", "service temporarily unavailable"):
		return ReasonModelCapacityExhausted
	case containsAny(lower, "rate_limit_exceeded", "rate limit", "too many requests", "throttl"):
		return ReasonRateLimitExceeded
	case containsAny(lower, "internal server error", "server error", "503", "502", "504"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// IsModelCapacityExhausted is a narrower check used by the upstream client
// to decide whether to run the capacity-tiered retry loop instead of the
// generic dedup-aware one.
func IsModelCapacityExhausted(errorText string) bool {
	lower := strings.ToLower(errorText)
	return containsAny(lower, "model_capacity_exhausted", "capacity_exhausted",
		"model is currently overloaded", "service temporarily unavailable")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type dedupState struct {
	consecutive429 int
	lastAt         time.Time
}

// Tracker holds per-model rate-limit state across concurrent requests so
// a burst of simultaneous 429s on the same model collapses into one
// escalating backoff instead of each request independently retrying.
type Tracker struct {
	mu    sync.Mutex
	state map[string]*dedupState
}

func NewTracker() *Tracker {
	return &Tracker{state: make(map[string]*dedupState)}
}

type Backoff struct {
	Attempt     int
	Delay       time.Duration
	IsDuplicate bool
}

// Observe records a 429 for model and returns the backoff to wait before
// retrying, collapsing concurrent duplicates within DedupWindow into the
// same escalating delay.
func (t *Tracker) Observe(model string, serverRetryAfter time.Duration) Backoff {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.state[model]; ok {
		elapsed := now.Sub(st.lastAt)
		if elapsed < DedupWindow {
			base := serverRetryAfter
			if base <= 0 {
				base = FirstRetryDelay
			}
			return Backoff{
				Attempt:     st.consecutive429,
				Delay:       calculateBackoff(base, st.consecutive429),
				IsDuplicate: true,
			}
		}
	}

	attempt := 1
	if st, ok := t.state[model]; ok {
		if now.Sub(st.lastAt) < StateResetWindow {
			attempt = st.consecutive429 + 1
		}
	}
	t.state[model] = &dedupState{consecutive429: attempt, lastAt: now}

	base := serverRetryAfter
	if base <= 0 {
		base = FirstRetryDelay
	}
	return Backoff{Attempt: attempt, Delay: calculateBackoff(base, attempt), IsDuplicate: false}
}

// Clear drops tracked state for model, called after a successful request.
func (t *Tracker) Clear(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, model)
}

func calculateBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 62 {
		shift = 62
	}
	delay := base * time.Duration(1<<uint(shift))
	if delay > MaxBackoff {
		return MaxBackoff
	}
	if delay < base {
		return base
	}
	return delay
}

// SmartBackoff picks a delay given the error text, an optional
// server-provided reset duration, and how many consecutive failures have
// been observed for this (account, model) pair.
func SmartBackoff(errorText string, serverReset time.Duration, consecutiveFailures int) time.Duration {
	if serverReset > 0 {
		if serverReset < MinBackoff {
			return MinBackoff
		}
		return serverReset
	}

	switch ParseReason(errorText) {
	case ReasonQuotaExhausted:
		idx := consecutiveFailures
		if idx >= len(QuotaExhaustedBackoffTiers) {
			idx = len(QuotaExhaustedBackoffTiers) - 1
		}
		if idx < 0 {
			idx = 0
		}
		return QuotaExhaustedBackoffTiers[idx]
	case ReasonRateLimitExceeded:
		return BackoffRateLimitExceeded
	case ReasonModelCapacityExhausted:
		return BackoffModelCapacityExhausted
	case ReasonServerError:
		return BackoffServerError
	default:
		return BackoffUnknown
	}
}

var (
	quotaResetDelayRe     = regexp.MustCompile(`quotaresetdelay[:\s"]+([\d.]+)(ms|s)`)
	quotaResetTimestampRe = regexp.MustCompile(`quotaresettimestamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retryAfterRe          = regexp.MustCompile(`retry[- ]after[:\s]+(\d+)`)
	durationRe            = regexp.MustCompile(`(\d+)h|(\d+)m(?:[^s]|$)|(\d+)(?:\.\d+)?s`)
)

// ParseResetTime extracts a retry delay from an upstream error body,
// trying quotaResetDelay, quotaResetTimestamp, a bare Go-style duration
// string, and a trailing "retry-after: N" in that priority order. When
// none match, defaultDelay is returned.
func ParseResetTime(errorBody string, defaultDelay time.Duration) (time.Duration, string) {
	lower := strings.ToLower(errorBody)

	var resetMs int64 = -1
	if ms, ok := parseQuotaResetDelay(lower); ok {
		resetMs = ms
	} else if ms, ok := parseQuotaResetTimestamp(lower); ok {
		resetMs = ms
	} else if ms, ok := parseDurationString(lower); ok {
		resetMs = ms
	} else if ms, ok := parseRetryAfter(lower); ok {
		resetMs = ms
	}

	var finalMs int64
	switch {
	case resetMs < 0:
		finalMs = defaultDelay.Milliseconds()
	case resetMs == 0:
		finalMs = 500
	case resetMs < 500:
		finalMs = resetMs + 200
	default:
		finalMs = resetMs
	}

	d := time.Duration(finalMs) * time.Millisecond
	return d, d.String()
}

func parseQuotaResetDelay(text string) (int64, bool) {
	m := quotaResetDelayRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if m[2] == "s" {
		return int64(value*1000 + 0.999), true
	}
	return int64(value + 0.999), true
}

func parseQuotaResetTimestamp(text string) (int64, bool) {
	m := quotaResetTimestampRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	ts, err := time.Parse(time.RFC3339, m[1])
	if err != nil {
		return 0, false
	}
	delta := time.Until(ts)
	if delta > 0 {
		return delta.Milliseconds(), true
	}
	return 500, true
}

func parseDurationString(text string) (int64, bool) {
	matches := durationRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var totalMs int64
	found := false
	for _, m := range matches {
		switch {
		case m[1] != "":
			if h, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				totalMs += h * 3600 * 1000
				found = true
			}
		case m[2] != "":
			if mins, err := strconv.ParseInt(m[2], 10, 64); err == nil {
				totalMs += mins * 60 * 1000
				found = true
			}
		case m[3] != "":
			if secs, err := strconv.ParseFloat(m[3], 64); err == nil {
				totalMs += int64(secs * 1000)
				found = true
			}
		}
	}
	return totalMs, found
}

func parseRetryAfter(text string) (int64, bool) {
	m := retryAfterRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return secs * 1000, true
}
