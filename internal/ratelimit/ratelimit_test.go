package ratelimit

import (
	"testing"
	"time"
)

func TestParseReason(t *testing.T) {
	cases := map[string]Reason{
		"RESOURCE_EXHAUSTED: quota exceeded for today":       ReasonQuotaExhausted,
		"model is currently overloaded, please retry":        ReasonModelCapacityExhausted,
		"429 Too Many Requests":                               ReasonRateLimitExceeded,
		"upstream returned 503 Service Unavailable":           ReasonServerError,
		"something completely unexpected happened":            ReasonUnknown,
	}
	for text, want := range cases {
		if got := ParseReason(text); got != want {
			t.Errorf("ParseReason(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestTrackerDedupWindow(t *testing.T) {
	tr := NewTracker()
	b1 := tr.Observe("gemini-3-flash", 0)
	if b1.IsDuplicate {
		t.Fatalf("first observation should not be a duplicate")
	}
	b2 := tr.Observe("gemini-3-flash", 0)
	if !b2.IsDuplicate {
		t.Fatalf("second observation within dedup window should be a duplicate")
	}
	if b2.Delay < b1.Delay {
		t.Fatalf("expected escalating backoff, got %v after %v", b2.Delay, b1.Delay)
	}
}

func TestTrackerClearResetsState(t *testing.T) {
	tr := NewTracker()
	tr.Observe("gemini-3-flash", 0)
	tr.Clear("gemini-3-flash")
	b := tr.Observe("gemini-3-flash", 0)
	if b.Attempt != 1 {
		t.Fatalf("expected attempt reset to 1, got %d", b.Attempt)
	}
}

func TestCalculateBackoffCapsAtMax(t *testing.T) {
	d := calculateBackoff(FirstRetryDelay, 20)
	if d != MaxBackoff {
		t.Fatalf("expected cap at MaxBackoff, got %v", d)
	}
}

func TestSmartBackoffUsesServerReset(t *testing.T) {
	d := SmartBackoff("rate limited", 5*time.Second, 0)
	if d != 5*time.Second {
		t.Fatalf("expected server reset to win, got %v", d)
	}
}

func TestSmartBackoffQuotaExhaustedTiers(t *testing.T) {
	d := SmartBackoff("quota exceeded", 0, 0)
	if d != QuotaExhaustedBackoffTiers[0] {
		t.Fatalf("expected first tier, got %v", d)
	}
	d = SmartBackoff("quota exceeded", 0, 10)
	last := QuotaExhaustedBackoffTiers[len(QuotaExhaustedBackoffTiers)-1]
	if d != last {
		t.Fatalf("expected clamped to last tier, got %v want %v", d, last)
	}
}

func TestParseResetTimeRetryAfter(t *testing.T) {
	d, _ := ParseResetTime("please retry-after: 45", time.Minute)
	if d != 45*time.Second {
		t.Fatalf("got %v", d)
	}
}

func TestParseResetTimeDefaultsWhenUnparseable(t *testing.T) {
	d, _ := ParseResetTime("no useful information here", 7*time.Second)
	if d != 7*time.Second {
		t.Fatalf("got %v", d)
	}
}

func TestParseResetTimeShortBufferedUp(t *testing.T) {
	d, _ := ParseResetTime("retry-after: 0", time.Minute)
	if d != 500*time.Millisecond {
		t.Fatalf("expected 500ms floor for zero reset, got %v", d)
	}
}
