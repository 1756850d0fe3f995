package broker

import (
	"testing"
	"time"
)

func TestBackoff_GrowsExponentially(t *testing.T) {
	// With ±25% jitter the delay for attempt n lies in
	// [0.75, 1.25] × base × 2^(n-1), capped at 60s.
	tests := []struct {
		attempt int
		center  time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
	}
	for _, tc := range tests {
		got := Backoff(tc.attempt)
		min := time.Duration(float64(tc.center) * 0.75)
		max := time.Duration(float64(tc.center) * 1.25)
		if got < min || got > max {
			t.Errorf("Backoff(%d) = %v, want within [%v, %v]", tc.attempt, got, min, max)
		}
	}
}

func TestBackoff_Capped(t *testing.T) {
	for attempt := 7; attempt < 20; attempt++ {
		got := Backoff(attempt)
		if got > time.Duration(float64(backoffCap)*1.25) {
			t.Errorf("Backoff(%d) = %v exceeds jittered cap", attempt, got)
		}
		if got < time.Duration(float64(backoffCap)*0.75) {
			t.Errorf("Backoff(%d) = %v below jittered cap floor", attempt, got)
		}
	}
}

func TestBackoff_InvalidAttemptClamped(t *testing.T) {
	got := Backoff(0)
	if got < 750*time.Millisecond || got > 1250*time.Millisecond {
		t.Errorf("Backoff(0) = %v, want clamped to attempt 1 range", got)
	}
}
