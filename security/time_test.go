package security

import (
	"testing"
	"time"
)

func TestExpiresWithin(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		window    time.Duration
		want      bool
	}{
		{"well outside window", now.Add(time.Hour), 30 * time.Second, false},
		{"just outside window", now.Add(31 * time.Second), 30 * time.Second, false},
		{"just inside window", now.Add(29 * time.Second), 30 * time.Second, true},
		{"already expired", now.Add(-time.Minute), 30 * time.Second, true},
		{"zero expiry never expires", time.Time{}, 30 * time.Second, false},
		{"refresh window", now.Add(4 * time.Minute), 5 * time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpiresWithin(tt.expiresAt, tt.window); got != tt.want {
				t.Errorf("ExpiresWithin(%v, %v) = %v, want %v", tt.expiresAt, tt.window, got, tt.want)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	if IsExpired(time.Now().Add(time.Minute)) {
		t.Error("future expiry should not be expired")
	}
	if !IsExpired(time.Now().Add(-time.Second)) {
		t.Error("past expiry should be expired")
	}
	if IsExpired(time.Time{}) {
		t.Error("zero expiry should never be expired")
	}
}
