package storage

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateAPIKey(t *testing.T) {
	a, b := generateAPIKey(), generateAPIKey()
	if !strings.HasPrefix(a, "ct_key_") {
		t.Errorf("generateAPIKey() = %q, want ct_key_ prefix", a)
	}
	if a == b {
		t.Errorf("generateAPIKey() returned the same key twice")
	}
	if hashAPIKey(a) == hashAPIKey(b) {
		t.Errorf("hashAPIKey() collided for distinct keys")
	}
	if hashAPIKey(a) != hashAPIKey(a) {
		t.Errorf("hashAPIKey() is not deterministic")
	}
}

func TestFormatTimeSorts(t *testing.T) {
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name    string
		earlier time.Time
		later   time.Time
	}{
		{"microseconds", base, base.Add(time.Microsecond)},
		{"seconds", base.Add(999 * time.Millisecond), base.Add(time.Second)},
		{"years", base, base.AddDate(10, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !(formatTime(tt.earlier) < formatTime(tt.later)) {
				t.Errorf("formatTime(%v) >= formatTime(%v)", tt.earlier, tt.later)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 123456000, time.UTC)
	if got := ParseTime(formatTime(ts)); !got.Equal(ts) {
		t.Errorf("ParseTime(formatTime(ts)) = %v, want %v", got, ts)
	}
	if got := ParseTime(""); !got.IsZero() {
		t.Errorf("ParseTime(\"\") = %v, want zero", got)
	}
}
