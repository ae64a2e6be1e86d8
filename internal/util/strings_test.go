package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than limit", "short", 10, "short"},
		{"exactly at limit", "12345678", 8, "12345678"},
		{"longer than limit", "very-long-token-abc123", 8, "very-lon"},
		{"zero limit", "anything", 0, ""},
		{"negative limit", "anything", -1, ""},
		{"empty string", "", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestRedactToken(t *testing.T) {
	if got := RedactToken(""); got != "" {
		t.Errorf("RedactToken(\"\") = %q, want empty", got)
	}
	if got := RedactToken("supersecretaccesstoken"); got != "supersec..." {
		t.Errorf("RedactToken() = %q, want %q", got, "supersec...")
	}
	if got := RedactToken("abc"); got != "abc..." {
		t.Errorf("RedactToken() = %q, want %q", got, "abc...")
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://example.com/", "https://example.com"},
		{"https://example.com", "https://example.com"},
		{"https://example.com///", "https://example.com"},
		{"https://example.com/api/", "https://example.com/api"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.input); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
