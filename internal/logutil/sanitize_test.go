package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "/bin/bash", "/bin/bash"},
		{"newline injection", "bash\n[auth] ACCEPT", "bash [auth] ACCEPT"},
		{"carriage return", "a\rb", "a b"},
		{"tab", "a\tb", "a b"},
		{"escape sequence", "\x1b[31mred", "[31mred"},
		{"delete char", "a\x7fb", "ab"},
		{"unicode kept", "héllo", "héllo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.in); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 3); got != "abc..." {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate = %q", got)
	}
}
