package safeurl

import "testing"

func TestIsHTTPOrHTTPS(t *testing.T) {
	tests := []struct {
		url   string
		allow bool
	}{
		{"http://example.com/", true},
		{"https://example.com/path", true},
		{"HTTP://x", true},
		{"HTTPS://x", true},
		{"file:///etc/passwd", false},
		{"ftp://example.com", false},
		{"", false},
		{"not-a-url", false},
		{"javascript:alert(1)", false},
	}
	for _, tt := range tests {
		got := IsHTTPOrHTTPS(tt.url)
		if got != tt.allow {
			t.Errorf("IsHTTPOrHTTPS(%q) = %v, want %v", tt.url, got, tt.allow)
		}
	}
}

func TestCleanRelative(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"AAC_Data/9450/HLS_9450_256k_v3/9450_256k_1_000100.aac", "AAC_Data/9450/HLS_9450_256k_v3/9450_256k_1_000100.aac", true},
		{"/AAC_Data/x/y.aac", "AAC_Data/x/y.aac", true},
		{"AAC_Data//x/./y.aac", "AAC_Data/x/y.aac", true},
		{"AAC_Data/../etc/passwd", "", false},
		{"..", "", false},
		{"//evil.example.com/x.aac", "", false},
		{"http://evil.example.com/x.aac", "", false},
		{"AAC_Data\\x.aac", "", false},
		{"", "", false},
		{"/", "", false},
	}
	for _, tt := range tests {
		got, ok := CleanRelative(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("CleanRelative(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestJoin(t *testing.T) {
	got, ok := Join("https://cdn.example.net/", "/AAC_Data/a/b.aac")
	if !ok || got != "https://cdn.example.net/AAC_Data/a/b.aac" {
		t.Errorf("Join = %q,%v", got, ok)
	}
	if _, ok := Join("file:///tmp", "a.aac"); ok {
		t.Error("non-http base must be rejected")
	}
	if _, ok := Join("https://cdn.example.net", "../a.aac"); ok {
		t.Error("traversal must be rejected")
	}
}
