package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		hops   int
		want   string
	}{
		{"no proxy", "203.0.113.7:5123", "", 0, "203.0.113.7"},
		{"xff ignored without hops", "10.0.0.5:80", "198.51.100.1", 0, "10.0.0.5"},
		{"xff ignored from public peer", "203.0.113.7:80", "198.51.100.1", 1, "203.0.113.7"},
		{"one hop", "10.0.0.5:80", "198.51.100.1", 1, "198.51.100.1"},
		{"one hop spoofed prefix", "10.0.0.5:80", "1.2.3.4, 198.51.100.1", 1, "198.51.100.1"},
		{"two hops", "10.0.0.5:80", "198.51.100.1, 10.0.0.9", 2, "198.51.100.1"},
		{"too few entries", "10.0.0.5:80", "198.51.100.1", 3, "10.0.0.5"},
		{"loopback peer", "127.0.0.1:9", "198.51.100.1", 1, "198.51.100.1"},
		{"garbage xff entry", "10.0.0.5:80", "not-an-ip", 1, "10.0.0.5"},
		{"remote without port", "192.0.2.1", "", 0, "192.0.2.1"},
		{"unparseable remote", "nonsense", "", 0, "0.0.0.0"},
		{"ipv6", "[2001:db8::1]:443", "", 0, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := resolveClientIP(r, tt.hops); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP_StripsUntrustedHeader(t *testing.T) {
	var seen string
	h := ClientIP(ClientIPOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Forwarded-For")
		if ClientIPFromContext(r.Context()) != "203.0.113.7" {
			t.Errorf("context ip = %q", ClientIPFromContext(r.Context()))
		}
	}))
	r := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	r.RemoteAddr = "203.0.113.7:1"
	r.Header.Set("X-Forwarded-For", "1.1.1.1")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if seen != "" {
		t.Fatalf("untrusted X-Forwarded-For reached handler: %q", seen)
	}
}
