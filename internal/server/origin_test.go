package server

import (
	"net/http/httptest"
	"testing"
)

func TestOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		host   string
		origin string
		want   bool
	}{
		{"no origin header", "speech.example.com:8443", "", true},
		{"matching host with port", "speech.example.com:8443", "https://speech.example.com:8443", true},
		{"matching host without port", "speech.example.com:8443", "https://speech.example.com", true},
		{"localhost", "speech.example.com:8443", "https://localhost:8443", true},
		{"loopback", "speech.example.com:8443", "http://127.0.0.1:3000", true},
		{"mesh vpn range", "speech.example.com:8443", "https://100.64.12.3:8443", true},
		{"foreign host", "speech.example.com:8443", "https://evil.example", false},
		{"garbage origin", "speech.example.com:8443", "::notaurl", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/ws", nil)
			r.Host = tc.host
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := originAllowed(r); got != tc.want {
				t.Errorf("originAllowed(origin=%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}
