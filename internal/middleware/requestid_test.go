package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func requestIDThrough(t *testing.T, inbound string) (string, string) {
	t.Helper()

	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	if inbound != "" {
		req.Header.Set("X-Request-Id", inbound)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return seen, rec.Header().Get("X-Request-Id")
}

func TestRequestID_GeneratedWhenAbsent(t *testing.T) {
	seen, echoed := requestIDThrough(t, "")
	if seen == "" {
		t.Fatal("Expected a generated request id in the context")
	}
	if echoed != seen {
		t.Errorf("Expected the response header to echo the context id, got %q vs %q", echoed, seen)
	}
}

func TestRequestID_HonorsWellFormedInbound(t *testing.T) {
	seen, _ := requestIDThrough(t, "edge-7f3a.1")
	if seen != "edge-7f3a.1" {
		t.Errorf("Expected the inbound id to be kept, got %q", seen)
	}
}

func TestRequestID_RejectsMalformedInbound(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
	}{
		{"oversized", strings.Repeat("a", 65)},
		{"log injection", "abc\ndef"},
		{"spaces", "abc def"},
		{"control", "abc\x00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen, _ := requestIDThrough(t, tt.inbound)
			if seen == tt.inbound {
				t.Errorf("Expected %q to be replaced with a generated id", tt.inbound)
			}
			if seen == "" {
				t.Error("Expected a generated id")
			}
		})
	}
}
