package driver

import (
	"net/http"
	"testing"
	"time"

	"ccfleet/internal/apperr"
)

func respWithStatus(code int) *http.Response {
	return &http.Response{StatusCode: code, Header: make(http.Header)}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   apperr.Kind
	}{
		{"429 rate limited", http.StatusTooManyRequests, "", apperr.KindRateLimited},
		{"401 invalid credentials", http.StatusUnauthorized, "", apperr.KindInvalidCredentials},
		{"403 charged to the proxy", http.StatusForbidden, "", apperr.KindProxyTransport},
		{"529 overloaded", 529, "", apperr.KindUpstreamOverloaded},
		{"500 overloaded", http.StatusInternalServerError, "", apperr.KindUpstreamOverloaded},
		{"overloaded_error body", http.StatusBadRequest, `{"type":"error","error":{"type":"overloaded_error"}}`, apperr.KindUpstreamOverloaded},
		{"other 4xx protocol", http.StatusNotFound, "", apperr.KindUpstreamProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus(respWithStatus(tt.status), tt.body)
			if got := apperr.KindOf(err); got != tt.want {
				t.Errorf("classifyStatus(%d) kind = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestResetsAtFromHeader(t *testing.T) {
	resp := respWithStatus(http.StatusTooManyRequests)
	resp.Header.Set("anthropic-ratelimit-unified-reset", "1735689600")

	got := resetsAtFrom(resp, "")
	if got == nil {
		t.Fatal("header reset not parsed")
	}
	if !got.Equal(time.Unix(1735689600, 0)) {
		t.Errorf("resetsAt = %v", got)
	}
}

func TestResetsAtFromNestedBody(t *testing.T) {
	// The web surface nests a JSON payload inside error.message.
	body := `{"error":{"message":"{\"resetsAt\":1735689600}"}}`

	got := resetsAtFrom(respWithStatus(http.StatusTooManyRequests), body)
	if got == nil {
		t.Fatal("nested reset not parsed")
	}
	if !got.Equal(time.Unix(1735689600, 0)) {
		t.Errorf("resetsAt = %v", got)
	}
}

func TestResetsAtFromAbsent(t *testing.T) {
	if got := resetsAtFrom(respWithStatus(http.StatusTooManyRequests), `{"error":{"message":"slow down"}}`); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
