// Package driver speaks to the two upstream surfaces: the OAuth Messages
// API and the claude.ai web app. Both produce the same normalized event
// stream; which one serves a request is the orchestrator's call.
package driver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ccfleet/internal/apperr"
)

const (
	apiBase = "https://api.anthropic.com"
	webBase = "https://claude.ai"

	anthropicVersion = "2023-06-01"
	oauthBeta        = "oauth-2025-04-20"
)

// readBody drains up to 8 KiB of an error response for diagnostics.
func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 8<<10))
	return string(b)
}

// resetsAtFrom extracts the rate limit reset instant from a 429 response.
// The API reports it in the unified-reset header as unix seconds; the web
// path nests a JSON payload with a resetsAt field inside the error message.
func resetsAtFrom(resp *http.Response, body string) *time.Time {
	if h := resp.Header.Get("anthropic-ratelimit-unified-reset"); h != "" {
		if secs, err := strconv.ParseInt(h, 10, 64); err == nil && secs > 0 {
			t := time.Unix(secs, 0)
			return &t
		}
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return nil
	}
	var inner struct {
		ResetsAt int64 `json:"resetsAt"`
	}
	if err := json.Unmarshal([]byte(envelope.Error.Message), &inner); err != nil || inner.ResetsAt <= 0 {
		return nil
	}
	t := time.Unix(inner.ResetsAt, 0)
	return &t
}

// classifyStatus maps a non-2xx upstream status to the tagged error the
// retry policy dispatches on. A 403 from either surface means the egress IP
// tripped upstream filtering, so it is charged to the proxy, not the
// account.
func classifyStatus(resp *http.Response, body string) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.RateLimited(resetsAtFrom(resp, body))
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.InvalidCredentials(statusError(resp.StatusCode, body))
	case resp.StatusCode == http.StatusForbidden:
		return apperr.ProxyTransport(statusError(resp.StatusCode, body))
	case resp.StatusCode == 529 || isOverloadBody(body):
		return apperr.Overloaded(statusError(resp.StatusCode, body))
	case resp.StatusCode >= 500:
		return apperr.Overloaded(statusError(resp.StatusCode, body))
	default:
		return apperr.Protocol("unexpected upstream status", statusError(resp.StatusCode, body))
	}
}

func isOverloadBody(body string) bool {
	return strings.Contains(body, "overloaded_error")
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	body := e.body
	if len(body) > 200 {
		body = body[:200]
	}
	return "upstream status " + strconv.Itoa(e.status) + ": " + body
}

func statusError(status int, body string) error {
	return &httpStatusError{status: status, body: body}
}
