package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"

	"ccfleet/internal/apperr"
	"ccfleet/internal/claude"
	"ccfleet/internal/httpclient"
	"ccfleet/internal/pipeline"
	"ccfleet/internal/registry"
	"ccfleet/internal/session"
)

// rootParentUUID restarts the conversation tree from its root on every
// completion. The full transcript is re-rendered into each prompt, so
// upstream never needs to accumulate its own history.
const rootParentUUID = "00000000-0000-4000-8000-000000000000"

// WebDriver emulates the claude.ai web app over a session's pinned browser
// client. One upstream conversation lives per session; requests render the
// whole transcript into a single prompt.
type WebDriver struct {
	timeout      time.Duration
	probeTimeout time.Duration
}

// NewWebDriver builds the web driver.
func NewWebDriver(timeout, probeTimeout time.Duration) *WebDriver {
	return &WebDriver{timeout: timeout, probeTimeout: probeTimeout}
}

// Stream drives one request through the session's conversation and returns
// the normalized event stream.
func (d *WebDriver) Stream(ctx context.Context, pc *pipeline.Context, s *session.Session) (pipeline.EventStream, error) {
	if err := d.ensureConversation(ctx, s); err != nil {
		return nil, err
	}
	if err := d.applySettings(ctx, pc, s); err != nil {
		return nil, err
	}

	resp, err := d.post(ctx, s, fmt.Sprintf("/api/organizations/%s/chat_conversations/%s/completion",
		s.Account.OrganizationUUID, s.ConversationUUID), completionPayload(pc.Request), "text/event-stream")
	if err != nil {
		return nil, apperr.ProxyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyStatus(resp.Response, readBody(resp.Body))
	}

	return pipeline.NewParser(pc, resp.Body), nil
}

// completionPayload builds the completion request body. Server web search
// fires only when both the conversation setting and the per-request
// web_search_v0 tool entry are present, so the tool is injected here whenever
// the client asked for search.
func completionPayload(req *claude.MessagesRequest) map[string]any {
	tools := []map[string]any{}
	if NeedsWebSearch(req) {
		tools = append(tools, map[string]any{
			"type": "web_search_v0",
			"name": "web_search",
		})
	}
	return map[string]any{
		"prompt":               renderPrompt(req),
		"parent_message_uuid":  rootParentUUID,
		"timezone":             "UTC",
		"model":                req.Model,
		"tools":                tools,
		"max_tokens_to_sample": req.MaxTokens,
		"attachments":          []any{},
		"files":                []any{},
		"rendering_mode":       "messages",
	}
}

// ensureConversation creates the upstream conversation on first use.
func (d *WebDriver) ensureConversation(ctx context.Context, s *session.Session) error {
	if s.ConversationUUID != "" {
		return nil
	}

	convID := uuid.NewString()
	payload := map[string]any{
		"uuid": convID,
		"name": "",
	}
	resp, err := d.post(ctx, s, fmt.Sprintf("/api/organizations/%s/chat_conversations",
		s.Account.OrganizationUUID), payload, "application/json")
	if err != nil {
		return apperr.ProxyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return classifyStatus(resp.Response, readBody(resp.Body))
	}

	s.ConversationUUID = convID
	log.Debug().Str("conversation", convID).
		Str("account", s.Account.OrganizationUUID).
		Msg("conversation created")
	return nil
}

// applySettings pushes web search and extended thinking settings once per
// session.
func (d *WebDriver) applySettings(ctx context.Context, pc *pipeline.Context, s *session.Session) error {
	settings := map[string]any{}
	if NeedsWebSearch(pc.Request) && !s.WebSearch {
		settings["enabled_web_search"] = true
	}
	if pc.Request.Thinking != nil && pc.Request.Thinking.Type == "enabled" && !s.Paprika {
		settings["paprika_mode"] = "extended"
	}
	if len(settings) == 0 {
		return nil
	}

	resp, err := s.Client.R().
		SetContext(ctx).
		SetHeaders(webHeaders(s.Account.Cookie, "application/json")).
		SetBodyJsonMarshal(map[string]any{"settings": settings}).
		Put(webBase + fmt.Sprintf("/api/organizations/%s/chat_conversations/%s",
			s.Account.OrganizationUUID, s.ConversationUUID))
	if err != nil {
		return apperr.ProxyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.Response, readBody(resp.Body))
	}

	if _, ok := settings["enabled_web_search"]; ok {
		s.WebSearch = true
	}
	if _, ok := settings["paprika_mode"]; ok {
		s.Paprika = true
	}
	return nil
}

// DeleteConversation drops the upstream conversation. Best effort: failures
// are logged, never surfaced.
func (d *WebDriver) DeleteConversation(ctx context.Context, s *session.Session) {
	if s.ConversationUUID == "" {
		return
	}
	resp, err := s.Client.R().
		SetContext(ctx).
		SetHeaders(webHeaders(s.Account.Cookie, "application/json")).
		Delete(webBase + fmt.Sprintf("/api/organizations/%s/chat_conversations/%s",
			s.Account.OrganizationUUID, s.ConversationUUID))
	if err != nil {
		log.Debug().Err(err).Str("conversation", s.ConversationUUID).
			Msg("conversation delete failed")
		return
	}
	resp.Body.Close()
}

func (d *WebDriver) post(ctx context.Context, s *session.Session, path string, payload any, accept string) (*req.Response, error) {
	return s.Client.R().
		SetContext(ctx).
		SetHeaders(webHeaders(s.Account.Cookie, accept)).
		SetBodyJsonMarshal(payload).
		Post(webBase + path)
}

// CheckCredentials validates the cookie against the organizations endpoint
// and reports fresh capabilities. Runs direct: probes must reflect account
// health, not proxy health.
func (d *WebDriver) CheckCredentials(ctx context.Context, ref registry.Ref) (registry.CredentialResult, []string, error) {
	client := httpclient.NewWebClient(nil, d.probeTimeout)
	defer client.CloseIdleConnections()

	resp, err := client.R().
		SetContext(ctx).
		SetHeaders(webHeaders(ref.Cookie, "application/json")).
		Get(webBase + "/api/organizations")
	if err != nil {
		return registry.CredentialUnknown, nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var orgs []struct {
			UUID         string   `json:"uuid"`
			Capabilities []string `json:"capabilities"`
		}
		if err := json.Unmarshal([]byte(readBody(resp.Body)), &orgs); err != nil || len(orgs) == 0 {
			return registry.CredentialUnknown, nil, err
		}
		for _, org := range orgs {
			if org.UUID == ref.OrganizationUUID {
				return registry.CredentialValid, org.Capabilities, nil
			}
		}
		return registry.CredentialValid, orgs[0].Capabilities, nil

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return registry.CredentialInvalid, nil, nil

	default:
		return registry.CredentialUnknown, nil, statusError(resp.StatusCode, readBody(resp.Body))
	}
}

// ProbeRateLimit sends a minimal completion in a throwaway conversation and
// classifies the outcome.
func (d *WebDriver) ProbeRateLimit(ctx context.Context, ref registry.Ref) (registry.ProbeOutcome, *time.Time, error) {
	client := httpclient.NewWebClient(nil, d.probeTimeout)
	defer client.CloseIdleConnections()

	probe := &session.Session{Account: ref, Client: client}
	if err := d.ensureConversation(ctx, probe); err != nil {
		if apperr.KindOf(err) == apperr.KindRateLimited {
			return registry.ProbeRateLimited, apperr.AsError(err).ResetsAt, nil
		}
		return registry.ProbeError, nil, err
	}
	defer d.DeleteConversation(context.WithoutCancel(ctx), probe)

	payload := map[string]any{
		"prompt":              "ping",
		"parent_message_uuid": rootParentUUID,
		"timezone":            "UTC",
		"attachments":         []any{},
		"files":               []any{},
		"rendering_mode":      "messages",
	}
	resp, err := d.post(ctx, probe, fmt.Sprintf("/api/organizations/%s/chat_conversations/%s/completion",
		ref.OrganizationUUID, probe.ConversationUUID), payload, "text/event-stream")
	if err != nil {
		return registry.ProbeError, nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return registry.ProbeOK, nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return registry.ProbeRateLimited, resetsAtFrom(resp.Response, readBody(resp.Body)), nil
	default:
		return registry.ProbeError, nil, statusError(resp.StatusCode, readBody(resp.Body))
	}
}

// webHeaders builds the browser-shaped header set. The impersonated client
// supplies the user agent and TLS fingerprint; these fill in what the web
// app checks at the application layer.
func webHeaders(cookie, accept string) map[string]string {
	return map[string]string{
		"Cookie":       normalizeCookie(cookie),
		"Accept":       accept,
		"Content-Type": "application/json",
		"Origin":       webBase,
		"Referer":      webBase + "/",
	}
}

// normalizeCookie accepts either a full cookie header or a bare session key.
func normalizeCookie(cookie string) string {
	if cookie == "" || strings.Contains(cookie, "=") {
		return cookie
	}
	return "sessionKey=" + cookie
}

var _ registry.Prober = (*WebDriver)(nil)
