package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"ccfleet/internal/apperr"
	"ccfleet/internal/httpclient"
	"ccfleet/internal/pipeline"
	"ccfleet/internal/proxypool"
	"ccfleet/internal/registry"
)

const (
	oauthTokenURL = "https://console.anthropic.com/v1/oauth/token"
	oauthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	// tokenSkew refreshes tokens slightly before their expiry so an in-flight
	// request never races the deadline.
	tokenSkew = time.Minute
)

// OAuthDriver serves requests over the native Messages API using account
// OAuth tokens. Stateless per request: the proxy is picked per call and no
// upstream conversation exists.
type OAuthDriver struct {
	reg     *registry.Registry
	timeout time.Duration
}

// NewOAuthDriver builds the OAuth driver.
func NewOAuthDriver(reg *registry.Registry, timeout time.Duration) *OAuthDriver {
	return &OAuthDriver{reg: reg, timeout: timeout}
}

// Stream issues the request upstream and returns the normalized event
// stream. The upstream call always streams; non-streaming clients are served
// from the collector.
func (d *OAuthDriver) Stream(ctx context.Context, pc *pipeline.Context, ref registry.Ref, proxy *proxypool.Proxy) (pipeline.EventStream, error) {
	token := ref.AccessToken
	if tokenExpired(ref, tokenSkew) && ref.RefreshToken != "" {
		tok, err := d.RefreshToken(ctx, ref)
		if err != nil {
			return nil, apperr.InvalidCredentials(err)
		}
		d.reg.UpdateOAuthToken(ref.OrganizationUUID, tok)
		token = tok.AccessToken
	}

	stream, err := d.send(ctx, pc, token, proxy)
	if err == nil {
		return stream, nil
	}

	// One refresh-and-retry on a 401: the token may have been revoked and
	// reissued out from under us.
	if apperr.KindOf(err) == apperr.KindInvalidCredentials && ref.RefreshToken != "" {
		tok, rerr := d.RefreshToken(ctx, ref)
		if rerr != nil {
			return nil, err
		}
		d.reg.UpdateOAuthToken(ref.OrganizationUUID, tok)
		return d.send(ctx, pc, tok.AccessToken, proxy)
	}
	return nil, err
}

func (d *OAuthDriver) send(ctx context.Context, pc *pipeline.Context, token string, proxy *proxypool.Proxy) (pipeline.EventStream, error) {
	body := *pc.Request
	body.Stream = true

	client, err := httpclient.NewAPIClient(proxy, d.timeout)
	if err != nil {
		return nil, apperr.ProxyTransport(err)
	}

	resp, err := client.R().
		SetContext(ctx).
		SetHeaders(map[string]string{
			"Authorization":     "Bearer " + token,
			"anthropic-version": anthropicVersion,
			"anthropic-beta":    oauthBeta,
			"Content-Type":      "application/json",
			"Accept":            "text/event-stream",
		}).
		SetBodyJsonMarshal(&body).
		Post(apiBase + "/v1/messages")
	if err != nil {
		return nil, apperr.ProxyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyStatus(resp.Response, readBody(resp.Body))
	}

	return pipeline.NewParser(pc, resp.Body), nil
}

// RefreshToken exchanges the refresh token for a new access token. Also
// satisfies the registry's background refresher.
func (d *OAuthDriver) RefreshToken(ctx context.Context, ref registry.Ref) (*registry.OAuthToken, error) {
	if ref.RefreshToken == "" {
		return nil, fmt.Errorf("account has no refresh token")
	}

	client, err := httpclient.NewAPIClient(nil, 30*time.Second)
	if err != nil {
		return nil, err
	}

	resp, err := client.R().
		SetContext(ctx).
		SetContentType("application/json").
		SetBodyJsonMarshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": ref.RefreshToken,
			"client_id":     oauthClientID,
		}).
		Post(oauthTokenURL)
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token refresh rejected: %s", statusError(resp.StatusCode, readBody(resp.Body)))
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("token refresh decode: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("token refresh returned empty access token")
	}

	tok := &registry.OAuthToken{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = ref.RefreshToken
	}
	if out.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}

	log.Info().Str("account", ref.OrganizationUUID).Msg("oauth token refreshed")
	return tok, nil
}

func tokenExpired(ref registry.Ref, skew time.Duration) bool {
	return !ref.TokenExpiresAt.IsZero() && time.Now().Add(skew).After(ref.TokenExpiresAt)
}
