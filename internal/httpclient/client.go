package httpclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/imroc/req/v3"
	xproxy "golang.org/x/net/proxy"

	"ccfleet/internal/proxypool"
)

// TransportAttempts is the in-client retry budget for transport faults on a
// single proxy. The caller quarantines the proxy once the budget is spent.
const TransportAttempts = 3

// NewWebClient creates an HTTP client with Chrome TLS fingerprint for the
// web endpoint. This client bypasses Cloudflare detection by simulating a
// Chrome browser. proxy may be nil for direct egress.
func NewWebClient(proxy *proxypool.Proxy, timeout time.Duration) *req.Client {
	client := req.C().
		SetTimeout(timeout). // Support slow models (Opus) and large documents
		ImpersonateChrome(). // Chrome TLS fingerprint to bypass Cloudflare
		SetCookieJar(nil).   // Don't persist cookies between requests
		SetCommonRetryCount(TransportAttempts - 1).
		SetCommonRetryFixedInterval(500 * time.Millisecond).
		DisableAutoReadResponse() // SSE bodies are consumed incrementally

	if proxy != nil {
		client.SetProxyURL(proxy.URL())
	}

	return client
}

// NewAPIClient creates the client for the OAuth API path. The API endpoint
// has no browser checks, so no impersonation; it carries the same transport
// retry budget as the web client, so a flaky proxy gets its in-client
// attempts before the caller quarantines it.
func NewAPIClient(proxy *proxypool.Proxy, timeout time.Duration) (*req.Client, error) {
	client := req.C().
		SetTimeout(timeout).
		SetCommonRetryCount(TransportAttempts - 1).
		SetCommonRetryFixedInterval(500 * time.Millisecond).
		DisableAutoReadResponse()

	if proxy != nil {
		switch proxy.Protocol {
		case "http", "https":
			client.SetProxyURL(proxy.URL())
		case "socks5", "socks5h":
			dial, err := socks5Dialer(proxy)
			if err != nil {
				return nil, err
			}
			client.SetDial(dial)
		default:
			return nil, fmt.Errorf("unsupported proxy protocol %q", proxy.Protocol)
		}
	}

	return client, nil
}

// socks5Dialer builds a DialContext through a SOCKS5 proxy. Hostname
// resolution happens at the proxy, which also covers socks5h.
func socks5Dialer(p *proxypool.Proxy) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	var auth *xproxy.Auth
	if p.Username != "" {
		auth = &xproxy.Auth{User: p.Username, Password: p.Password}
	}

	dialer, err := xproxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", p.Host, p.Port), auth, xproxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}, nil
}
