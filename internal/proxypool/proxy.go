package proxypool

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Proxy is a single upstream egress. Identity is protocol://host:port.
type Proxy struct {
	Protocol string
	Host     string
	Port     int
	Username string
	Password string

	mu            sync.Mutex
	cooldownUntil time.Time
}

// Key returns the proxy identity.
func (p *Proxy) Key() string {
	return fmt.Sprintf("%s://%s:%d", p.Protocol, p.Host, p.Port)
}

// URL renders the full proxy URL including credentials.
func (p *Proxy) URL() string {
	if p.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", p.Protocol,
			url.QueryEscape(p.Username), url.QueryEscape(p.Password), p.Host, p.Port)
	}
	return p.Key()
}

// Redacted renders the URL with credentials masked for display.
func (p *Proxy) Redacted() string {
	if p.Username != "" {
		return fmt.Sprintf("%s://[auth]@%s:%d", p.Protocol, p.Host, p.Port)
	}
	return p.Key()
}

// IsAvailable reports whether the proxy may be handed out. An elapsed
// cooldown is cleared on read.
func (p *Proxy) IsAvailable(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cooldownUntil.IsZero() {
		return true
	}
	if now.Before(p.cooldownUntil) {
		return false
	}
	p.cooldownUntil = time.Time{}
	return true
}

// Quarantine excludes the proxy from selection until now+d.
func (p *Proxy) Quarantine(d time.Duration) {
	p.mu.Lock()
	p.cooldownUntil = time.Now().Add(d)
	p.mu.Unlock()
}

// CooldownUntil returns the current cooldown deadline, zero when healthy.
func (p *Proxy) CooldownUntil() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cooldownUntil
}

var validProtocols = map[string]bool{
	"http": true, "https": true, "socks5": true, "socks5h": true,
}

// ParseProxy accepts the list-file formats:
//
//	scheme://[user:pass@]host:port
//	host:port                (http assumed)
//	host:port:user:pass
//	user:pass:host:port
func ParseProxy(line string) (*Proxy, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty proxy line")
	}

	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", line, err)
		}
		if !validProtocols[u.Scheme] {
			return nil, fmt.Errorf("unsupported proxy protocol %q", u.Scheme)
		}
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("invalid proxy port in %q", line)
		}
		p := &Proxy{Protocol: u.Scheme, Host: u.Hostname(), Port: port}
		if u.User != nil {
			p.Username = u.User.Username()
			p.Password, _ = u.User.Password()
		}
		return p, nil
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid proxy port in %q", line)
		}
		return &Proxy{Protocol: "http", Host: parts[0], Port: port}, nil
	case 4:
		// Disambiguate host:port:user:pass from user:pass:host:port by the
		// position of the port-shaped segment.
		if port, err := strconv.Atoi(parts[1]); err == nil {
			return &Proxy{Protocol: "http", Host: parts[0], Port: port,
				Username: parts[2], Password: parts[3]}, nil
		}
		if port, err := strconv.Atoi(parts[3]); err == nil {
			return &Proxy{Protocol: "http", Host: parts[2], Port: port,
				Username: parts[0], Password: parts[1]}, nil
		}
		return nil, fmt.Errorf("no port segment in %q", line)
	default:
		return nil, fmt.Errorf("unrecognized proxy format %q", line)
	}
}

// ParseList parses a proxy list file body. Blank lines and # comments are
// skipped; malformed lines are returned as errors alongside the parsed set.
func ParseList(content string) ([]*Proxy, []error) {
	var proxies []*Proxy
	var errs []error
	seen := make(map[string]bool)

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := ParseProxy(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[p.Key()] {
			continue
		}
		seen[p.Key()] = true
		proxies = append(proxies, p)
	}
	return proxies, errs
}
