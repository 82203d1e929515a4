package registry

import (
	"time"
)

// Status is the fleet-visible account state.
type Status string

const (
	StatusValid       Status = "valid"
	StatusInvalid     Status = "invalid"
	StatusRateLimited Status = "rate_limited"
)

// OAuthToken is the OAuth credential bundle for an account.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access token is past (or within skew of) its
// expiry.
func (t *OAuthToken) Expired(skew time.Duration) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(skew).After(t.ExpiresAt)
}

// Account is one credentialed Claude.ai identity. Identity is the opaque
// organization UUID. All mutations go through the Registry under its write
// lock; callers outside the package operate on Ref snapshots.
type Account struct {
	OrganizationUUID string      `json:"organization_uuid"`
	Cookie           string      `json:"cookie,omitempty"`
	OAuth            *OAuthToken `json:"oauth_token,omitempty"`
	Capabilities     []string    `json:"capabilities,omitempty"`

	Status            Status     `json:"status"`
	RateLimitResetsAt *time.Time `json:"rate_limit_resets_at,omitempty"`
	OverloadedUntil   *time.Time `json:"overloaded_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

// CanOAuth reports whether the account can serve the OAuth API path.
func (a *Account) CanOAuth() bool {
	return a.OAuth != nil && a.OAuth.AccessToken != ""
}

// CanWeb reports whether the account can serve the web path.
func (a *Account) CanWeb() bool {
	return a.Cookie != ""
}

func (a *Account) hasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// IsPro reports a pro-tier subscription.
func (a *Account) IsPro() bool { return a.hasCapability("claude_pro") }

// IsMax reports a max-tier subscription.
func (a *Account) IsMax() bool { return a.hasCapability("claude_max") }

// Tier renders the subscription tier for display.
func (a *Account) Tier() string {
	switch {
	case a.IsMax():
		return "max"
	case a.IsPro():
		return "pro"
	default:
		return "free"
	}
}

// Overloaded reports whether the account is in its short overload cooldown.
func (a *Account) Overloaded(now time.Time) bool {
	return a.OverloadedUntil != nil && now.Before(*a.OverloadedUntil)
}

// Ref is an immutable credential snapshot handed to drivers for one request.
// Refreshed tokens are written back through the Registry, never through a Ref.
type Ref struct {
	OrganizationUUID string
	Cookie           string
	AccessToken      string
	RefreshToken     string
	TokenExpiresAt   time.Time
	CanOAuth         bool
	CanWeb           bool
}

func (a *Account) ref() Ref {
	r := Ref{
		OrganizationUUID: a.OrganizationUUID,
		Cookie:           a.Cookie,
		CanOAuth:         a.CanOAuth(),
		CanWeb:           a.CanWeb(),
	}
	if a.OAuth != nil {
		r.AccessToken = a.OAuth.AccessToken
		r.RefreshToken = a.OAuth.RefreshToken
		r.TokenExpiresAt = a.OAuth.ExpiresAt
	}
	return r
}

// Info is the redacted admin view of an account.
type Info struct {
	OrganizationUUID string     `json:"organization_uuid"`
	Status           Status     `json:"status"`
	Tier             string     `json:"tier"`
	CanOAuth         bool       `json:"can_oauth"`
	CanWeb           bool       `json:"can_web"`
	Sessions         int        `json:"sessions"`
	LastUsed         time.Time  `json:"last_used"`
	ResetsAt         *time.Time `json:"resets_at,omitempty"`
	OverloadedUntil  *time.Time `json:"overloaded_until,omitempty"`
}
