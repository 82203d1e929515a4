package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// CredentialResult is the outcome of a phase-1 credential check.
type CredentialResult int

const (
	// CredentialUnknown means a network or proxy fault prevented a verdict;
	// the account state is left unchanged.
	CredentialUnknown CredentialResult = iota
	CredentialValid
	CredentialInvalid
)

// ProbeOutcome is the outcome of a phase-2 minimal chat.
type ProbeOutcome int

const (
	ProbeError ProbeOutcome = iota
	ProbeOK
	ProbeRateLimited
)

// Prober runs the upstream calls behind the two-phase refresh. Implemented
// by the driver package; injected so the registry never dials upstream.
type Prober interface {
	// CheckCredentials validates the cookie against the organization-info
	// endpoint and returns fresh capabilities when valid.
	CheckCredentials(ctx context.Context, ref Ref) (CredentialResult, []string, error)
	// ProbeRateLimit issues a minimal chat and classifies the result. The
	// returned instant is the upstream reset time on a 429, when present.
	ProbeRateLimit(ctx context.Context, ref Ref) (ProbeOutcome, *time.Time, error)
}

// RefreshResult reports one account refresh.
type RefreshResult struct {
	OrganizationUUID string `json:"organization_uuid"`
	PreviousStatus   Status `json:"previous_status"`
	NewStatus        Status `json:"new_status"`
	Error            string `json:"error,omitempty"`
}

// Refresh runs the two-phase probe for one account and applies the state
// transition under the write lock. Phase 2 runs only for rate-limited
// accounts whose credentials checked out.
func (r *Registry) Refresh(ctx context.Context, prober Prober, orgID string) RefreshResult {
	r.mu.RLock()
	a, ok := r.accounts[orgID]
	if !ok {
		r.mu.RUnlock()
		return RefreshResult{OrganizationUUID: orgID, Error: "account not found"}
	}
	ref := a.ref()
	prev := a.Status
	r.mu.RUnlock()

	// Phase 1, outside the lock: cheap read-only credential check.
	credResult := CredentialUnknown
	var capabilities []string
	if ref.Cookie != "" {
		res, caps, err := prober.CheckCredentials(ctx, ref)
		if err != nil {
			log.Warn().Err(err).Str("account", shortID(orgID)).
				Msg("credential check inconclusive")
		}
		credResult = res
		capabilities = caps
	}

	// Phase 2, outside the lock: minimal chat, only when rate limited and
	// phase 1 passed.
	probeOutcome := ProbeError
	var probeResetsAt *time.Time
	if prev == StatusRateLimited && credResult == CredentialValid {
		outcome, resetsAt, err := prober.ProbeRateLimit(ctx, ref)
		if err != nil {
			log.Warn().Err(err).Str("account", shortID(orgID)).
				Msg("rate limit probe failed")
		}
		probeOutcome = outcome
		probeResetsAt = resetsAt
	}

	// State transition under the lock.
	r.mu.Lock()
	a, ok = r.accounts[orgID]
	if !ok {
		r.mu.Unlock()
		return RefreshResult{OrganizationUUID: orgID, Error: "account removed during refresh"}
	}

	switch a.Status {
	case StatusRateLimited:
		switch credResult {
		case CredentialInvalid:
			a.Status = StatusInvalid
			a.RateLimitResetsAt = nil
		case CredentialValid:
			if capabilities != nil {
				a.Capabilities = capabilities
			}
			switch probeOutcome {
			case ProbeOK:
				a.Status = StatusValid
				a.RateLimitResetsAt = nil
			case ProbeRateLimited:
				if probeResetsAt != nil {
					a.RateLimitResetsAt = probeResetsAt
				}
			}
		}

	case StatusInvalid:
		if credResult == CredentialValid {
			a.Status = StatusValid
			a.RateLimitResetsAt = nil
			if capabilities != nil {
				a.Capabilities = capabilities
			}
		}

	case StatusValid:
		switch credResult {
		case CredentialInvalid:
			a.Status = StatusInvalid
		case CredentialValid:
			if capabilities != nil {
				a.Capabilities = capabilities
			}
		}
	}

	newStatus := a.Status
	r.persistLocked()
	r.mu.Unlock()

	log.Info().Str("account", shortID(orgID)).
		Str("from", string(prev)).Str("to", string(newStatus)).
		Msg("account refreshed")

	return RefreshResult{
		OrganizationUUID: orgID,
		PreviousStatus:   prev,
		NewStatus:        newStatus,
	}
}
