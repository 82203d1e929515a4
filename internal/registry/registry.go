package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"ccfleet/internal/apperr"
)

// Config tunes registry behavior.
type Config struct {
	AccountsPath         string        `mapstructure:"accounts_path"`
	PerAccountSessionCap int           `mapstructure:"per_account_session_cap"`
	MaintenanceInterval  time.Duration `mapstructure:"maintenance_interval"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		AccountsPath:         "./data/accounts.json",
		PerAccountSessionCap: 3,
		MaintenanceInterval:  time.Minute,
	}
}

// Registry owns the account fleet: durable state, selection, and health
// marks. A single writer critical section covers both the in-memory maps and
// the persistence call, so a crash can never leave the two diverged.
type Registry struct {
	cfg Config

	mu              sync.RWMutex
	accounts        map[string]*Account // organization UUID -> account
	cookieToUUID    map[string]string
	sessionAccounts map[string]string          // client session key -> organization UUID
	accountSessions map[string]map[string]bool // organization UUID -> session keys

	refresher TokenRefresher

	done chan struct{}
	wg   sync.WaitGroup
}

// TokenRefresher refreshes OAuth tokens near expiry. Implemented by the
// OAuth driver; injected to keep the dependency one-way.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, ref Ref) (*OAuthToken, error)
}

// New creates a registry and loads the persisted fleet, if any.
func New(cfg Config) (*Registry, error) {
	r := &Registry{
		cfg:             cfg,
		accounts:        make(map[string]*Account),
		cookieToUUID:    make(map[string]string),
		sessionAccounts: make(map[string]string),
		accountSessions: make(map[string]map[string]bool),
		done:            make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	log.Info().Int("accounts", len(r.accounts)).Msg("account registry initialized")
	return r, nil
}

// SetTokenRefresher wires the OAuth driver in after construction.
func (r *Registry) SetTokenRefresher(tr TokenRefresher) { r.refresher = tr }

// Start launches the background maintenance loop: rate-limit recovery on
// elapsed resets and proactive token refresh.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.recoverRateLimited()
				r.refreshExpiringTokens()
			}
		}
	}()
}

// Close stops the maintenance loop.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()
}

// PickForOAuth selects the account with the fewest bound sessions among
// valid, non-overloaded OAuth-capable accounts; ties break on oldest
// last-used.
func (r *Registry) PickForOAuth() (Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var best *Account
	bestSessions := 0

	for _, a := range r.accounts {
		if a.Status != StatusValid || !a.CanOAuth() || a.Overloaded(now) {
			continue
		}
		sessions := len(r.accountSessions[a.OrganizationUUID])
		if best == nil || sessions < bestSessions ||
			(sessions == bestSessions && a.LastUsed.Before(best.LastUsed)) {
			best = a
			bestSessions = sessions
		}
	}

	if best == nil {
		return Ref{}, apperr.NoAccountsAvailable()
	}
	best.LastUsed = now
	return best.ref(), nil
}

// PickForSession returns the account bound to clientKey, binding a new one
// when none exists. Stickiness survives until the account turns invalid.
func (r *Registry) PickForSession(clientKey string) (Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if orgID, ok := r.sessionAccounts[clientKey]; ok {
		if a, ok := r.accounts[orgID]; ok && a.Status == StatusValid {
			a.LastUsed = now
			return a.ref(), nil
		}
		r.unbindLocked(clientKey)
	}

	var best *Account
	bestSessions := 0
	for _, a := range r.accounts {
		if a.Status != StatusValid || !a.CanWeb() || a.Overloaded(now) {
			continue
		}
		sessions := len(r.accountSessions[a.OrganizationUUID])
		if sessions >= r.cfg.PerAccountSessionCap {
			continue
		}
		if best == nil || sessions < bestSessions ||
			(sessions == bestSessions && a.LastUsed.Before(best.LastUsed)) {
			best = a
			bestSessions = sessions
		}
	}

	if best == nil {
		return Ref{}, apperr.NoAccountsAvailable()
	}

	r.sessionAccounts[clientKey] = best.OrganizationUUID
	if r.accountSessions[best.OrganizationUUID] == nil {
		r.accountSessions[best.OrganizationUUID] = make(map[string]bool)
	}
	r.accountSessions[best.OrganizationUUID][clientKey] = true
	best.LastUsed = now

	log.Debug().
		Str("account", shortID(best.OrganizationUUID)).
		Int("sessions", len(r.accountSessions[best.OrganizationUUID])).
		Msg("bound session to account")

	return best.ref(), nil
}

// ReleaseSession drops a client key's binding.
func (r *Registry) ReleaseSession(clientKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindLocked(clientKey)
}

func (r *Registry) unbindLocked(clientKey string) {
	orgID, ok := r.sessionAccounts[clientKey]
	if !ok {
		return
	}
	delete(r.sessionAccounts, clientKey)
	if set := r.accountSessions[orgID]; set != nil {
		delete(set, clientKey)
	}
}

// SessionCount returns the number of sessions bound to an account.
func (r *Registry) SessionCount(orgID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accountSessions[orgID])
}

// MarkRateLimited transitions the account to rate-limited with a reset
// instant. A missing upstream instant falls back to now+1h.
func (r *Registry) MarkRateLimited(orgID string, resetsAt *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[orgID]
	if !ok {
		return
	}
	if resetsAt == nil {
		t := time.Now().Add(time.Hour)
		resetsAt = &t
	}
	a.Status = StatusRateLimited
	a.RateLimitResetsAt = resetsAt
	r.persistLocked()

	log.Warn().Str("account", shortID(orgID)).Time("resets_at", *resetsAt).
		Msg("account rate limited")
}

// MarkInvalid transitions the account to invalid.
func (r *Registry) MarkInvalid(orgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[orgID]
	if !ok {
		return
	}
	a.Status = StatusInvalid
	a.RateLimitResetsAt = nil
	r.persistLocked()

	log.Warn().Str("account", shortID(orgID)).Msg("account marked invalid")
}

// MarkOverloaded sets the short overload cooldown. Overload is transient and
// not persisted.
func (r *Registry) MarkOverloaded(orgID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[orgID]
	if !ok {
		return
	}
	until := time.Now().Add(d)
	a.OverloadedUntil = &until

	log.Warn().Str("account", shortID(orgID)).Time("until", until).
		Msg("account overloaded")
}

// ClearRateLimit returns a rate-limited account to valid.
func (r *Registry) ClearRateLimit(orgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[orgID]
	if !ok || a.Status != StatusRateLimited {
		return
	}
	a.Status = StatusValid
	a.RateLimitResetsAt = nil
	r.persistLocked()

	log.Info().Str("account", shortID(orgID)).Msg("account rate limit cleared")
}

// UpdateOAuthToken stores a refreshed token.
func (r *Registry) UpdateOAuthToken(orgID string, tok *OAuthToken) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[orgID]
	if !ok {
		return
	}
	a.OAuth = tok
	r.persistLocked()
}

// Add registers a new account or updates the credentials of an existing one
// with the same organization. An empty orgID is generated.
func (r *Registry) Add(cookie string, oauth *OAuthToken, orgID string, capabilities []string) (*Account, error) {
	if cookie == "" && oauth == nil {
		return nil, fmt.Errorf("either a cookie or an oauth token is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Cookie dedup: an already-known cookie maps onto its account.
	if cookie != "" {
		if existing, ok := r.cookieToUUID[cookie]; ok {
			return r.accounts[existing], nil
		}
	}

	// Organization dedup: update credentials in place.
	if orgID != "" {
		if existing, ok := r.accounts[orgID]; ok {
			if cookie != "" && existing.Cookie != cookie {
				delete(r.cookieToUUID, existing.Cookie)
				existing.Cookie = cookie
				r.cookieToUUID[cookie] = orgID
			}
			if oauth != nil {
				existing.OAuth = oauth
			}
			r.persistLocked()
			return existing, nil
		}
	}

	if orgID == "" {
		orgID = uuid.New().String()
	}

	a := &Account{
		OrganizationUUID: orgID,
		Cookie:           cookie,
		OAuth:            oauth,
		Capabilities:     capabilities,
		Status:           StatusValid,
		CreatedAt:        time.Now(),
		LastUsed:         time.Now(),
	}
	r.accounts[orgID] = a
	if cookie != "" {
		r.cookieToUUID[cookie] = orgID
	}
	r.persistLocked()

	log.Info().Str("account", shortID(orgID)).Bool("oauth", oauth != nil).
		Msg("account added")
	return a, nil
}

// Remove deletes a single account and persists.
func (r *Registry) Remove(orgID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[orgID]; !ok {
		return fmt.Errorf("account not found: %s", orgID)
	}
	r.removeLocked(orgID)
	r.persistLocked()
	return nil
}

// BatchRemoveResult reports a batch delete outcome.
type BatchRemoveResult struct {
	Removed  int      `json:"removed"`
	NotFound []string `json:"not_found,omitempty"`
}

// BatchRemove deletes several accounts and persists once.
func (r *Registry) BatchRemove(orgIDs []string) BatchRemoveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res BatchRemoveResult
	for _, id := range orgIDs {
		if _, ok := r.accounts[id]; !ok {
			res.NotFound = append(res.NotFound, id)
			continue
		}
		r.removeLocked(id)
		res.Removed++
	}
	if res.Removed > 0 {
		r.persistLocked()
	}
	log.Info().Int("removed", res.Removed).Int("missing", len(res.NotFound)).
		Msg("batch account removal")
	return res
}

// removeLocked unlinks sessions and the cookie index for one account.
func (r *Registry) removeLocked(orgID string) {
	a := r.accounts[orgID]
	for key := range r.accountSessions[orgID] {
		delete(r.sessionAccounts, key)
	}
	delete(r.accountSessions, orgID)
	if a.Cookie != "" {
		delete(r.cookieToUUID, a.Cookie)
	}
	delete(r.accounts, orgID)
}

// Get returns the account ref for an organization, if present and valid.
func (r *Registry) Get(orgID string) (Ref, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[orgID]
	if !ok {
		return Ref{}, false
	}
	return a.ref(), true
}

// List returns the redacted admin view of the fleet.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, Info{
			OrganizationUUID: a.OrganizationUUID,
			Status:           a.Status,
			Tier:             a.Tier(),
			CanOAuth:         a.CanOAuth(),
			CanWeb:           a.CanWeb(),
			Sessions:         len(r.accountSessions[a.OrganizationUUID]),
			LastUsed:         a.LastUsed,
			ResetsAt:         a.RateLimitResetsAt,
			OverloadedUntil:  a.OverloadedUntil,
		})
	}
	return out
}

// recoverRateLimited flips rate-limited accounts back to valid once their
// reset instant has passed.
func (r *Registry) recoverRateLimited() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	changed := false
	for _, a := range r.accounts {
		if a.Status == StatusRateLimited && a.RateLimitResetsAt != nil &&
			!now.Before(*a.RateLimitResetsAt) {
			a.Status = StatusValid
			a.RateLimitResetsAt = nil
			changed = true
			log.Info().Str("account", shortID(a.OrganizationUUID)).
				Msg("rate-limited account recovered")
		}
		if a.OverloadedUntil != nil && !now.Before(*a.OverloadedUntil) {
			a.OverloadedUntil = nil
		}
	}
	if changed {
		r.persistLocked()
	}
}

// refreshExpiringTokens refreshes OAuth tokens that expire within 5 minutes.
func (r *Registry) refreshExpiringTokens() {
	if r.refresher == nil {
		return
	}

	r.mu.RLock()
	var due []Ref
	for _, a := range r.accounts {
		if a.OAuth != nil && a.OAuth.RefreshToken != "" && a.OAuth.Expired(5*time.Minute) {
			due = append(due, a.ref())
		}
	}
	r.mu.RUnlock()

	for _, ref := range due {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		tok, err := r.refresher.RefreshToken(ctx, ref)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("account", shortID(ref.OrganizationUUID)).
				Msg("background token refresh failed")
			continue
		}
		r.UpdateOAuthToken(ref.OrganizationUUID, tok)
	}
}

// BatchRefresh probes several accounts with bounded parallelism.
func (r *Registry) BatchRefresh(ctx context.Context, prober Prober, orgIDs []string, maxConcurrency int) []RefreshResult {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if maxConcurrency > 20 {
		maxConcurrency = 20
	}

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	results := make([]RefreshResult, len(orgIDs))
	var wg sync.WaitGroup

	for i, id := range orgIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = RefreshResult{OrganizationUUID: id, Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = r.Refresh(ctx, prober, id)
		}(i, id)
	}
	wg.Wait()
	return results
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
