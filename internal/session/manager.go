// Package session tracks sticky web-path conversations. Each client key maps
// to at most one live session; the session pins an account, a proxy, and an
// impersonated browser client for the lifetime of the upstream conversation.
package session

import (
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"

	"ccfleet/internal/proxypool"
	"ccfleet/internal/registry"
)

// Session is one bound web conversation. The proxy and client are captured
// at creation so every request in the conversation exits through the same
// address with the same fingerprint.
type Session struct {
	Key     string
	Account registry.Ref
	Proxy   *proxypool.Proxy
	Client  *req.Client

	// ConversationUUID is set once the driver has created the upstream
	// conversation.
	ConversationUUID string

	// WebSearch and Paprika record which upstream conversation settings have
	// already been applied, so repeat requests skip the settings PATCH.
	WebSearch bool
	Paprika   bool

	CreatedAt time.Time

	mu       sync.Mutex
	lastUsed time.Time
}

// Touch bumps the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// LastUsed returns the last activity instant.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Config tunes the manager.
type Config struct {
	TTL           time.Duration `mapstructure:"ttl" json:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           time.Hour,
		SweepInterval: time.Minute,
	}
}

// DestroyFunc is invoked after a session leaves the table. Wiring installs a
// hook that releases the registry binding and best-effort deletes the
// upstream conversation.
type DestroyFunc func(s *Session, reason string)

// Manager owns the client-key to session table and the idle sweeper.
type Manager struct {
	cfg       Config
	onDestroy DestroyFunc

	mu       sync.Mutex
	sessions map[string]*Session

	stop chan struct{}
	done chan struct{}
}

// NewManager builds a manager. Call Start to begin idle sweeping.
func NewManager(cfg Config, onDestroy DestroyFunc) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Manager{
		cfg:       cfg,
		onDestroy: onDestroy,
		sessions:  make(map[string]*Session),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the idle sweeper.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Close stops the sweeper and destroys every live session.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done

	m.mu.Lock()
	doomed := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		doomed = append(doomed, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range doomed {
		m.destroy(s, "shutdown")
	}
}

// Get returns the live session for a client key, touching it.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	if time.Since(s.LastUsed()) > m.cfg.TTL {
		m.Destroy(key, "expired")
		return nil, false
	}
	s.Touch()
	return s, true
}

// Put registers a freshly created session, replacing (and destroying) any
// previous session under the same key.
func (m *Manager) Put(s *Session) {
	now := time.Now()
	s.CreatedAt = now
	s.lastUsed = now

	m.mu.Lock()
	old := m.sessions[s.Key]
	m.sessions[s.Key] = s
	m.mu.Unlock()

	if old != nil {
		m.destroy(old, "replaced")
	}
	log.Debug().Str("session", s.Key).
		Str("account", s.Account.OrganizationUUID).
		Msg("session created")
}

// Destroy removes a session and runs the destroy hook.
func (m *Manager) Destroy(key, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if ok {
		m.destroy(s, reason)
	}
}

// DestroyByAccount drops every session bound to an account. Used when the
// account is marked invalid or rate limited.
func (m *Manager) DestroyByAccount(orgID, reason string) {
	m.mu.Lock()
	var doomed []*Session
	for key, s := range m.sessions {
		if s.Account.OrganizationUUID == orgID {
			delete(m.sessions, key)
			doomed = append(doomed, s)
		}
	}
	m.mu.Unlock()

	for _, s := range doomed {
		m.destroy(s, reason)
	}
}

// Len reports the live session count.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) destroy(s *Session, reason string) {
	log.Debug().Str("session", s.Key).Str("reason", reason).Msg("session destroyed")
	if m.onDestroy != nil {
		m.onDestroy(s, reason)
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.TTL)

	m.mu.Lock()
	var doomed []*Session
	for key, s := range m.sessions {
		if s.LastUsed().Before(cutoff) {
			delete(m.sessions, key)
			doomed = append(doomed, s)
		}
	}
	m.mu.Unlock()

	for _, s := range doomed {
		m.destroy(s, "expired")
	}
}
