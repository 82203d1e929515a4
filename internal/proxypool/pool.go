package proxypool

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ccfleet/internal/apperr"
)

// Mode selects how the pool behaves.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeFixed    Mode = "fixed"
	ModeDynamic  Mode = "dynamic"
)

// Strategy selects how dynamic mode rotates proxies.
type Strategy string

const (
	StrategySequential     Strategy = "sequential"
	StrategyRandom         Strategy = "random"
	StrategyRandomNoRepeat Strategy = "random_no_repeat"
	StrategyPerAccount     Strategy = "per_account"
)

// FailureCause classifies a reported proxy failure.
type FailureCause string

const (
	CauseTransport FailureCause = "transport"
	CauseHTTP403   FailureCause = "http403"
)

// Settings configures the pool.
type Settings struct {
	Mode             Mode          `mapstructure:"mode" json:"mode"`
	FixedURL         string        `mapstructure:"fixed_url" json:"fixed_url"`
	Strategy         Strategy      `mapstructure:"rotation_strategy" json:"rotation_strategy"`
	RotationInterval time.Duration `mapstructure:"rotation_interval" json:"rotation_interval"`
	CooldownDuration time.Duration `mapstructure:"cooldown_duration" json:"cooldown_duration"`
	FallbackStrategy Strategy      `mapstructure:"fallback_strategy" json:"fallback_strategy"`
}

// DefaultSettings returns the default pool settings.
func DefaultSettings() Settings {
	return Settings{
		Mode:             ModeDisabled,
		Strategy:         StrategySequential,
		RotationInterval: 5 * time.Minute,
		CooldownDuration: 5 * time.Minute,
		FallbackStrategy: StrategyRandom,
	}
}

// Status is the admin-facing pool snapshot. Current is rendered redacted.
type Status struct {
	Mode      Mode     `json:"mode"`
	Strategy  Strategy `json:"strategy"`
	Total     int      `json:"total"`
	Available int      `json:"available"`
	Current   string   `json:"current,omitempty"`
}

// Pool owns the upstream proxies and answers selection per the configured
// strategy. A nil *Proxy result with a nil error means direct egress.
type Pool struct {
	mu       sync.Mutex
	settings Settings
	proxies  []*Proxy
	fixed    *Proxy

	cursor  int   // sequential
	permIdx int   // random_no_repeat
	perm    []int // random_no_repeat shuffled order
	rng     *rand.Rand

	ticker *time.Ticker
	done   chan struct{}
}

// New creates a pool from settings and an initial proxy list. The list is
// ignored outside dynamic mode.
func New(settings Settings, proxies []*Proxy) (*Pool, error) {
	p := &Pool{
		settings: settings,
		proxies:  proxies,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		done:     make(chan struct{}),
	}

	if settings.Mode == ModeFixed && settings.FixedURL != "" {
		fixed, err := ParseProxy(settings.FixedURL)
		if err != nil {
			return nil, err
		}
		p.fixed = fixed
	}

	if settings.Mode == ModeDynamic && settings.Strategy == StrategySequential &&
		settings.RotationInterval > 0 {
		p.ticker = time.NewTicker(settings.RotationInterval)
		go p.rotate()
	}

	return p, nil
}

// Close stops the rotation ticker.
func (p *Pool) Close() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
	close(p.done)
}

func (p *Pool) rotate() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.mu.Lock()
			if n := len(p.proxies); n > 0 {
				p.cursor = (p.cursor + 1) % n
			}
			p.mu.Unlock()
		}
	}
}

// Get returns a proxy for the given account identity. accountKey may be
// empty; per_account then falls back to the configured fallback strategy.
func (p *Pool) Get(accountKey string) (*Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.settings.Mode {
	case ModeDisabled, "":
		return nil, nil
	case ModeFixed:
		if p.fixed == nil {
			return nil, nil
		}
		if !p.fixed.IsAvailable(time.Now()) {
			return nil, apperr.AllProxiesUnavailable()
		}
		return p.fixed, nil
	}

	if len(p.proxies) == 0 {
		return nil, nil
	}

	return p.pick(p.settings.Strategy, accountKey)
}

// pick runs under p.mu.
func (p *Pool) pick(strategy Strategy, accountKey string) (*Proxy, error) {
	now := time.Now()

	switch strategy {
	case StrategySequential:
		return p.probeFrom(p.cursor, now)

	case StrategyRandom:
		healthy := p.healthy(now)
		if len(healthy) == 0 {
			return nil, apperr.AllProxiesUnavailable()
		}
		return healthy[p.rng.Intn(len(healthy))], nil

	case StrategyRandomNoRepeat:
		if len(p.perm) != len(p.proxies) || p.permIdx >= len(p.perm) {
			p.perm = p.rng.Perm(len(p.proxies))
			p.permIdx = 0
		}
		for tried := 0; tried < len(p.perm); tried++ {
			if p.permIdx >= len(p.perm) {
				p.perm = p.rng.Perm(len(p.proxies))
				p.permIdx = 0
			}
			candidate := p.proxies[p.perm[p.permIdx]]
			p.permIdx++
			if candidate.IsAvailable(now) {
				return candidate, nil
			}
		}
		return nil, apperr.AllProxiesUnavailable()

	case StrategyPerAccount:
		if accountKey == "" {
			fallback := p.settings.FallbackStrategy
			if fallback == "" || fallback == StrategyPerAccount {
				fallback = StrategyRandom
			}
			return p.pick(fallback, "")
		}
		base := int(hashKey(accountKey) % uint64(len(p.proxies)))
		return p.probeFrom(base, now)

	default:
		return p.probeFrom(p.cursor, now)
	}
}

// probeFrom linearly probes forward from idx to the first healthy proxy.
func (p *Pool) probeFrom(idx int, now time.Time) (*Proxy, error) {
	n := len(p.proxies)
	for i := 0; i < n; i++ {
		candidate := p.proxies[(idx+i)%n]
		if candidate.IsAvailable(now) {
			return candidate, nil
		}
	}
	return nil, apperr.AllProxiesUnavailable()
}

func (p *Pool) healthy(now time.Time) []*Proxy {
	out := make([]*Proxy, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		if proxy.IsAvailable(now) {
			out = append(out, proxy)
		}
	}
	return out
}

// ReportFailure quarantines a proxy after a transport fault or an upstream
// 403 observed while the proxy was in use.
func (p *Pool) ReportFailure(proxy *Proxy, cause FailureCause) {
	if proxy == nil {
		return
	}
	proxy.Quarantine(p.settings.CooldownDuration)
	log.Warn().
		Str("proxy", proxy.Redacted()).
		Str("cause", string(cause)).
		Dur("cooldown", p.settings.CooldownDuration).
		Msg("proxy quarantined")
}

// Reload replaces the pool from a proxy list file body and resets strategy
// state. Parse errors on individual lines are logged, not fatal.
func (p *Pool) Reload(content string) int {
	proxies, errs := ParseList(content)
	for _, err := range errs {
		log.Warn().Err(err).Msg("skipping malformed proxy line")
	}

	p.mu.Lock()
	p.proxies = proxies
	p.cursor = 0
	p.perm = nil
	p.permIdx = 0
	p.mu.Unlock()

	log.Info().Int("count", len(proxies)).Msg("proxy pool reloaded")
	return len(proxies)
}

// UpdateSettings swaps the pool settings at runtime.
func (p *Pool) UpdateSettings(settings Settings) error {
	var fixed *Proxy
	if settings.Mode == ModeFixed && settings.FixedURL != "" {
		parsed, err := ParseProxy(settings.FixedURL)
		if err != nil {
			return err
		}
		fixed = parsed
	}

	p.mu.Lock()
	p.settings = settings
	p.fixed = fixed
	p.cursor = 0
	p.perm = nil
	p.permIdx = 0
	p.mu.Unlock()
	return nil
}

// List returns the redacted proxy list for the admin surface.
func (p *Pool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		out = append(out, proxy.Redacted())
	}
	return out
}

// Settings returns a snapshot of the current settings.
func (p *Pool) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// Status reports the admin snapshot.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	st := Status{
		Mode:     p.settings.Mode,
		Strategy: p.settings.Strategy,
		Total:    len(p.proxies),
	}
	for _, proxy := range p.proxies {
		if proxy.IsAvailable(now) {
			st.Available++
		}
	}
	switch p.settings.Mode {
	case ModeFixed:
		if p.fixed != nil {
			st.Current = p.fixed.Redacted()
			st.Total = 1
			st.Available = 0
			if p.fixed.IsAvailable(now) {
				st.Available = 1
			}
		}
	case ModeDynamic:
		if len(p.proxies) > 0 {
			st.Current = p.proxies[p.cursor%len(p.proxies)].Redacted()
		}
	}
	return st
}

// hashKey gives a stable hash for per_account assignment. Identical inputs
// always map to the same base index.
func hashKey(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}
