// Package orchestrator owns the request lifecycle: admission, account and
// proxy selection, driver dispatch, and the retry policy that turns fleet
// faults into transparent failover.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"ccfleet/internal/apperr"
	"ccfleet/internal/claude"
	"ccfleet/internal/driver"
	"ccfleet/internal/httpclient"
	"ccfleet/internal/metrics"
	"ccfleet/internal/pipeline"
	"ccfleet/internal/proxypool"
	"ccfleet/internal/registry"
	"ccfleet/internal/session"
)

// Config tunes the retry policy and admission control.
type Config struct {
	RetryAttempts         int           `mapstructure:"retry_attempts" json:"retry_attempts"`
	RetryInterval         time.Duration `mapstructure:"retry_interval" json:"retry_interval"`
	OverloadRetryAttempts int           `mapstructure:"overload_retry_attempts" json:"overload_retry_attempts"`
	OverloadCooldown      time.Duration `mapstructure:"overload_cooldown" json:"overload_cooldown"`
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests" json:"max_concurrent_requests"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	ProbeTimeout          time.Duration `mapstructure:"probe_timeout" json:"probe_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:         3,
		RetryInterval:         time.Second,
		OverloadRetryAttempts: 5,
		OverloadCooldown:      30 * time.Second,
		MaxConcurrentRequests: 100,
		RequestTimeout:        10 * time.Minute,
		ProbeTimeout:          30 * time.Second,
	}
}

// Orchestrator routes Messages requests across the fleet.
type Orchestrator struct {
	cfg      Config
	reg      *registry.Registry
	pool     *proxypool.Pool
	sessions *session.Manager
	oauth    *driver.OAuthDriver
	web      *driver.WebDriver
	metrics  *metrics.Metrics

	sem *semaphore.Weighted
}

// New wires the orchestrator. The session destroy hook is installed here so
// expired sessions release their registry binding and upstream conversation.
func New(cfg Config, sessCfg session.Config, reg *registry.Registry, pool *proxypool.Pool, m *metrics.Metrics) *Orchestrator {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = DefaultConfig().MaxConcurrentRequests
	}
	if sessCfg.TTL <= 0 {
		sessCfg = session.DefaultConfig()
	}

	o := &Orchestrator{
		cfg:     cfg,
		reg:     reg,
		pool:    pool,
		oauth:   driver.NewOAuthDriver(reg, cfg.RequestTimeout),
		web:     driver.NewWebDriver(cfg.RequestTimeout, cfg.ProbeTimeout),
		metrics: m,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
	}

	o.sessions = session.NewManager(sessCfg, func(s *session.Session, reason string) {
		reg.ReleaseSession(s.Key)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		o.web.DeleteConversation(ctx, s)
	})

	reg.SetTokenRefresher(o.oauth)
	return o
}

// Start launches background loops.
func (o *Orchestrator) Start() {
	o.sessions.Start()
}

// Close tears down sessions.
func (o *Orchestrator) Close() {
	o.sessions.Close()
}

// Sessions exposes the session manager for admin surfaces.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Prober returns the credential prober behind account refresh.
func (o *Orchestrator) Prober() registry.Prober { return o.web }

// Handle serves one Messages request. On success the returned stream is
// ready to emit; the caller must Close it, which also releases the
// concurrency slot.
func (o *Orchestrator) Handle(ctx context.Context, req *claude.MessagesRequest, clientKey string) (*pipeline.Context, pipeline.EventStream, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, apperr.Validation(err.Error())
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, apperr.ClientDisconnected(err)
	}
	release := func() { o.sem.Release(1) }

	pc := pipeline.NewContext(req)

	if pipeline.IsTestMessage(req) {
		pc.Origin = "canned"
		stream := pipeline.Chain(pc, pipeline.TestMessageStream(req), pipeline.MessageCollector)
		return pc, &releaseStream{EventStream: stream, release: release}, nil
	}

	stream, err := o.dispatch(ctx, pc, clientKey)
	if err != nil {
		release()
		return nil, nil, err
	}
	return pc, &releaseStream{EventStream: stream, release: release}, nil
}

// dispatch runs the layered retry loop. The general budget covers account
// and proxy failover; overload retries burn a separate budget with
// exponential backoff so a busy upstream is not mistaken for a broken one.
func (o *Orchestrator) dispatch(ctx context.Context, pc *pipeline.Context, clientKey string) (pipeline.EventStream, error) {
	var lastErr error
	overloads := 0

	for attempt := 0; attempt < o.cfg.RetryAttempts; {
		stream, orgID, err := o.attempt(ctx, pc, clientKey)
		if err == nil {
			return stream, nil
		}
		lastErr = err

		ae := apperr.AsError(err)
		o.metrics.RecordRetry(string(ae.Kind))
		o.metrics.RecordAccount(orgID, true)
		switch ae.Kind {
		case apperr.KindRateLimited:
			// The account is done for the window; switch immediately.
			o.reg.MarkRateLimited(orgID, ae.ResetsAt)
			o.sessions.DestroyByAccount(orgID, "rate_limited")
			attempt++

		case apperr.KindInvalidCredentials:
			o.reg.MarkInvalid(orgID)
			o.sessions.DestroyByAccount(orgID, "invalid")
			attempt++

		case apperr.KindProxyTransport:
			// Quarantine already happened at pick time via ReportFailure;
			// wait out the interval and draw a fresh proxy.
			attempt++
			if attempt < o.cfg.RetryAttempts {
				if serr := sleepCtx(ctx, o.cfg.RetryInterval); serr != nil {
					return nil, apperr.ClientDisconnected(serr)
				}
			}

		case apperr.KindUpstreamOverloaded:
			overloads++
			o.metrics.RecordOverloadRetry()
			if overloads > o.cfg.OverloadRetryAttempts {
				o.reg.MarkOverloaded(orgID, o.cfg.OverloadCooldown)
				return nil, err
			}
			o.reg.MarkOverloaded(orgID, o.cfg.OverloadCooldown)
			if serr := sleepCtx(ctx, overloadBackoff(overloads)); serr != nil {
				return nil, apperr.ClientDisconnected(serr)
			}

		default:
			// Validation, protocol, exhausted pools: nothing a retry fixes.
			return nil, err
		}

		log.Warn().Str("kind", string(ae.Kind)).
			Str("account", orgID).
			Int("attempt", attempt).
			Int("overloads", overloads).
			Msg("request attempt failed, retrying")
	}

	return nil, lastErr
}

// attempt runs one account+proxy pick and one upstream call.
func (o *Orchestrator) attempt(ctx context.Context, pc *pipeline.Context, clientKey string) (pipeline.EventStream, string, error) {
	// OAuth-capable accounts get the native API; everything else goes
	// through the web emulation.
	if ref, err := o.reg.PickForOAuth(); err == nil {
		stream, aerr := o.attemptOAuth(ctx, pc, ref)
		return stream, ref.OrganizationUUID, aerr
	}

	ref, s, err := o.webSession(clientKey)
	if err != nil {
		return nil, "", err
	}
	stream, aerr := o.attemptWeb(ctx, pc, s)
	return stream, ref.OrganizationUUID, aerr
}

func (o *Orchestrator) attemptOAuth(ctx context.Context, pc *pipeline.Context, ref registry.Ref) (pipeline.EventStream, error) {
	proxy, err := o.pool.Get(ref.OrganizationUUID)
	if err != nil {
		return nil, err
	}

	pc.Origin = "oauth"
	pc.AccountID = ref.OrganizationUUID

	raw, err := o.oauth.Stream(ctx, pc, ref, proxy)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindProxyTransport && proxy != nil {
			o.pool.ReportFailure(proxy, proxypool.CauseTransport)
			o.metrics.RecordProxyFailure()
		}
		return nil, err
	}

	stream, err := pipeline.DetectOverload(ctx, raw)
	if err != nil {
		return nil, err
	}
	return pipeline.Chain(pc, stream,
		pipeline.MessageCollector,
		pipeline.TokenCounter,
	), nil
}

func (o *Orchestrator) attemptWeb(ctx context.Context, pc *pipeline.Context, s *session.Session) (pipeline.EventStream, error) {
	pc.Origin = "web"
	pc.AccountID = s.Account.OrganizationUUID

	raw, err := o.web.Stream(ctx, pc, s)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindProxyTransport {
			if s.Proxy != nil {
				o.pool.ReportFailure(s.Proxy, proxypool.CauseTransport)
				o.metrics.RecordProxyFailure()
			}
			// The pinned proxy is burnt; the next attempt builds a fresh
			// session on a different one.
			o.sessions.Destroy(s.Key, "proxy_failure")
		}
		return nil, err
	}

	stream, err := pipeline.DetectOverload(ctx, raw)
	if err != nil {
		return nil, err
	}
	return pipeline.Chain(pc, stream,
		pipeline.ModelInjector,
		pipeline.StopSequencesEnforcer,
		pipeline.ToolCallEvents,
		pipeline.MessageCollector,
		pipeline.TokenCounter,
	), nil
}

// webSession returns the sticky session for a client key, creating and
// binding one when absent. The proxy and browser client are pinned at
// creation.
func (o *Orchestrator) webSession(clientKey string) (registry.Ref, *session.Session, error) {
	if s, ok := o.sessions.Get(clientKey); ok {
		return s.Account, s, nil
	}

	ref, err := o.reg.PickForSession(clientKey)
	if err != nil {
		return registry.Ref{}, nil, err
	}

	proxy, err := o.pool.Get(ref.OrganizationUUID)
	if err != nil {
		o.reg.ReleaseSession(clientKey)
		return registry.Ref{}, nil, err
	}

	s := &session.Session{
		Key:     clientKey,
		Account: ref,
		Proxy:   proxy,
		Client:  httpclient.NewWebClient(proxy, o.cfg.RequestTimeout),
	}
	o.sessions.Put(s)
	return ref, s, nil
}

// releaseStream gives the concurrency slot back when the response stream is
// closed.
type releaseStream struct {
	pipeline.EventStream
	release func()
	done    bool
}

func (r *releaseStream) Close() error {
	err := r.EventStream.Close()
	if !r.done {
		r.done = true
		r.release()
	}
	return err
}

func overloadBackoff(n int) time.Duration {
	d := time.Second << uint(n-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
