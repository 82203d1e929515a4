// Package metrics keeps in-memory runtime counters for the admin surface.
// Durable accounting lives in the store; these reset on restart.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Metrics aggregates request and failover counters. All methods are nil-safe
// so a disabled instance costs nothing at call sites.
type Metrics struct {
	requestsTotal    map[string]*int64          // origin:model:outcome -> count
	requestsDuration map[string]*durationMetric // origin:model -> duration stats
	ttft             map[string]*durationMetric // origin:model -> first-event latency
	inFlight         int64

	accountRequests map[string]*int64 // account -> count
	accountErrors   map[string]*int64 // account -> count

	retryByKind     map[string]*int64 // error kind -> retries
	proxyFailures   int64
	overloadRetries int64

	mu sync.RWMutex
}

type durationMetric struct {
	count int64
	sumMs int64
	minMs int64
	maxMs int64
}

func New() *Metrics {
	return &Metrics{
		requestsTotal:    make(map[string]*int64),
		requestsDuration: make(map[string]*durationMetric),
		ttft:             make(map[string]*durationMetric),
		accountRequests:  make(map[string]*int64),
		accountErrors:    make(map[string]*int64),
		retryByKind:      make(map[string]*int64),
	}
}

// Handler serves the counters as JSON.
func (m *Metrics) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.JSON(200, gin.H{"error": "metrics disabled"})
			return
		}
		m.mu.RLock()
		defer m.mu.RUnlock()
		c.JSON(200, m.snapshot())
	}
}

func (m *Metrics) snapshot() map[string]interface{} {
	stats := make(map[string]interface{})

	totals := make(map[string]int64)
	for k, v := range m.requestsTotal {
		totals[k] = atomic.LoadInt64(v)
	}
	stats["requests_total"] = totals
	stats["requests_in_flight"] = atomic.LoadInt64(&m.inFlight)

	stats["request_duration"] = durationMap(m.requestsDuration)
	stats["ttft"] = durationMap(m.ttft)

	accounts := make(map[string]interface{})
	for k, v := range m.accountRequests {
		errs := int64(0)
		if e := m.accountErrors[k]; e != nil {
			errs = atomic.LoadInt64(e)
		}
		accounts[k] = map[string]int64{
			"requests": atomic.LoadInt64(v),
			"errors":   errs,
		}
	}
	stats["accounts"] = accounts

	retries := make(map[string]int64)
	for k, v := range m.retryByKind {
		retries[k] = atomic.LoadInt64(v)
	}
	stats["retries_by_kind"] = retries
	stats["proxy_failures"] = atomic.LoadInt64(&m.proxyFailures)
	stats["overload_retries"] = atomic.LoadInt64(&m.overloadRetries)

	return stats
}

func durationMap(src map[string]*durationMetric) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range src {
		out[k] = map[string]int64{
			"count":  v.count,
			"sum_ms": v.sumMs,
			"min_ms": v.minMs,
			"max_ms": v.maxMs,
			"avg_ms": safeDivide(v.sumMs, v.count),
		}
	}
	return out
}

func safeDivide(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// RecordRequest records a finished request.
func (m *Metrics) RecordRequest(origin, model, outcome string, duration time.Duration) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := origin + ":" + model + ":" + outcome
	if m.requestsTotal[key] == nil {
		var zero int64
		m.requestsTotal[key] = &zero
	}
	atomic.AddInt64(m.requestsTotal[key], 1)

	recordDuration(m.requestsDuration, origin+":"+model, duration)
}

// RecordTTFT records first-event latency.
func (m *Metrics) RecordTTFT(origin, model string, duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recordDuration(m.ttft, origin+":"+model, duration)
}

func recordDuration(dest map[string]*durationMetric, key string, duration time.Duration) {
	if dest[key] == nil {
		dest[key] = &durationMetric{minMs: int64(^uint64(0) >> 1)}
	}
	dm := dest[key]
	ms := duration.Milliseconds()
	dm.count++
	dm.sumMs += ms
	if ms < dm.minMs {
		dm.minMs = ms
	}
	if ms > dm.maxMs {
		dm.maxMs = ms
	}
}

// RecordAccount charges a request (and optionally an error) to an account.
func (m *Metrics) RecordAccount(accountID string, failed bool) {
	if m == nil || accountID == "" {
		return
	}

	// Counter pointers are captured under the lock; the adds run outside it
	// so a concurrent first writer cannot race the map access.
	m.mu.Lock()
	reqs := m.accountRequests[accountID]
	if reqs == nil {
		var zero int64
		reqs = &zero
		m.accountRequests[accountID] = reqs
	}
	var errs *int64
	if failed {
		errs = m.accountErrors[accountID]
		if errs == nil {
			var zero int64
			errs = &zero
			m.accountErrors[accountID] = errs
		}
	}
	m.mu.Unlock()

	atomic.AddInt64(reqs, 1)
	if failed {
		atomic.AddInt64(errs, 1)
	}
}

// RecordRetry counts one retry, keyed by the error kind that caused it.
func (m *Metrics) RecordRetry(kind string) {
	if m == nil {
		return
	}

	m.mu.Lock()
	counter := m.retryByKind[kind]
	if counter == nil {
		var zero int64
		counter = &zero
		m.retryByKind[kind] = counter
	}
	m.mu.Unlock()

	atomic.AddInt64(counter, 1)
}

// RecordProxyFailure counts one quarantined proxy.
func (m *Metrics) RecordProxyFailure() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.proxyFailures, 1)
}

// RecordOverloadRetry counts one overload backoff cycle.
func (m *Metrics) RecordOverloadRetry() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.overloadRetries, 1)
}

// IncInFlight tracks request admission; the returned func marks completion.
func (m *Metrics) IncInFlight() func() {
	if m == nil {
		return func() {}
	}
	atomic.AddInt64(&m.inFlight, 1)
	var once sync.Once
	return func() {
		once.Do(func() { atomic.AddInt64(&m.inFlight, -1) })
	}
}

// MarshalJSON lets the admin stats endpoint embed the counters.
func (m *Metrics) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.snapshot())
}
