package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRecordAccountConcurrentFirstWrites(t *testing.T) {
	m := New()

	const workers = 8
	const accounts = 50

	// Every worker touches every key, so each key sees concurrent
	// first-time writers racing to create its counter.
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < accounts; i++ {
				m.RecordAccount(fmt.Sprintf("org-%d", i), i%2 == 0)
				m.RecordRetry("proxy_transport")
			}
		}()
	}
	wg.Wait()

	for i := 0; i < accounts; i++ {
		key := fmt.Sprintf("org-%d", i)
		if got := atomic.LoadInt64(m.accountRequests[key]); got != workers {
			t.Fatalf("account %s requests = %d, want %d", key, got, workers)
		}
		if i%2 == 0 {
			if got := atomic.LoadInt64(m.accountErrors[key]); got != workers {
				t.Fatalf("account %s errors = %d, want %d", key, got, workers)
			}
		}
	}
	if got := atomic.LoadInt64(m.retryByKind["proxy_transport"]); got != workers*accounts {
		t.Errorf("retries = %d, want %d", got, workers*accounts)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordAccount("org", true)
	m.RecordRetry("kind")
	m.RecordRequest("web", "model", "ok", 0)
	m.RecordTTFT("web", "model", 0)
	m.RecordProxyFailure()
	m.RecordOverloadRetry()
	m.IncInFlight()()
}
