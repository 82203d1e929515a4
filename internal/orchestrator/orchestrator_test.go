package orchestrator

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"ccfleet/internal/apperr"
	"ccfleet/internal/claude"
	"ccfleet/internal/proxypool"
	"ccfleet/internal/registry"
	"ccfleet/internal/session"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	regCfg := registry.DefaultConfig()
	regCfg.AccountsPath = filepath.Join(t.TempDir(), "accounts.json")
	reg, err := registry.New(regCfg)
	if err != nil {
		t.Fatal(err)
	}

	pool, err := proxypool.New(proxypool.DefaultSettings(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	o := New(DefaultConfig(), session.DefaultConfig(), reg, pool, nil)
	o.Start()
	t.Cleanup(o.Close)
	return o
}

func TestHandleRejectsInvalidRequests(t *testing.T) {
	o := newTestOrchestrator(t)

	tests := []struct {
		name string
		req  claude.MessagesRequest
	}{
		{"missing model", claude.MessagesRequest{MaxTokens: 10,
			Messages: []claude.Message{{Role: "user", Content: claude.TextContent("hi")}}}},
		{"missing max_tokens", claude.MessagesRequest{Model: "m",
			Messages: []claude.Message{{Role: "user", Content: claude.TextContent("hi")}}}},
		{"no messages", claude.MessagesRequest{Model: "m", MaxTokens: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := o.Handle(context.Background(), &tt.req, "client")
			var ae *apperr.Error
			if !errors.As(err, &ae) || ae.Kind != apperr.KindValidation {
				t.Fatalf("error = %v, want validation", err)
			}
		})
	}
}

func TestHandleAnswersTestMessageLocally(t *testing.T) {
	o := newTestOrchestrator(t)

	req := &claude.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 16,
		Messages:  []claude.Message{{Role: "user", Content: claude.TextContent("test")}},
	}

	// No accounts are registered, so anything that reaches upstream would fail.
	pc, stream, err := o.Handle(context.Background(), req, "client-1")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if pc.Origin != "canned" {
		t.Errorf("origin = %q, want canned", pc.Origin)
	}

	count := 0
	for {
		_, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		count++
	}
	if count != 6 {
		t.Errorf("canned stream emitted %d events, want 6", count)
	}
	if pc.Collected == nil || len(pc.Collected.Content) != 1 {
		t.Fatalf("canned response not collected: %+v", pc.Collected)
	}
	if pc.Collected.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", pc.Collected.Model)
	}
}

func TestHandleFailsFastWithoutAccounts(t *testing.T) {
	o := newTestOrchestrator(t)

	req := &claude.MessagesRequest{
		Model:     "m",
		MaxTokens: 16,
		Messages:  []claude.Message{{Role: "user", Content: claude.TextContent("real question")}},
	}

	_, _, err := o.Handle(context.Background(), req, "client-1")
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindNoAccountsAvailable {
		t.Fatalf("error = %v, want no_accounts_available", err)
	}
}

func TestOverloadBackoffCapsAtThirtySeconds(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := overloadBackoff(tt.attempt); got != tt.want {
			t.Errorf("overloadBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestReleaseStreamReleasesOnce(t *testing.T) {
	released := 0
	rs := &releaseStream{
		EventStream: testStream{},
		release:     func() { released++ },
	}
	rs.Close()
	rs.Close()
	if released != 1 {
		t.Errorf("release ran %d times, want exactly once", released)
	}
}

type testStream struct{}

func (testStream) Next(ctx context.Context) (*claude.Event, error) { return nil, io.EOF }
func (testStream) Close() error                                    { return nil }

func TestSleepCtxHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Minute); err == nil {
		t.Fatal("expected context error")
	}
}
