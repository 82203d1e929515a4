package httpclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"ccfleet/internal/proxypool"
)

func TestAPIClientRetriesTransportFaults(t *testing.T) {
	client, err := NewAPIClient(nil, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	dials := 0
	client.SetDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials++
		return nil, errors.New("connection refused")
	})

	if _, err := client.R().Get("http://upstream.test/"); err == nil {
		t.Fatal("expected transport error")
	}
	if dials != TransportAttempts {
		t.Errorf("dial attempts = %d, want %d", dials, TransportAttempts)
	}
}

func TestAPIClientRejectsUnknownProxyProtocol(t *testing.T) {
	_, err := NewAPIClient(&proxypool.Proxy{Protocol: "ftp", Host: "h", Port: 21}, time.Second)
	if err == nil {
		t.Fatal("expected error for unsupported proxy protocol")
	}
}
