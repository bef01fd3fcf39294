package discovery

import "testing"

func TestDefaultAddrs(t *testing.T) {
	if got := DefaultGRPCAddr(ServiceWorker); got != "worker:8089" {
		t.Fatalf("DefaultGRPCAddr(worker) = %q, want %q", got, "worker:8089")
	}
	if got := DefaultHTTPAddr(ServiceLedgerRelay); got != "ledger-relay:8095" {
		t.Fatalf("DefaultHTTPAddr(ledger-relay) = %q, want %q", got, "ledger-relay:8095")
	}
	if got := DefaultGRPCAddr("unknown"); got != "" {
		t.Fatalf("DefaultGRPCAddr(unknown) = %q, want empty", got)
	}
}

func TestDefaultPortAndListenAddr(t *testing.T) {
	if got := DefaultGRPCPort(" worker "); got != 8089 {
		t.Fatalf("DefaultGRPCPort(worker) = %d, want 8089", got)
	}
	if got := DefaultListenAddr(ServiceWorkerMetrics); got != ":9089" {
		t.Fatalf("DefaultListenAddr(worker-metrics) = %q, want %q", got, ":9089")
	}
	if got := DefaultListenAddr(ServiceWorker); got != "" {
		t.Fatalf("DefaultListenAddr(worker) = %q, want empty for a gRPC-only service", got)
	}
}

func TestOrDefaultHTTPBaseURL(t *testing.T) {
	if got := OrDefaultHTTPBaseURL(" https://relay.example.com ", ServiceLedgerRelay); got != "https://relay.example.com" {
		t.Fatalf("expected explicit base url to win, got %q", got)
	}
	if got := OrDefaultHTTPBaseURL("", ServiceLedgerRelay); got != "http://ledger-relay:8095" {
		t.Fatalf("expected default relay base url, got %q", got)
	}
	if got := OrDefaultHTTPBaseURL("", "unknown"); got != "" {
		t.Fatalf("expected empty url for unknown service, got %q", got)
	}
}
