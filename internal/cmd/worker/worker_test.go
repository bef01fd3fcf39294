package worker

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	t.Setenv("PAY2PING_WORKER_PORT", "9099")
	t.Setenv("PAY2PING_ZOOM_ACCOUNT_ID", "acct")
	t.Setenv("PAY2PING_LEDGER_RELAY_URL", "http://relay:8080")

	cfg, err := ParseConfig(fs, []string{"-lookback", "3h", "-max-attempts", "3"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9099 {
		t.Fatalf("port = %d, want 9099", cfg.Port)
	}
	if cfg.ZoomAccountID != "acct" {
		t.Fatalf("zoom account id = %q, want %q", cfg.ZoomAccountID, "acct")
	}
	if cfg.LedgerRelayURL != "http://relay:8080" {
		t.Fatalf("ledger relay url = %q, want %q", cfg.LedgerRelayURL, "http://relay:8080")
	}
	if cfg.Lookback != 3*time.Hour {
		t.Fatalf("lookback = %v, want 3h", cfg.Lookback)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", cfg.MaxAttempts)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.TickInterval != 2*time.Minute {
		t.Fatalf("tick interval = %v, want 2m", cfg.TickInterval)
	}
	if cfg.Lookback != 6*time.Hour {
		t.Fatalf("lookback = %v, want 6h", cfg.Lookback)
	}
	if cfg.DBPath != "data/stakes.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "data/stakes.db")
	}
	if cfg.Port != 8089 {
		t.Fatalf("port = %d, want 8089", cfg.Port)
	}
	if cfg.MetricsAddr != ":9089" {
		t.Fatalf("metrics addr = %q, want %q", cfg.MetricsAddr, ":9089")
	}
	if cfg.MaxAttempts != 30 {
		t.Fatalf("max attempts = %d, want 30", cfg.MaxAttempts)
	}
	if cfg.ZoomAPIURL != "https://api.zoom.us/v2" {
		t.Fatalf("zoom api url = %q", cfg.ZoomAPIURL)
	}
}

func TestRuntimeConfigCarriesAdapters(t *testing.T) {
	runtime := runtimeConfig(Config{
		ZoomAccountID:    "acct",
		ZoomClientID:     "client",
		ZoomClientSecret: "secret",
		LedgerRelayURL:   "http://relay",
		LedgerRelayToken: "token",
	})
	if runtime.Zoom.AccountID != "acct" || runtime.Zoom.ClientSecret != "secret" {
		t.Fatalf("zoom config = %+v", runtime.Zoom)
	}
	if runtime.Relay.BaseURL != "http://relay" || runtime.Relay.Token != "token" {
		t.Fatalf("relay config = %+v", runtime.Relay)
	}
}

func TestRuntimeConfigDefaultsRelayToServiceAddress(t *testing.T) {
	runtime := runtimeConfig(Config{})
	if runtime.Relay.BaseURL != "http://ledger-relay:8095" {
		t.Fatalf("relay url = %q, want in-network default", runtime.Relay.BaseURL)
	}
}
