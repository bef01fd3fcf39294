package maintenance

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "data/stakes.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "data/stakes.db")
	}
	if cfg.ReportLimit != 50 {
		t.Fatalf("report limit = %d, want 50", cfg.ReportLimit)
	}
	if cfg.Timeout != time.Minute {
		t.Fatalf("timeout = %v, want 1m", cfg.Timeout)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	t.Setenv("PAY2PING_WORKER_DB_PATH", "env-stakes.db")
	t.Setenv("PAY2PING_MAINTENANCE_TIMEOUT", "30s")

	cfg, err := ParseConfig(fs, []string{"-db-path", "flag-stakes.db", "-report", "-report-limit", "5", "-json"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "flag-stakes.db" {
		t.Fatalf("db path = %q, want flag override", cfg.DBPath)
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", cfg.Timeout)
	}
	if !cfg.Report || cfg.ReportLimit != 5 || !cfg.JSONOutput {
		t.Fatalf("cfg = %+v, want report limit 5 with json", cfg)
	}
}

func TestValidateMode(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "no mode", cfg: Config{}, wantErr: "is required"},
		{name: "two modes", cfg: Config{Report: true, ReportLimit: 1, History: true, EscrowID: "E1"}, wantErr: "mutually exclusive"},
		{name: "history without escrow", cfg: Config{History: true}, wantErr: "-escrow-id is required"},
		{name: "report with escrow", cfg: Config{Report: true, ReportLimit: 1, EscrowID: "E1"}, wantErr: "only valid"},
		{name: "report zero limit", cfg: Config{Report: true}, wantErr: "-report-limit"},
		{name: "resolve without confirmation", cfg: Config{Resolve: true, EscrowID: "E1", Status: "refunded"}, wantErr: "-confirmation"},
		{name: "resolve non terminal", cfg: Config{Resolve: true, EscrowID: "E1", Status: "scheduled", Confirmation: "sig"}, wantErr: "-status must be"},
		{name: "resolve unknown status", cfg: Config{Resolve: true, EscrowID: "E1", Status: "paid", Confirmation: "sig"}, wantErr: "unknown stake status"},
		{name: "status outside resolve", cfg: Config{Requeue: true, EscrowID: "E1", Status: "refunded"}, wantErr: "only valid with -resolve"},
		{name: "report", cfg: Config{Report: true, ReportLimit: 10}},
		{name: "append", cfg: Config{AppendPath: "stakes.json"}},
		{name: "resolve", cfg: Config{Resolve: true, EscrowID: "E1", Status: "claimed", Confirmation: "sig"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMode(tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate mode: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOperatorDetail(t *testing.T) {
	if got := operatorDetail("requeued by operator", " "); got != "requeued by operator" {
		t.Fatalf("detail = %q", got)
	}
	if got := operatorDetail("requeued by operator", "vault fixed"); got != "requeued by operator: vault fixed" {
		t.Fatalf("detail = %q", got)
	}
}
