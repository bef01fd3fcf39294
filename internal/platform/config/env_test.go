package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Interval time.Duration `env:"PAY2PING_TEST_INTERVAL" envDefault:"2m"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Interval != 2*time.Minute {
		t.Fatalf("interval = %v, want 2m", cfg.Interval)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("PAY2PING_TEST_INTERVAL", "soon")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
