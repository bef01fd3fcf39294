// Package worker parses worker command flags and launches the worker runtime.
package worker

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/pay2ping/internal/platform/cmd"
	"github.com/louisbranch/pay2ping/internal/platform/discovery"
	workerserver "github.com/louisbranch/pay2ping/internal/services/worker/app"
	"github.com/louisbranch/pay2ping/internal/services/worker/attendance"
	"github.com/louisbranch/pay2ping/internal/services/worker/disbursement"
)

// Config holds worker command configuration.
type Config struct {
	Port           int           `env:"PAY2PING_WORKER_PORT"`
	MetricsAddr    string        `env:"PAY2PING_WORKER_METRICS_ADDR" envDefault:":9089"`
	DBPath         string        `env:"PAY2PING_WORKER_DB_PATH" envDefault:"data/stakes.db"`
	TickInterval   time.Duration `env:"PAY2PING_WORKER_TICK_INTERVAL" envDefault:"2m"`
	TickTimeout    time.Duration `env:"PAY2PING_WORKER_TICK_TIMEOUT" envDefault:"0s"`
	Lookback       time.Duration `env:"PAY2PING_WORKER_LOOKBACK" envDefault:"6h"`
	LeaseTTL       time.Duration `env:"PAY2PING_WORKER_LEASE_TTL" envDefault:"5m"`
	MaxAttempts    int           `env:"PAY2PING_WORKER_MAX_ATTEMPTS" envDefault:"30"`
	VerifyTimeout  time.Duration `env:"PAY2PING_WORKER_VERIFY_TIMEOUT" envDefault:"30s"`
	ReleaseTimeout time.Duration `env:"PAY2PING_WORKER_RELEASE_TIMEOUT" envDefault:"60s"`

	ZoomAccountID    string  `env:"PAY2PING_ZOOM_ACCOUNT_ID"`
	ZoomClientID     string  `env:"PAY2PING_ZOOM_CLIENT_ID"`
	ZoomClientSecret string  `env:"PAY2PING_ZOOM_CLIENT_SECRET"`
	ZoomAPIURL       string  `env:"PAY2PING_ZOOM_API_URL" envDefault:"https://api.zoom.us/v2"`
	ZoomTokenURL     string  `env:"PAY2PING_ZOOM_TOKEN_URL" envDefault:"https://zoom.us/oauth/token"`
	ZoomRateLimit    float64 `env:"PAY2PING_ZOOM_RATE_LIMIT" envDefault:"10"`

	LedgerRelayURL   string `env:"PAY2PING_LEDGER_RELAY_URL"`
	LedgerRelayToken string `env:"PAY2PING_LEDGER_RELAY_TOKEN"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Port <= 0 {
		cfg.Port = discovery.DefaultGRPCPort(discovery.ServiceWorker)
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The worker health gRPC server port")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The stake SQLite database path")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "Reconciliation tick interval")
	fs.DurationVar(&cfg.TickTimeout, "tick-timeout", cfg.TickTimeout, "Upper bound for one tick (0 derives from the interval)")
	fs.DurationVar(&cfg.Lookback, "lookback", cfg.Lookback, "How far back ended meetings are reconciled")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Processing lease duration")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Attempts before a stake is escalated for review (0 disables)")
	fs.DurationVar(&cfg.VerifyTimeout, "verify-timeout", cfg.VerifyTimeout, "Attendance lookup timeout")
	fs.DurationVar(&cfg.ReleaseTimeout, "release-timeout", cfg.ReleaseTimeout, "Disbursement call timeout")
	fs.StringVar(&cfg.LedgerRelayURL, "ledger-relay-url", cfg.LedgerRelayURL, "Ledger relay base URL (default: in-network ledger-relay service)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the worker runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWorker, func(context.Context) error {
		return workerserver.Run(ctx, runtimeConfig(cfg))
	})
}

func runtimeConfig(cfg Config) workerserver.RuntimeConfig {
	return workerserver.RuntimeConfig{
		Port:           cfg.Port,
		MetricsAddr:    cfg.MetricsAddr,
		DBPath:         cfg.DBPath,
		TickInterval:   cfg.TickInterval,
		TickTimeout:    cfg.TickTimeout,
		Lookback:       cfg.Lookback,
		LeaseTTL:       cfg.LeaseTTL,
		MaxAttempts:    cfg.MaxAttempts,
		VerifyTimeout:  cfg.VerifyTimeout,
		ReleaseTimeout: cfg.ReleaseTimeout,
		Zoom: attendance.ZoomConfig{
			AccountID:    cfg.ZoomAccountID,
			ClientID:     cfg.ZoomClientID,
			ClientSecret: cfg.ZoomClientSecret,
			APIURL:       cfg.ZoomAPIURL,
			TokenURL:     cfg.ZoomTokenURL,
			RateLimit:    cfg.ZoomRateLimit,
		},
		Relay: disbursement.RelayConfig{
			BaseURL: discovery.OrDefaultHTTPBaseURL(cfg.LedgerRelayURL, discovery.ServiceLedgerRelay),
			Token:   cfg.LedgerRelayToken,
		},
	}
}
