package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/pay2ping/internal/platform/grpc"
	"github.com/louisbranch/pay2ping/internal/platform/id"
	"github.com/louisbranch/pay2ping/internal/platform/timeouts"
	"github.com/louisbranch/pay2ping/internal/services/worker/attendance"
	"github.com/louisbranch/pay2ping/internal/services/worker/disbursement"
	workersqlite "github.com/louisbranch/pay2ping/internal/services/worker/storage/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RuntimeConfig controls worker startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port           int
	MetricsAddr    string
	DBPath         string
	TickInterval   time.Duration
	TickTimeout    time.Duration
	Lookback       time.Duration
	LeaseTTL       time.Duration
	MaxAttempts    int
	VerifyTimeout  time.Duration
	ReleaseTimeout time.Duration
	Zoom           attendance.ZoomConfig
	Relay          disbursement.RelayConfig
}

const (
	defaultWorkerPort = 8089
	defaultWorkerDB   = "data/stakes.db"
	healthServiceName = "worker.reconciler"
)

// Run starts worker runtime dependencies and the reconciliation loop.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultWorkerPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultWorkerDB
	}

	verifier, err := attendance.NewZoomClient(cfg.Zoom)
	if err != nil {
		return fmt.Errorf("configure zoom client: %w", err)
	}
	releaser, err := disbursement.NewRelayClient(cfg.Relay)
	if err != nil {
		return fmt.Errorf("configure ledger relay client: %w", err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create worker storage dir: %w", err)
		}
	}

	stakeStore, err := workersqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open stake sqlite store: %w", err)
	}
	defer func() {
		if closeErr := stakeStore.Close(); closeErr != nil {
			log.Printf("close stake sqlite store: %v", closeErr)
		}
	}()

	owner, err := id.NewOwnerID("worker")
	if err != nil {
		return fmt.Errorf("generate lease owner: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(registry)

	reconciler := NewReconciler(stakeStore, verifier, releaser, Config{
		Owner:          owner,
		Lookback:       cfg.Lookback,
		LeaseTTL:       cfg.LeaseTTL,
		MaxAttempts:    cfg.MaxAttempts,
		VerifyTimeout:  cfg.VerifyTimeout,
		ReleaseTimeout: cfg.ReleaseTimeout,
	}, metrics, nil)
	workerLoop := NewLoop(reconciler, cfg.TickInterval, cfg.TickTimeout)

	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		stopMetrics, err := serveMetrics(addr, registry)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on worker port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	healthServer, err := platformgrpc.ServeHealth(listener, healthServiceName)
	if err != nil {
		return fmt.Errorf("serve worker health: %w", err)
	}
	defer func() {
		if stopErr := healthServer.Stop(); stopErr != nil {
			log.Printf("stop worker health server: %v", stopErr)
		}
	}()

	log.Printf("worker server listening at %v (lease owner %s)", listener.Addr(), owner)
	return workerLoop.Run(ctx)
}

// serveMetrics exposes registry over HTTP and returns a shutdown func.
func serveMetrics(addr string, registry *prometheus.Registry) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on metrics addr %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()
	log.Printf("metrics listening at %v", listener.Addr())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown metrics server: %v", err)
		}
	}, nil
}
