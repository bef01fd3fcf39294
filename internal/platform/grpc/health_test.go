package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestWaitForHealthServing(t *testing.T) {
	addr, _ := startHealthServer(t, "worker.reconciler")
	conn := dialHealthServer(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := WaitForHealth(ctx, conn, "worker.reconciler", nil); err != nil {
		t.Fatalf("wait for health: %v", err)
	}
}

func TestWaitForHealthTransitionsToServing(t *testing.T) {
	addr, server := startHealthServer(t)
	conn := dialHealthServer(t, addr)
	server.SetNotServing("")

	go func() {
		time.Sleep(200 * time.Millisecond)
		server.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	}()

	var notices int
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := WaitForHealth(ctx, conn, "", func(string, ...any) { notices++ }); err != nil {
		t.Fatalf("wait for health after transition: %v", err)
	}
	if notices < 2 {
		t.Fatalf("log calls = %d, want at least one wait and one serving notice", notices)
	}
}

func TestWaitForHealthRespectsContext(t *testing.T) {
	addr, server := startHealthServer(t)
	conn := dialHealthServer(t, addr)
	server.SetNotServing("")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := WaitForHealth(ctx, conn, "", nil); err == nil {
		t.Fatal("expected context error, got nil")
	}
}

func TestWaitForHealthRequiresConn(t *testing.T) {
	if err := WaitForHealth(context.Background(), nil, "", nil); err == nil {
		t.Fatal("expected error for nil connection")
	}
}

func TestServeHealthRequiresListener(t *testing.T) {
	if _, err := ServeHealth(nil); err == nil {
		t.Fatal("expected error for nil listener")
	}
}

func TestNilHealthServerStop(t *testing.T) {
	var server *HealthServer
	server.SetNotServing("x")
	if err := server.Stop(); err != nil {
		t.Fatalf("stop nil server: %v", err)
	}
}

func startHealthServer(t *testing.T, services ...string) (string, *HealthServer) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server, err := ServeHealth(listener, services...)
	if err != nil {
		t.Fatalf("serve health: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("stop health server: %v", err)
		}
	})
	return listener.Addr().String(), server
}

func dialHealthServer(t *testing.T, addr string) *gogrpc.ClientConn {
	t.Helper()

	conn, err := gogrpc.NewClient(
		addr,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial health server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
