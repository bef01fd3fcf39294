// Package grpc hosts the gRPC health surface shared by long-running services.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthProbeTimeout     = time.Second
	healthInitialInterval  = 200 * time.Millisecond
	healthMaxRetryInterval = time.Second
)

// HealthServer serves grpc.health.v1 for the process and named services.
type HealthServer struct {
	server  *gogrpc.Server
	health  *health.Server
	serveCh chan error
}

// ServeHealth starts a health server on listener and marks the overall
// status and each named service as SERVING.
func ServeHealth(listener net.Listener, services ...string) (*HealthServer, error) {
	if listener == nil {
		return nil, errors.New("health listener is required")
	}
	server := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, service := range services {
		healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	h := &HealthServer{server: server, health: healthServer, serveCh: make(chan error, 1)}
	go func() {
		h.serveCh <- server.Serve(listener)
	}()
	return h, nil
}

// SetNotServing flips one service to NOT_SERVING.
func (h *HealthServer) SetNotServing(service string) {
	if h == nil {
		return
	}
	h.health.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (h *HealthServer) Stop() error {
	if h == nil {
		return nil
	}
	h.health.Shutdown()
	h.server.GracefulStop()
	if err := <-h.serveCh; err != nil && !errors.Is(err, gogrpc.ErrServerStopped) {
		return err
	}
	return nil
}

// WaitForHealth blocks until the gRPC health check reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	probe := func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		defer cancel()
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		if err != nil {
			return struct{}{}, err
		}
		if status := response.GetStatus(); status != grpc_health_v1.HealthCheckResponse_SERVING {
			return struct{}{}, fmt.Errorf("status %s", status)
		}
		return struct{}{}, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = healthInitialInterval
	policy.MaxInterval = healthMaxRetryInterval
	_, err := backoff.Retry(ctx, probe,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if logf != nil {
				logf("waiting for gRPC health: %v", err)
			}
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("wait for gRPC health: %w", ctxErr)
		}
		return fmt.Errorf("wait for gRPC health: %w", err)
	}
	if logf != nil {
		logf("gRPC health check is SERVING")
	}
	return nil
}
