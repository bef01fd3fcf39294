// Package discovery centralizes in-network address conventions.
package discovery

import (
	"strconv"
	"strings"
)

const (
	// ServiceWorker is the reconciliation worker gRPC health identity.
	ServiceWorker = "worker"
	// ServiceWorkerMetrics is the worker Prometheus scrape endpoint.
	ServiceWorkerMetrics = "worker-metrics"
	// ServiceLedgerRelay is the HTTP relay that signs and submits releases.
	ServiceLedgerRelay = "ledger-relay"
)

var grpcPorts = map[string]int{
	ServiceWorker: 8089,
}

var httpPorts = map[string]int{
	ServiceWorkerMetrics: 9089,
	ServiceLedgerRelay:   8095,
}

// DefaultGRPCAddr returns the canonical in-network gRPC address for a service.
func DefaultGRPCAddr(service string) string {
	return defaultAddr(strings.TrimSpace(service), grpcPorts)
}

// DefaultHTTPAddr returns the canonical in-network HTTP address for a service.
func DefaultHTTPAddr(service string) string {
	return defaultAddr(strings.TrimSpace(service), httpPorts)
}

// DefaultGRPCPort returns the conventional gRPC port for service, or 0.
func DefaultGRPCPort(service string) int {
	return grpcPorts[strings.TrimSpace(service)]
}

// DefaultListenAddr returns ":<port>" for an HTTP service, or "".
func DefaultListenAddr(service string) string {
	port, ok := httpPorts[strings.TrimSpace(service)]
	if !ok || port <= 0 {
		return ""
	}
	return ":" + strconv.Itoa(port)
}

// OrDefaultHTTPBaseURL returns value when set, otherwise http://<service-host:port>.
func OrDefaultHTTPBaseURL(value, service string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	addr := DefaultHTTPAddr(service)
	if addr == "" {
		return ""
	}
	return "http://" + addr
}

func defaultAddr(service string, ports map[string]int) string {
	port, ok := ports[service]
	if !ok || port <= 0 {
		return ""
	}
	return service + ":" + strconv.Itoa(port)
}
