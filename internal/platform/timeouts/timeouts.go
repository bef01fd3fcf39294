// Package timeouts defines shared timeout constants used across the worker
// and its collaborators so the durations stay discoverable in one place.
package timeouts

import "time"

// VerifyAttendance caps one attendance report lookup, including pagination.
const VerifyAttendance = 30 * time.Second

// Release caps one disbursement call. A release that hits this deadline has
// an unknown outcome and is escalated rather than retried.
const Release = 60 * time.Second

// TokenRefresh caps one OAuth token request to the meeting platform.
const TokenRefresh = 10 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// StoreWrite bounds a status write that must land even after the tick
// context ended.
const StoreWrite = 5 * time.Second
