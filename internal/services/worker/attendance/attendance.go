// Package attendance answers who joined a meeting.
package attendance

import (
	"context"
	"errors"
)

// ErrReportNotReady indicates the provider has no participant report for the
// meeting yet. Callers treat it as transient and retry on a later tick.
var ErrReportNotReady = errors.New("participant report not ready")

// Verifier lists the contact identifiers of everyone who joined a meeting.
type Verifier interface {
	Attendees(ctx context.Context, meetingID string) ([]string, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, meetingID string) ([]string, error)

// Attendees calls fn.
func (fn VerifierFunc) Attendees(ctx context.Context, meetingID string) ([]string, error) {
	return fn(ctx, meetingID)
}
