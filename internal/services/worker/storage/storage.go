// Package storage defines the stake record store contract used by the
// reconciliation worker and the maintenance tooling.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/pay2ping/internal/services/worker/domain"
)

var (
	// ErrNotFound indicates the requested escrow does not exist.
	ErrNotFound = errors.New("stake record not found")
	// ErrDuplicateEscrow indicates an append for an escrow id that already exists.
	ErrDuplicateEscrow = errors.New("stake record already exists")
	// ErrLeaseNotHeld indicates a lease-scoped write by an owner that lost the lease.
	ErrLeaseNotHeld = errors.New("stake lease not held")
)

// StakeRecord is one persisted stake plus worker bookkeeping.
type StakeRecord struct {
	domain.Stake

	// MeetingEndRaw is the stored end time text; MeetingEndTime is zero when
	// it does not parse.
	MeetingEndRaw    string
	AttemptCount     int
	LeaseOwner       string
	LeaseExpiresAt   time.Time
	ReleaseStartedAt time.Time
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StatusUpdate rewrites one record's status.
type StatusUpdate struct {
	Status domain.Status
	// ConfirmationRef replaces the stored reference only when non-empty.
	ConfirmationRef string
	// Detail is kept as the record's last error and on the transition row.
	Detail string
	// Owner, when set, requires the caller to still hold the processing lease.
	Owner     string
	UpdatedAt time.Time
}

// Transition is one append-only status history row.
type Transition struct {
	ID              int64
	EscrowID        string
	From            domain.Status
	To              domain.Status
	ConfirmationRef string
	Detail          string
	CreatedAt       time.Time
}

// LeaseRecovery describes one processing lease that expired unreleased.
type LeaseRecovery struct {
	EscrowID string
	Owner    string
	To       domain.Status
}

// StakeStore persists stake records with single-row atomic updates.
type StakeStore interface {
	// Append inserts a new scheduled record.
	Append(ctx context.Context, record domain.Stake) error
	// Get returns one record by escrow id.
	Get(ctx context.Context, escrowID string) (StakeRecord, error)
	// FindEligible returns eligible-status records whose meeting ended within
	// [now-lookback, now], ordered by end time then escrow id.
	FindEligible(ctx context.Context, now time.Time, lookback time.Duration) ([]StakeRecord, error)
	// UpdateStatus moves one record along a legal edge and clears its lease.
	UpdateStatus(ctx context.Context, escrowID string, update StatusUpdate) error
}

// LeaseStore adds the lease operations that make the processing soft lock
// safe across overlapping ticks and multiple worker instances.
type LeaseStore interface {
	// ClaimForProcessing moves an eligible record to processing under owner.
	// It returns false when the record is no longer eligible.
	ClaimForProcessing(ctx context.Context, escrowID string, owner string, now time.Time, ttl time.Duration) (bool, error)
	// MarkReleaseStarted records that a disbursement is about to be submitted.
	MarkReleaseStarted(ctx context.Context, escrowID string, owner string, now time.Time) error
	// RecoverExpiredLeases releases processing rows whose lease expired.
	RecoverExpiredLeases(ctx context.Context, now time.Time) ([]LeaseRecovery, error)
}

// AuditStore exposes the operator views.
type AuditStore interface {
	ListNeedsAttention(ctx context.Context, limit int) ([]StakeRecord, error)
	ListTransitions(ctx context.Context, escrowID string) ([]Transition, error)
}

// Store is the full worker persistence surface.
type Store interface {
	StakeStore
	LeaseStore
	AuditStore
	Close() error
}
