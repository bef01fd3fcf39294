// Package disbursement submits escrow releases and classifies their outcome.
package disbursement

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation indicates the release parameters were rejected; the
	// transfer was not submitted.
	ErrValidation = errors.New("release validation failed")
	// ErrSimulation indicates the ledger rejected the transfer in simulation.
	ErrSimulation = errors.New("release simulation failed")
	// ErrNetwork indicates the request never reached the ledger relay.
	ErrNetwork = errors.New("release network failure")
	// ErrAmbiguous indicates the transfer may or may not have landed.
	ErrAmbiguous = errors.New("release outcome unknown")
)

// Release describes one transfer of a stake out of its vault.
type Release struct {
	EscrowID    string
	VaultID     string
	Initializer string
	Recipient   string
	Amount      uint64
}

// Validate checks the parameters every ledger needs.
func (r Release) Validate() error {
	var missing []string
	if strings.TrimSpace(r.EscrowID) == "" {
		missing = append(missing, "escrow id")
	}
	if strings.TrimSpace(r.VaultID) == "" {
		missing = append(missing, "vault id")
	}
	if strings.TrimSpace(r.Initializer) == "" {
		missing = append(missing, "initializer")
	}
	if strings.TrimSpace(r.Recipient) == "" {
		missing = append(missing, "recipient")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrValidation, strings.Join(missing, ", "))
	}
	if r.Amount == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return nil
}

// Releaser submits a release and returns the ledger confirmation reference.
type Releaser interface {
	Release(ctx context.Context, release Release) (string, error)
}

// Outcome is the tri-state result of a release attempt.
type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeFailed
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Classify maps a Release error to its outcome. Errors outside the known
// failure kinds are unknown: the transfer may have landed.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeConfirmed
	case errors.Is(err, ErrAmbiguous):
		return OutcomeUnknown
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSimulation), errors.Is(err, ErrNetwork):
		return OutcomeFailed
	default:
		return OutcomeUnknown
	}
}
