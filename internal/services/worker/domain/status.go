package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of one stake record.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusEnded      Status = "ended"
	StatusProcessing Status = "processing"
	StatusRefunded   Status = "refunded"
	StatusClaimed    Status = "claimed"

	StatusErrorChecking           Status = "error_checking"
	StatusErrorReleaseMissingData Status = "error_release_missing_data"
	StatusErrorReleaseFailed      Status = "error_release_failed"

	// StatusNeedsReview holds records the worker will not touch again until an
	// operator resolves them: ambiguous disbursements and exhausted retries.
	StatusNeedsReview Status = "needs_review"
)

var allStatuses = []Status{
	StatusScheduled,
	StatusEnded,
	StatusProcessing,
	StatusRefunded,
	StatusClaimed,
	StatusErrorChecking,
	StatusErrorReleaseMissingData,
	StatusErrorReleaseFailed,
	StatusNeedsReview,
}

// transitions lists every allowed edge. Anything absent is rejected.
var transitions = map[Status][]Status{
	StatusScheduled: {StatusEnded, StatusProcessing},
	StatusEnded:     {StatusProcessing},
	StatusProcessing: {
		StatusRefunded,
		StatusClaimed,
		StatusErrorChecking,
		StatusErrorReleaseMissingData,
		StatusErrorReleaseFailed,
		StatusNeedsReview,
	},
	StatusErrorChecking:           {StatusProcessing, StatusNeedsReview},
	StatusErrorReleaseFailed:      {StatusProcessing, StatusNeedsReview},
	StatusErrorReleaseMissingData: {StatusScheduled},
	StatusNeedsReview:             {StatusScheduled, StatusRefunded, StatusClaimed},
}

// ParseStatus validates a persisted or operator-supplied status value.
func ParseStatus(value string) (Status, error) {
	candidate := Status(strings.TrimSpace(strings.ToLower(value)))
	for _, status := range allStatuses {
		if status == candidate {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown stake status %q", value)
}

// IsTerminal reports whether no further transition can leave status.
func (s Status) IsTerminal() bool {
	return s == StatusRefunded || s == StatusClaimed
}

// IsEligible reports whether the reconciliation loop may pick a record in
// this status. Missing-data and review states wait for an operator.
func (s Status) IsEligible() bool {
	switch s {
	case StatusScheduled, StatusEnded, StatusErrorChecking, StatusErrorReleaseFailed:
		return true
	default:
		return false
	}
}

// NeedsAttention reports whether the status requires operator action.
func (s Status) NeedsAttention() bool {
	return s == StatusErrorReleaseMissingData || s == StatusNeedsReview
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with both statuses when
// the edge is not allowed.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// EligibleStatuses returns the statuses the loop selects, in a stable order.
func EligibleStatuses() []Status {
	out := make([]Status, 0, 4)
	for _, status := range allStatuses {
		if status.IsEligible() {
			out = append(out, status)
		}
	}
	return out
}

// AttentionStatuses returns the statuses surfaced to operators.
func AttentionStatuses() []Status {
	return []Status{StatusErrorReleaseMissingData, StatusNeedsReview}
}
