package domain

import "errors"

var (
	// ErrInvalidTransition reports a status change outside the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid stake status transition")
	// ErrMissingReleaseData reports a record that cannot be disbursed as stored.
	ErrMissingReleaseData = errors.New("missing release data")
	// ErrInvalidStake reports a record rejected at creation time.
	ErrInvalidStake = errors.New("invalid stake record")
)
