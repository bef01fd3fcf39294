// Package domain holds the stake lifecycle rules: which transitions are legal,
// how attendance is matched, and who receives the funds.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Stake is one locked-fund-for-one-meeting relationship.
type Stake struct {
	EscrowID            string
	InitializerID       string
	BeneficiaryID       string
	VaultID             string
	StakeAmount         uint64
	AttendeeContact     string
	MeetingID           string
	MeetingEndTime      time.Time
	Status              Status
	LastConfirmationRef string
}

// Disposition is the outcome decided for one stake.
type Disposition struct {
	Attended  bool
	Recipient string
	Target    Status
}

// Validate checks a stake before it is first persisted.
func (s Stake) Validate() error {
	var missing []string
	if strings.TrimSpace(s.EscrowID) == "" {
		missing = append(missing, "escrow id")
	}
	if strings.TrimSpace(s.MeetingID) == "" {
		missing = append(missing, "meeting id")
	}
	if s.MeetingEndTime.IsZero() {
		missing = append(missing, "meeting end time")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidStake, strings.Join(missing, ", "))
	}
	if s.StakeAmount == 0 {
		return fmt.Errorf("%w: stake amount must be positive", ErrInvalidStake)
	}
	if s.Status != "" && s.Status != StatusScheduled {
		return fmt.Errorf("%w: new stakes start as %s, got %s", ErrInvalidStake, StatusScheduled, s.Status)
	}
	return nil
}

// NormalizeContact folds a contact identifier for comparison.
func NormalizeContact(contact string) string {
	return strings.ToLower(strings.TrimSpace(contact))
}

// Attended reports whether contact appears in attendees. Matching ignores
// case and surrounding whitespace; an empty contact never matches.
func Attended(contact string, attendees []string) bool {
	want := NormalizeContact(contact)
	if want == "" {
		return false
	}
	for _, attendee := range attendees {
		if NormalizeContact(attendee) == want {
			return true
		}
	}
	return false
}

// Decide picks the recipient: attendance refunds the initializer, absence
// pays the beneficiary.
func Decide(stake Stake, attended bool) Disposition {
	if attended {
		return Disposition{
			Attended:  true,
			Recipient: strings.TrimSpace(stake.InitializerID),
			Target:    StatusRefunded,
		}
	}
	return Disposition{
		Recipient: strings.TrimSpace(stake.BeneficiaryID),
		Target:    StatusClaimed,
	}
}

// ValidateRelease checks every field the disbursement needs.
func ValidateRelease(stake Stake, disposition Disposition) error {
	var missing []string
	if disposition.Recipient == "" {
		missing = append(missing, "recipient")
	}
	if strings.TrimSpace(stake.InitializerID) == "" {
		missing = append(missing, "initializer")
	}
	if strings.TrimSpace(stake.VaultID) == "" {
		missing = append(missing, "vault")
	}
	if stake.StakeAmount == 0 {
		missing = append(missing, "amount")
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMissingReleaseData, strings.Join(missing, ", "))
}
