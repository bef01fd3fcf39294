package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/louisbranch/pay2ping/internal/services/worker/domain"
	"github.com/louisbranch/pay2ping/internal/services/worker/storage"
)

const maxAppendFileSize = 16 << 20

// stakeInput is one stake as written by the booking side.
type stakeInput struct {
	EscrowID        string `json:"escrow_id"`
	InitializerID   string `json:"initializer_id"`
	BeneficiaryID   string `json:"beneficiary_id"`
	VaultID         string `json:"vault_id"`
	StakeAmount     uint64 `json:"stake_amount"`
	AttendeeContact string `json:"attendee_contact"`
	MeetingID       string `json:"meeting_id"`
	MeetingEndTime  string `json:"meeting_end_time"`
}

type appendResult struct {
	Mode       string   `json:"mode"`
	Appended   int      `json:"appended"`
	Duplicates int      `json:"duplicates"`
	Invalid    int      `json:"invalid"`
	Errors     []string `json:"errors,omitempty"`
}

func (in stakeInput) toStake() (domain.Stake, error) {
	endTime, err := time.Parse(time.RFC3339, strings.TrimSpace(in.MeetingEndTime))
	if err != nil {
		return domain.Stake{}, fmt.Errorf("%w: meeting_end_time %q is not RFC 3339", domain.ErrInvalidStake, in.MeetingEndTime)
	}
	stake := domain.Stake{
		EscrowID:        strings.TrimSpace(in.EscrowID),
		InitializerID:   strings.TrimSpace(in.InitializerID),
		BeneficiaryID:   strings.TrimSpace(in.BeneficiaryID),
		VaultID:         strings.TrimSpace(in.VaultID),
		StakeAmount:     in.StakeAmount,
		AttendeeContact: strings.TrimSpace(in.AttendeeContact),
		MeetingID:       strings.TrimSpace(in.MeetingID),
		MeetingEndTime:  endTime.UTC(),
		Status:          domain.StatusScheduled,
	}
	if err := stake.Validate(); err != nil {
		return domain.Stake{}, err
	}
	return stake, nil
}

// decodeStakeInputs accepts either a JSON array of stakes or one stake object.
func decodeStakeInputs(data []byte) ([]stakeInput, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("append file is empty")
	}
	if trimmed[0] == '{' {
		var single stakeInput
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("decode stake: %w", err)
		}
		return []stakeInput{single}, nil
	}
	var inputs []stakeInput
	if err := json.Unmarshal(trimmed, &inputs); err != nil {
		return nil, fmt.Errorf("decode stakes: %w", err)
	}
	return inputs, nil
}

func readAppendFile(path string) ([]byte, error) {
	file, err := os.Open(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("open append file: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxAppendFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read append file: %w", err)
	}
	if len(data) > maxAppendFileSize {
		return nil, fmt.Errorf("append file exceeds %d bytes", maxAppendFileSize)
	}
	return data, nil
}

func runAppend(ctx context.Context, store stakeStore, path string, jsonOutput bool, out io.Writer, errOut io.Writer) error {
	if store == nil {
		return fmt.Errorf("stake store is not configured")
	}
	data, err := readAppendFile(path)
	if err != nil {
		return err
	}
	inputs, err := decodeStakeInputs(data)
	if err != nil {
		return err
	}
	return appendStakes(ctx, store, inputs, jsonOutput, out, errOut)
}

// appendStakes inserts each stake independently; one bad row does not block
// the rest.
func appendStakes(ctx context.Context, store stakeStore, inputs []stakeInput, jsonOutput bool, out io.Writer, errOut io.Writer) error {
	result := appendResult{Mode: "append"}
	for i, input := range inputs {
		stake, err := input.toStake()
		if err == nil {
			err = store.Append(ctx, stake)
		}
		switch {
		case err == nil:
			result.Appended++
			continue
		case errors.Is(err, storage.ErrDuplicateEscrow):
			result.Duplicates++
		case errors.Is(err, domain.ErrInvalidStake):
			result.Invalid++
		default:
			return fmt.Errorf("append stake %d (%s): %w", i, input.EscrowID, err)
		}
		message := fmt.Sprintf("stake %d (%s): %v", i, input.EscrowID, err)
		result.Errors = append(result.Errors, message)
		if !jsonOutput {
			fmt.Fprintf(errOut, "Error: %s\n", message)
		}
	}

	if jsonOutput {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Appended stakes: %d (duplicates=%d invalid=%d)\n", result.Appended, result.Duplicates, result.Invalid)
	}
	if result.Duplicates+result.Invalid > 0 {
		return fmt.Errorf("%d of %d stakes were not appended", result.Duplicates+result.Invalid, len(inputs))
	}
	return nil
}
