package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/pay2ping/internal/services/worker/domain"
	"github.com/louisbranch/pay2ping/internal/services/worker/storage"
)

// fakeStakeStore implements stakeStore with canned records and errors.
type fakeStakeStore struct {
	records     map[string]storage.StakeRecord
	transitions map[string][]storage.Transition
	appended    []domain.Stake

	appendErr    error
	updateErr    error
	listErr      error
	updatedCalls int
}

func newFakeStakeStore() *fakeStakeStore {
	return &fakeStakeStore{
		records:     make(map[string]storage.StakeRecord),
		transitions: make(map[string][]storage.Transition),
	}
}

func (f *fakeStakeStore) Append(_ context.Context, stake domain.Stake) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	if _, ok := f.records[stake.EscrowID]; ok {
		return storage.ErrDuplicateEscrow
	}
	stake.Status = domain.StatusScheduled
	f.records[stake.EscrowID] = storage.StakeRecord{Stake: stake}
	f.appended = append(f.appended, stake)
	return nil
}

func (f *fakeStakeStore) Get(_ context.Context, escrowID string) (storage.StakeRecord, error) {
	record, ok := f.records[escrowID]
	if !ok {
		return storage.StakeRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeStakeStore) FindEligible(context.Context, time.Time, time.Duration) ([]storage.StakeRecord, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStakeStore) UpdateStatus(_ context.Context, escrowID string, update storage.StatusUpdate) error {
	f.updatedCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	record, ok := f.records[escrowID]
	if !ok {
		return storage.ErrNotFound
	}
	if err := domain.CheckTransition(record.Status, update.Status); err != nil {
		return err
	}
	record.Status = update.Status
	f.records[escrowID] = record
	return nil
}

func (f *fakeStakeStore) ListNeedsAttention(context.Context, int) ([]storage.StakeRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []storage.StakeRecord
	for _, record := range f.records {
		if record.Status.NeedsAttention() {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeStakeStore) ListTransitions(_ context.Context, escrowID string) ([]storage.Transition, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.transitions[escrowID], nil
}
