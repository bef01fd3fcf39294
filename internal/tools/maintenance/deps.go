package maintenance

import (
	"github.com/louisbranch/pay2ping/internal/services/worker/storage"
)

// stakeStore is the subset of the stake store the maintenance modes use.
type stakeStore interface {
	storage.StakeStore
	storage.AuditStore
}

// closableStakeStore extends stakeStore with a Close method for resource cleanup.
type closableStakeStore interface {
	stakeStore
	Close() error
}
