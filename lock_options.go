package harborkv

// lock_options.go re-exports lock types from internal/txn.
// The lock manager implementation is internal; only configuration is public.

import "github.com/aalhour/harborkv/internal/txn"

// LockType represents the type of lock.
type LockType = txn.LockType

// Lock type constants.
const (
	LockTypeShared    = txn.LockTypeShared
	LockTypeExclusive = txn.LockTypeExclusive
)

// LockStatus describes the holders of and waiters for one key lock.
type LockStatus struct {
	Holders map[uint64]LockType
	Waiters int
}
