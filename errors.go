package harborkv

// errors.go defines the error taxonomy of the public API.
//
// Every fallible operation returns one of the sentinels below (possibly
// wrapped with context) or an *Error carrying the storage engine's own
// failure. Callers classify with errors.Is; IsRetryable groups the
// conditions a caller may resolve by running the whole unit of work again.

import (
	"errors"
	"fmt"

	"github.com/aalhour/harborkv/internal/engine"
	"github.com/aalhour/harborkv/internal/txn"
)

// Path and name errors.
var (
	// ErrInvalidPath is returned when a database path is empty or cannot be
	// handed to the engine (for example it contains a NUL byte).
	ErrInvalidPath = errors.New("db: invalid path")

	// ErrInvalidName is returned for column family names that are empty,
	// not valid UTF-8, or contain a NUL byte.
	ErrInvalidName = errors.New("db: invalid name")
)

// Open and lifecycle errors.
var (
	// ErrOpenFailed wraps the engine error that prevented Open.
	ErrOpenFailed = errors.New("db: open failed")

	// ErrDBClosed is returned by operations on a closed database.
	ErrDBClosed = errors.New("db: database closed")

	// ErrSnapshotReleased is returned when a released snapshot is used.
	ErrSnapshotReleased = errors.New("db: snapshot released")

	// ErrInvalidSnapshot is returned when ReadOptions.Snapshot belongs to a
	// different database.
	ErrInvalidSnapshot = errors.New("db: snapshot belongs to another database")

	// ErrIteratorClosed is reported by an iterator that was closed, or whose
	// database, snapshot or transaction went away.
	ErrIteratorClosed = errors.New("db: iterator closed")

	// ErrTransactionNotActive is returned by operations on a committed or
	// rolled back transaction.
	ErrTransactionNotActive = errors.New("db: transaction not active")

	// ErrWriteBatchConsumed is returned when a batch is written twice
	// without Clear.
	ErrWriteBatchConsumed = errors.New("db: write batch already written")

	// ErrWriteBatchTooLarge is returned when a transaction's staged writes
	// would exceed TransactionOptions.MaxWriteBatchSize.
	ErrWriteBatchTooLarge = errors.New("db: write batch too large")

	// ErrNoSavePoint is returned when no save point is set.
	ErrNoSavePoint = errors.New("db: no save point")
)

// Operation errors.
var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("db: not found")

	// ErrCorruption classifies engine errors caused by damaged data. The
	// engine's own error stays reachable through errors.Unwrap.
	ErrCorruption = errors.New("db: corruption")

	// ErrMergeFailed is returned when a merge operator rejects its operands.
	ErrMergeFailed = errors.New("db: merge failed")

	// ErrNoMergeOperator is returned for a merge into a column family that
	// has no merge operator configured.
	ErrNoMergeOperator = errors.New("db: no merge operator")
)

// Transaction errors.
var (
	// ErrTransactionConflict is returned by an optimistic Commit when a key
	// the transaction depends on changed after it was read or written.
	ErrTransactionConflict = errors.New("db: transaction conflict")

	// ErrWriteConflict is returned by a pessimistic write when the key
	// changed after the transaction's snapshot was taken.
	ErrWriteConflict = errors.New("db: write conflict")

	// ErrTransactionExpired is returned once a transaction has outlived its
	// Expiration; its locks may have been taken by other transactions.
	ErrTransactionExpired = errors.New("db: transaction expired")
)

// Lock errors, shared with the lock table.
var (
	// ErrLockTimeout is returned when a lock could not be acquired in time.
	ErrLockTimeout = txn.ErrLockTimeout

	// ErrDeadlock is returned when waiting for a lock would deadlock.
	ErrDeadlock = txn.ErrDeadlock

	// ErrLockLimit is returned when the lock table is full.
	ErrLockLimit = txn.ErrLockLimit
)

// Column family errors.
var (
	// ErrInvalidColumnFamily is returned for an unknown column family name.
	ErrInvalidColumnFamily = errors.New("db: invalid column family")

	// ErrInvalidColumnFamilyHandle is returned when a handle was dropped,
	// its database was closed, or it belongs to a different database.
	ErrInvalidColumnFamilyHandle = errors.New("db: invalid column family handle")

	// ErrColumnFamilyExists is returned when creating a family that exists.
	ErrColumnFamilyExists = errors.New("db: column family already exists")

	// ErrCannotDropDefaultColumnFamily is returned by DropColumnFamily("default").
	ErrCannotDropDefaultColumnFamily = errors.New("db: cannot drop default column family")
)

// Error is a failure reported by the storage engine. Err is the engine's
// error, unchanged.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "db: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the engine error.
func (e *Error) Unwrap() error { return e.Err }

// Is classifies the engine error into the public taxonomy.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrCorruption:
		return errors.Is(e.Err, engine.ErrCorruption)
	case ErrDBClosed:
		return errors.Is(e.Err, engine.ErrClosed)
	}
	return false
}

// engineError maps an error returned by the engine onto the public API.
func engineError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, engine.ErrFamilyNotFound):
		return fmt.Errorf("%s: %w", op, ErrInvalidColumnFamilyHandle)
	case errors.Is(err, engine.ErrFamilyExists):
		return fmt.Errorf("%s: %w", op, ErrColumnFamilyExists)
	case errors.Is(err, txn.ErrLockManagerClosed):
		return fmt.Errorf("%s: %w", op, ErrDBClosed)
	}
	return &Error{Op: op, Err: err}
}

// IsRetryable reports whether err is a conflict or lock failure that a
// caller may resolve by retrying the whole transaction. Nothing in this
// package retries on its own.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionConflict) ||
		errors.Is(err, ErrWriteConflict) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrDeadlock) ||
		errors.Is(err, ErrLockLimit)
}
