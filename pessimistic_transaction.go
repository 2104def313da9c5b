package harborkv

// pessimistic_transaction.go implements pessimistic concurrency control.
//
// PessimisticTransaction acquires an exclusive lock on every key before it
// writes it and holds all locks until Commit or Rollback (two-phase
// locking). GetForUpdate takes a shared or exclusive lock on a read.

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/aalhour/harborkv/internal/logging"
	"github.com/aalhour/harborkv/internal/txn"
)

// TransactionOptions configures a pessimistic transaction.
type TransactionOptions struct {
	// SetSnapshot pins a snapshot at Begin. Reads use it and every write
	// fails with ErrWriteConflict if the key changed after it was taken.
	SetSnapshot bool

	// DeadlockDetect refuses lock waits that would close a cycle.
	DeadlockDetect bool

	// DeadlockDetectDepth bounds the deadlock search. Zero uses a default.
	DeadlockDetectDepth int

	// LockTimeout bounds each lock wait. Zero uses
	// TransactionDBOptions.TransactionLockTimeout; negative waits forever.
	LockTimeout time.Duration

	// Expiration lets other transactions take this one's locks once it has
	// been running this long. Zero never expires.
	Expiration time.Duration

	// MaxWriteBatchSize bounds the staged bytes. Zero is unlimited.
	MaxWriteBatchSize int
}

// DefaultTransactionOptions returns default options.
func DefaultTransactionOptions() *TransactionOptions {
	return &TransactionOptions{}
}

const (
	lockStateActive int32 = iota
	lockStateCommitting
	lockStateStolen
)

// PessimisticTransaction is a transaction of a TransactionDB. It locks each
// key it writes or reads for update and holds the locks until Commit or
// Rollback. A transaction that is never committed or rolled back keeps its
// locks until TransactionOptions.Expiration passes or the database closes.
type PessimisticTransaction struct {
	*transaction

	tdb       *TransactionDB
	lockOpts  txn.LockOptions
	expiresAt time.Time
	lockState atomic.Int32

	// locked holds the lock type taken per key. Guarded by the transaction
	// mutex.
	locked map[trackedKey]txn.LockType
}

func newPessimisticTransaction(tdb *TransactionDB, wo *WriteOptions, to *TransactionOptions) *PessimisticTransaction {
	if to == nil {
		to = DefaultTransactionOptions()
	}
	p := &PessimisticTransaction{
		transaction: newTransaction(tdb.DB, tdb.nextID.Add(1), wo, "pessimistic"),
		tdb:         tdb,
		locked:      make(map[trackedKey]txn.LockType),
		lockOpts: txn.LockOptions{
			Timeout:             to.LockTimeout,
			DeadlockDetect:      to.DeadlockDetect,
			DeadlockDetectDepth: to.DeadlockDetectDepth,
		},
	}
	if p.lockOpts.Timeout == 0 {
		p.lockOpts.Timeout = tdb.opts.TransactionLockTimeout
	}
	if to.Expiration > 0 {
		p.expiresAt = p.beganAt.Add(to.Expiration)
	}
	p.maxBytes = to.MaxWriteBatchSize
	p.flavor = p
	return p
}

// IsExpired reports whether the transaction ran past its expiration.
func (p *PessimisticTransaction) IsExpired() bool {
	return !p.expiresAt.IsZero() && time.Now().After(p.expiresAt)
}

// NumLocks returns the number of keys the transaction holds locks on.
func (p *PessimisticTransaction) NumLocks() int {
	return p.tdb.lm.NumTxnLocks(p.id)
}

// checkExpired fails once the transaction is past its expiration, whether
// or not another transaction has taken its locks yet.
func (p *PessimisticTransaction) checkExpired() error {
	if p.lockState.Load() == lockStateStolen || p.IsExpired() {
		return ErrTransactionExpired
	}
	return nil
}

func (p *PessimisticTransaction) lock(cfd *columnFamilyData, key []byte, lt txn.LockType) (bool, error) {
	if err := p.checkExpired(); err != nil {
		return false, err
	}
	tk := trackedKey{cf: uint32(cfd.id), key: string(key)}
	held, ok := p.locked[tk]
	if ok && (held == txn.LockTypeExclusive || lt == txn.LockTypeShared) {
		return false, nil
	}

	start := time.Now()
	var err error
	if !p.tdb.lm.TryLock(p.id, uint32(cfd.id), key, lt) {
		err = p.tdb.lm.Lock(p.id, uint32(cfd.id), key, lt, p.lockOpts)
	}
	measureSince(p.db.stats, HistogramLockWait, start)
	if err != nil {
		switch {
		case errors.Is(err, txn.ErrLockTimeout):
			recordTick(p.db.stats, TickerTxnLockTimeouts, 1)
		case errors.Is(err, txn.ErrDeadlock):
			recordTick(p.db.stats, TickerTxnDeadlocks, 1)
		case errors.Is(err, txn.ErrLockManagerClosed):
			return false, ErrDBClosed
		}
		p.db.logger.Debugf("%stransaction %d: lock %s on %q: %v", logging.NSTxn, p.id, lt, key, err)
		return false, err
	}
	p.locked[tk] = lt
	fresh := !ok

	if p.snap != nil {
		if err := p.validateSnapshot(cfd, key); err != nil {
			if fresh {
				p.untrack([]trackedKey{tk})
			}
			return false, err
		}
	}
	return fresh, nil
}

// validateSnapshot fails if key changed after the pinned snapshot.
func (p *PessimisticTransaction) validateSnapshot(cfd *columnFamilyData, key []byte) error {
	then, thenErr := p.snap.get(cfd.id, key)
	if errors.Is(thenErr, ErrSnapshotReleased) {
		return thenErr
	}
	now, nowErr := p.db.eng.Get(cfd.id, key)
	same, err := sameValue(then, thenErr, now, nowErr)
	if err != nil {
		return err
	}
	if !same {
		recordTick(p.db.stats, TickerTxnWriteConflicts, 1)
		return ErrWriteConflict
	}
	return nil
}

func (p *PessimisticTransaction) prepareWrite(cfd *columnFamilyData, key []byte) (bool, error) {
	return p.lock(cfd, key, txn.LockTypeExclusive)
}

func (p *PessimisticTransaction) prepareRead(cfd *columnFamilyData, key []byte, exclusive bool) (bool, error) {
	lt := txn.LockTypeShared
	if exclusive {
		lt = txn.LockTypeExclusive
	}
	return p.lock(cfd, key, lt)
}

func (p *PessimisticTransaction) untrack(keys []trackedKey) {
	for _, k := range keys {
		if _, ok := p.locked[k]; !ok {
			continue
		}
		delete(p.locked, k)
		if err := p.tdb.lm.Unlock(p.id, k.cf, []byte(k.key)); err != nil && !errors.Is(err, txn.ErrLockNotHeld) {
			p.db.logger.Warnf("%stransaction %d: unlock: %v", logging.NSTxn, p.id, err)
		}
	}
}

func (p *PessimisticTransaction) beginCommit() error {
	if p.IsExpired() {
		p.lockState.CompareAndSwap(lockStateActive, lockStateStolen)
	}
	if !p.lockState.CompareAndSwap(lockStateActive, lockStateCommitting) {
		recordTick(p.db.stats, TickerTxnExpired, 1)
		return ErrTransactionExpired
	}
	return nil
}

func (p *PessimisticTransaction) validate() error { return nil }

func (p *PessimisticTransaction) abortCommit() {
	p.lockState.CompareAndSwap(lockStateCommitting, lockStateActive)
}

func (p *PessimisticTransaction) finish() {
	p.tdb.lm.UnlockAll(p.id)
	clear(p.locked)
	p.tdb.forget(p.id)
}

// stealLocks marks an expired transaction as having lost its locks.
func (p *PessimisticTransaction) stealLocks() bool {
	if !p.IsExpired() {
		return false
	}
	if p.lockState.CompareAndSwap(lockStateActive, lockStateStolen) {
		p.db.logger.Infof("%stransaction %d expired; its locks may be taken", logging.NSTxn, p.id)
	}
	return p.lockState.Load() == lockStateStolen
}
