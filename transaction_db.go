package harborkv

// transaction_db.go implements TransactionDB, a database whose writers
// coordinate through a lock table.
//
// Pessimistic transactions lock keys as they write them. Plain writes
// through the embedded DB (Put, Write, ...) lock their keys too, under a
// one-shot ID, so they serialize with transactions instead of overwriting
// keys a transaction holds.

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/harborkv/internal/batch"
	"github.com/aalhour/harborkv/internal/logging"
	"github.com/aalhour/harborkv/internal/txn"
)

// TransactionDBOptions configures a TransactionDB.
type TransactionDBOptions struct {
	// MaxNumLocks caps the number of locked keys. Zero or negative is
	// unlimited.
	MaxNumLocks int64

	// NumStripes is the number of independently locked lock-table shards.
	NumStripes int

	// TransactionLockTimeout is the lock wait limit for transactions whose
	// TransactionOptions.LockTimeout is zero.
	TransactionLockTimeout time.Duration

	// DefaultLockTimeout is the lock wait limit for writes made outside a
	// transaction.
	DefaultLockTimeout time.Duration
}

// DefaultTransactionDBOptions returns default options.
func DefaultTransactionDBOptions() *TransactionDBOptions {
	return &TransactionDBOptions{
		MaxNumLocks:            -1,
		NumStripes:             16,
		TransactionLockTimeout: time.Second,
		DefaultLockTimeout:     time.Second,
	}
}

// TransactionDB is a DB with pessimistic transactions.
type TransactionDB struct {
	*DB

	opts   TransactionDBOptions
	lm     *txn.LockManager
	nextID atomic.Uint64

	mu     sync.RWMutex
	active map[uint64]*PessimisticTransaction
}

// OpenTransactionDB opens the database at path for pessimistic
// transactions.
func OpenTransactionDB(path string, opts *Options, tdbOpts *TransactionDBOptions) (*TransactionDB, error) {
	tdb, _, err := OpenTransactionDBColumnFamilies(path, opts, tdbOpts, nil)
	return tdb, err
}

// OpenTransactionDBColumnFamilies is OpenColumnFamilies for a TransactionDB.
func OpenTransactionDBColumnFamilies(path string, opts *Options, tdbOpts *TransactionDBOptions, descs []ColumnFamilyDescriptor) (*TransactionDB, []*ColumnFamilyHandle, error) {
	if tdbOpts == nil {
		tdbOpts = DefaultTransactionDBOptions()
	}
	db, handles, err := open(path, opts, descs)
	if err != nil {
		return nil, nil, err
	}
	tdb := &TransactionDB{
		DB:     db,
		opts:   *tdbOpts,
		active: make(map[uint64]*PessimisticTransaction),
	}
	tdb.lm = txn.NewLockManager(txn.LockManagerOptions{
		DefaultTimeout: tdbOpts.TransactionLockTimeout,
		NumStripes:     tdbOpts.NumStripes,
		MaxNumLocks:    tdbOpts.MaxNumLocks,
		Expirer:        tdb,
	})
	db.gate = tdb
	db.readTxn = func() *transaction { return newReadTransaction(db) }
	db.onClose = append(db.onClose, tdb.lm.Close)
	return tdb, handles, nil
}

// Begin starts a pessimistic transaction. Begin never fails: on a closed
// database the transaction reports ErrDBClosed from its first operation.
//
// The caller must end the transaction with Commit or Rollback. A
// transaction that is dropped keeps its locks until it expires or the
// database closes.
func (tdb *TransactionDB) Begin(wo *WriteOptions, to *TransactionOptions) *PessimisticTransaction {
	p := newPessimisticTransaction(tdb, wo, to)
	tdb.mu.Lock()
	tdb.active[p.id] = p
	tdb.mu.Unlock()

	p.mu.Lock()
	p.start(to != nil && to.SetSnapshot)
	failed := p.err != nil
	p.mu.Unlock()
	if failed {
		tdb.forget(p.id)
	}
	return p
}

func (tdb *TransactionDB) forget(id uint64) {
	tdb.mu.Lock()
	delete(tdb.active, id)
	tdb.mu.Unlock()
}

// NumActiveTransactions returns the number of transactions that have not
// committed or rolled back.
func (tdb *TransactionDB) NumActiveTransactions() int {
	tdb.mu.RLock()
	defer tdb.mu.RUnlock()
	return len(tdb.active)
}

// TransactionByID returns the active transaction with the given ID, or nil.
func (tdb *TransactionDB) TransactionByID(id uint64) *PessimisticTransaction {
	tdb.mu.RLock()
	defer tdb.mu.RUnlock()
	return tdb.active[id]
}

// NumLocks returns the number of keys currently locked.
func (tdb *TransactionDB) NumLocks() int {
	return tdb.lm.NumLocks()
}

// LockStatus returns who holds and who waits for the lock on key in cf,
// or false if the key is not locked.
func (tdb *TransactionDB) LockStatus(cf *ColumnFamilyHandle, key []byte) (LockStatus, bool) {
	li := tdb.lm.GetLockInfo(cf.ID(), key)
	if li == nil || (len(li.Holders) == 0 && len(li.WaitQueue) == 0) {
		return LockStatus{}, false
	}
	return LockStatus{Holders: li.Holders, Waiters: len(li.WaitQueue)}, true
}

// Expiration implements txn.Expirer.
func (tdb *TransactionDB) Expiration(id uint64) time.Time {
	tdb.mu.RLock()
	p := tdb.active[id]
	tdb.mu.RUnlock()
	if p == nil {
		return time.Time{}
	}
	return p.expiresAt
}

// StealLocks implements txn.Expirer.
func (tdb *TransactionDB) StealLocks(id uint64) bool {
	tdb.mu.RLock()
	p := tdb.active[id]
	tdb.mu.RUnlock()
	return p != nil && p.stealLocks()
}

// lockBatch locks every key b writes under a one-shot ID.
func (tdb *TransactionDB) lockBatch(b *batch.WriteBatch) (func(), error) {
	var keys []trackedKey
	seen := make(map[trackedKey]struct{})
	add := func(cf uint32, key []byte) {
		k := trackedKey{cf: cf, key: string(key)}
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	err := b.Iterate(batch.HandlerFuncs{
		PutFn:    func(cf uint32, key, _ []byte) error { add(cf, key); return nil },
		DeleteFn: func(cf uint32, key []byte) error { add(cf, key); return nil },
		MergeFn:  func(cf uint32, key, _ []byte) error { add(cf, key); return nil },
	})
	if err != nil {
		return nil, err
	}
	// A fixed order keeps concurrent plain writers from deadlocking.
	slices.SortFunc(keys, func(a, b trackedKey) int {
		if c := cmp.Compare(a.cf, b.cf); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})

	id := tdb.nextID.Add(1)
	unlock := func() { tdb.lm.UnlockAll(id) }
	lo := txn.LockOptions{Timeout: tdb.opts.DefaultLockTimeout}
	for _, k := range keys {
		if tdb.lm.TryLock(id, k.cf, []byte(k.key), txn.LockTypeExclusive) {
			continue
		}
		if err := tdb.lm.Lock(id, k.cf, []byte(k.key), txn.LockTypeExclusive, lo); err != nil {
			unlock()
			tdb.logger.Debugf("%swrite outside a transaction: lock %q: %v", logging.NSTxn, k.key, err)
			return nil, engineError("lock", err)
		}
	}
	return unlock, nil
}
