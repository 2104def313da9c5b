package harborkv

// optimistic_transaction.go implements optimistic concurrency control.
//
// An OptimisticTransaction takes no locks. The first time it writes a key
// (or reads it with GetForUpdate) it records the value the key had, at the
// pinned snapshot if there is one. Commit re-reads every recorded key under
// the database write mutex and fails with ErrTransactionConflict if any of
// them changed.

import (
	"errors"

	"github.com/aalhour/harborkv/internal/engine"
	"github.com/aalhour/harborkv/internal/logging"
)

// OptimisticTransactionOptions configures an optimistic transaction.
type OptimisticTransactionOptions struct {
	// SetSnapshot pins a snapshot at Begin. Reads use it and conflicts are
	// checked against it instead of the value at first touch.
	SetSnapshot bool
}

// DefaultOptimisticTransactionOptions returns default options.
func DefaultOptimisticTransactionOptions() *OptimisticTransactionOptions {
	return &OptimisticTransactionOptions{}
}

// trackedBase is the stored value a tracked key had when it was tracked.
type trackedBase struct {
	exists bool
	value  []byte
}

// OptimisticTransaction is a transaction of an OptimisticTransactionDB.
type OptimisticTransaction struct {
	*transaction

	// tracked is guarded by the transaction mutex.
	tracked map[trackedKey]trackedBase
}

func newOptimisticTransaction(odb *OptimisticTransactionDB, wo *WriteOptions) *OptimisticTransaction {
	o := &OptimisticTransaction{
		transaction: newTransaction(odb.DB, odb.nextID.Add(1), wo, "optimistic"),
		tracked:     make(map[trackedKey]trackedBase),
	}
	o.flavor = o
	return o
}

func (o *OptimisticTransaction) track(cfd *columnFamilyData, key []byte) (bool, error) {
	tk := trackedKey{cf: uint32(cfd.id), key: string(key)}
	if _, ok := o.tracked[tk]; ok {
		return false, nil
	}
	var (
		env []byte
		err error
	)
	if o.snap != nil {
		env, err = o.snap.get(cfd.id, key)
	} else {
		env, err = o.db.eng.Get(cfd.id, key)
	}
	switch {
	case err == nil:
		o.tracked[tk] = trackedBase{exists: true, value: env}
	case errors.Is(err, engine.ErrNotFound):
		o.tracked[tk] = trackedBase{}
	case errors.Is(err, ErrSnapshotReleased):
		return false, err
	default:
		return false, engineError("track", err)
	}
	return true, nil
}

func (o *OptimisticTransaction) prepareWrite(cfd *columnFamilyData, key []byte) (bool, error) {
	return o.track(cfd, key)
}

func (o *OptimisticTransaction) prepareRead(cfd *columnFamilyData, key []byte, _ bool) (bool, error) {
	return o.track(cfd, key)
}

func (o *OptimisticTransaction) untrack(keys []trackedKey) {
	for _, k := range keys {
		delete(o.tracked, k)
	}
}

func (o *OptimisticTransaction) beginCommit() error { return nil }

// validate runs under the database write mutex.
func (o *OptimisticTransaction) validate() error {
	for k, base := range o.tracked {
		cur, err := o.db.eng.Get(engine.FamilyID(k.cf), []byte(k.key))
		var baseErr error
		if !base.exists {
			baseErr = engine.ErrNotFound
		}
		same, err := sameValue(base.value, baseErr, cur, err)
		if err != nil {
			return err
		}
		if !same {
			recordTick(o.db.stats, TickerTxnConflicts, 1)
			o.db.logger.Debugf("%stransaction %d: key %q changed since it was read", logging.NSTxn, o.id, k.key)
			return ErrTransactionConflict
		}
	}
	return nil
}

func (o *OptimisticTransaction) abortCommit() {}

func (o *OptimisticTransaction) finish() {
	clear(o.tracked)
}
