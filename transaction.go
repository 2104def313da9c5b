package harborkv

// transaction.go implements the state shared by pessimistic and optimistic
// transactions.
//
// A transaction stages its writes in a write batch and mirrors them in an
// ordered write index, so reads see the transaction's own writes first and
// then the database. Commit hands the batch to the database write path;
// Rollback discards it. Both invalidate the iterators the transaction
// created and release its pinned snapshot. What happens at first write of
// a key (locking or conflict tracking) and at commit is up to the flavor.

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aalhour/harborkv/internal/batch"
	"github.com/aalhour/harborkv/internal/engine"
	"github.com/aalhour/harborkv/internal/logging"
	"github.com/aalhour/harborkv/internal/txn"
)

// TransactionState is the lifecycle state of a transaction.
type TransactionState int

const (
	// TransactionStateActive accepts reads and writes.
	TransactionStateActive TransactionState = iota
	// TransactionStateCommitted means Commit succeeded.
	TransactionStateCommitted
	// TransactionStateRolledBack means Rollback ran, or the database closed
	// under the transaction.
	TransactionStateRolledBack
)

func (s TransactionState) String() string {
	switch s {
	case TransactionStateActive:
		return "Active"
	case TransactionStateCommitted:
		return "Committed"
	case TransactionStateRolledBack:
		return "RolledBack"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

// trackedKey identifies a key a transaction locked or tracks.
type trackedKey struct {
	cf  uint32
	key string
}

// txnFlavor is what distinguishes pessimistic from optimistic transactions.
// All methods run with the transaction mutex held.
type txnFlavor interface {
	// prepareWrite is called before key is first staged. fresh reports
	// whether the key became tracked by this call.
	prepareWrite(cfd *columnFamilyData, key []byte) (fresh bool, err error)

	// prepareRead is called by GetForUpdate.
	prepareRead(cfd *columnFamilyData, key []byte, exclusive bool) (fresh bool, err error)

	// untrack drops locks or tracking for keys added since a save point,
	// or by a write that was refused.
	untrack(keys []trackedKey)

	// beginCommit runs before the write; a non-nil error leaves the
	// transaction active.
	beginCommit() error

	// validate runs under the database write mutex right before the
	// staged batch is applied.
	validate() error

	// abortCommit undoes beginCommit after a failed write.
	abortCommit()

	// finish releases everything the flavor holds. The transaction is over.
	finish()
}

type savePoint struct {
	size  int
	count uint32
	keys  []trackedKey
}

// transaction is the shared core embedded by PessimisticTransaction and
// OptimisticTransaction.
type transaction struct {
	db     *DB
	id     uint64
	wo     WriteOptions
	flavor txnFlavor
	kind   string

	mu         sync.Mutex
	state      TransactionState
	err        error
	wb         *batch.WriteBatch
	index      *txn.WriteIndex
	snap       *TransactionSnapshot
	savePoints []savePoint
	iters      *resourceSet
	maxBytes   int
	beganAt    time.Time
}

func newTransaction(db *DB, id uint64, wo *WriteOptions, kind string) *transaction {
	t := &transaction{
		db:      db,
		id:      id,
		kind:    kind,
		wb:      batch.New(),
		index:   txn.NewWriteIndex(),
		iters:   newResourceSet(),
		beganAt: time.Now(),
	}
	if wo != nil {
		t.wo = *wo
	}
	return t
}

// start registers t with its database and pins a snapshot if asked to.
// Failures are sticky: every later operation reports them.
func (t *transaction) start(setSnapshot bool) {
	if t.db.closed.Load() || !t.db.txns.add(t) {
		t.err = ErrDBClosed
		return
	}
	if setSnapshot {
		t.pinSnapshot()
	}
	t.db.logger.Debugf("%sbegin %s transaction %d", logging.NSTxn, t.kind, t.id)
}

func (t *transaction) pinSnapshot() {
	snap, err := t.db.eng.NewSnapshot()
	if err != nil {
		t.err = engineError("snapshot", err)
		return
	}
	t.snap = newTransactionSnapshot(t.db, snap, t.iters)
	recordTick(t.db.stats, TickerSnapshotsCreated, 1)
}

// ID returns the transaction ID, unique per database.
func (t *transaction) ID() uint64 {
	return t.id
}

// State returns the transaction state.
func (t *transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Count returns the number of staged records.
func (t *transaction) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.wb.Count())
}

// Snapshot returns the snapshot pinned at Begin, or nil if the transaction
// was started without TransactionOptions.SetSnapshot.
func (t *transaction) Snapshot() *TransactionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

func (t *transaction) checkLocked() error {
	if t.err != nil {
		return t.err
	}
	if t.state != TransactionStateActive {
		return ErrTransactionNotActive
	}
	if t.db.closed.Load() {
		return ErrDBClosed
	}
	return nil
}

type recordKind int

const (
	recordPut recordKind = iota
	recordDelete
	recordMerge
)

// Put stages key=value in the default column family.
func (t *transaction) Put(key, value []byte) error {
	return t.PutCF(t.db.DefaultColumnFamily(), key, value)
}

// PutCF stages key=value in cf.
func (t *transaction) PutCF(cf *ColumnFamilyHandle, key, value []byte) error {
	return t.stage(cf, recordPut, key, value)
}

// Delete stages a delete of key in the default column family.
func (t *transaction) Delete(key []byte) error {
	return t.DeleteCF(t.db.DefaultColumnFamily(), key)
}

// DeleteCF stages a delete of key in cf.
func (t *transaction) DeleteCF(cf *ColumnFamilyHandle, key []byte) error {
	return t.stage(cf, recordDelete, key, nil)
}

// Merge stages a merge operand for key in the default column family.
func (t *transaction) Merge(key, operand []byte) error {
	return t.MergeCF(t.db.DefaultColumnFamily(), key, operand)
}

// MergeCF stages a merge operand for key in cf. It is resolved at commit.
func (t *transaction) MergeCF(cf *ColumnFamilyHandle, key, operand []byte) error {
	return t.stage(cf, recordMerge, key, operand)
}

func (t *transaction) stage(cf *ColumnFamilyHandle, kind recordKind, key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	cfd, err := t.db.resolveCF(cf)
	if err != nil {
		return err
	}
	if kind == recordMerge && cfd.mergeOperator() == nil {
		return ErrNoMergeOperator
	}
	fresh, err := t.flavor.prepareWrite(cfd, key)
	if err != nil {
		return err
	}
	tk := trackedKey{cf: uint32(cfd.id), key: string(key)}

	size, count := t.wb.Size(), t.wb.Count()
	id := uint32(cfd.id)
	switch kind {
	case recordPut:
		t.wb.PutCF(id, key, value)
	case recordDelete:
		t.wb.DeleteCF(id, key)
	case recordMerge:
		t.wb.MergeCF(id, key, value)
	}
	if t.maxBytes > 0 && t.wb.Size() > t.maxBytes {
		t.wb.Truncate(size, count)
		if fresh {
			t.flavor.untrack([]trackedKey{tk})
		}
		return fmt.Errorf("%w: %d bytes staged, limit %d", ErrWriteBatchTooLarge, size, t.maxBytes)
	}

	switch kind {
	case recordPut:
		t.index.Put(id, key, value)
	case recordDelete:
		t.index.Delete(id, key)
	case recordMerge:
		t.index.Merge(id, key, value)
	}
	if fresh {
		t.trackLocked(tk)
	}
	return nil
}

func (t *transaction) trackLocked(k trackedKey) {
	if n := len(t.savePoints); n > 0 {
		t.savePoints[n-1].keys = append(t.savePoints[n-1].keys, k)
	}
}

// Get reads key from the default column family, seeing the transaction's
// own writes.
func (t *transaction) Get(key []byte) ([]byte, error) {
	return t.GetCFWithOptions(nil, t.db.DefaultColumnFamily(), key)
}

// GetCF reads key from cf, seeing the transaction's own writes.
func (t *transaction) GetCF(cf *ColumnFamilyHandle, key []byte) ([]byte, error) {
	return t.GetCFWithOptions(nil, cf, key)
}

// GetWithOptions reads key from the default column family.
func (t *transaction) GetWithOptions(ro *ReadOptions, key []byte) ([]byte, error) {
	return t.GetCFWithOptions(ro, t.db.DefaultColumnFamily(), key)
}

// GetCFWithOptions reads key from cf. The transaction's writes are seen
// first; the rest of the database is read at ro.Snapshot, else at the
// transaction's snapshot, else at the latest state.
func (t *transaction) GetCFWithOptions(ro *ReadOptions, cf *ColumnFamilyHandle, key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return nil, err
	}
	cfd, err := t.db.resolveCF(cf)
	if err != nil {
		return nil, err
	}
	return t.getLocked(ro, cfd, key)
}

// GetForUpdate reads key from the default column family and marks it for
// conflict checking: a pessimistic transaction locks it, an optimistic one
// fails its commit if the key changes before then.
func (t *transaction) GetForUpdate(key []byte, exclusive bool) ([]byte, error) {
	return t.GetForUpdateCF(t.db.DefaultColumnFamily(), key, exclusive)
}

// GetForUpdateCF is GetForUpdate for cf.
func (t *transaction) GetForUpdateCF(cf *ColumnFamilyHandle, key []byte, exclusive bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return nil, err
	}
	cfd, err := t.db.resolveCF(cf)
	if err != nil {
		return nil, err
	}
	fresh, err := t.flavor.prepareRead(cfd, key, exclusive)
	if err != nil {
		return nil, err
	}
	if fresh {
		t.trackLocked(trackedKey{cf: uint32(cfd.id), key: string(key)})
	}
	return t.getLocked(nil, cfd, key)
}

func (t *transaction) getLocked(ro *ReadOptions, cfd *columnFamilyData, key []byte) ([]byte, error) {
	e, staged := t.index.Get(uint32(cfd.id), key)
	if staged && e.Kind != txn.KindNone {
		v, ok, err := resolveEntry(cfd, e, nil, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
		return append([]byte{}, v...), nil
	}

	var base []byte
	err := t.withView(ro, func(r engine.Reader, _ *resourceSet) error {
		var err error
		base, err = t.db.getFrom(r, cfd, key)
		return err
	})
	if !staged {
		return base, err
	}
	// Only merge operands are staged; merge them over the database value.
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		base = nil
	default:
		return nil, err
	}
	v, _, err := resolveEntry(cfd, e, base, base != nil)
	return v, err
}

// withView runs fn on the database view the transaction reads from.
func (t *transaction) withView(ro *ReadOptions, fn func(engine.Reader, *resourceSet) error) error {
	switch {
	case ro != nil && ro.Snapshot != nil:
		if ro.Snapshot.owner() != t.db {
			return ErrInvalidSnapshot
		}
		return ro.Snapshot.withReader(fn)
	case t.snap != nil:
		return t.snap.withReader(fn)
	}
	return fn(t.db.eng, nil)
}

// readFrom reads key as the transaction sees it with r as the database
// view. Used by throwaway read transactions.
func (t *transaction) readFrom(r engine.Reader, cfd *columnFamilyData, key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.index.Get(uint32(cfd.id), key); ok && e.Kind != txn.KindNone {
		v, ok, err := resolveEntry(cfd, e, nil, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
		return v, nil
	}
	return t.db.getFrom(r, cfd, key)
}

// mergedIterator returns the transaction's writes merged over an iterator
// of r. The caller owns the result.
func (t *transaction) mergedIterator(r engine.Reader, cfd *columnFamilyData, ro *ReadOptions) engine.Iterator {
	base := newDecodingIterator(r.NewIterator(cfd.id, ro.iterRange()))
	return newDeltaIterator(base, t.index.Clone(), cfd, ro.iterRange())
}

// NewIterator returns a directional iterator over the default column
// family that sees the transaction's writes.
func (t *transaction) NewIterator(mode IteratorMode) *DirectionalIterator {
	return newDirectionalIterator(t.NewRawIteratorCFWithOptions(nil, t.db.DefaultColumnFamily()), mode)
}

// NewIteratorCF returns a directional iterator over cf.
func (t *transaction) NewIteratorCF(cf *ColumnFamilyHandle, mode IteratorMode) *DirectionalIterator {
	return newDirectionalIterator(t.NewRawIteratorCFWithOptions(nil, cf), mode)
}

// NewIteratorWithOptions returns a directional iterator over the default
// column family.
func (t *transaction) NewIteratorWithOptions(ro *ReadOptions, mode IteratorMode) *DirectionalIterator {
	return newDirectionalIterator(t.NewRawIteratorCFWithOptions(ro, t.db.DefaultColumnFamily()), mode)
}

// NewIteratorCFWithOptions returns a directional iterator over cf.
func (t *transaction) NewIteratorCFWithOptions(ro *ReadOptions, cf *ColumnFamilyHandle, mode IteratorMode) *DirectionalIterator {
	return newDirectionalIterator(t.NewRawIteratorCFWithOptions(ro, cf), mode)
}

// NewRawIterator returns an unpositioned iterator over the default column
// family.
func (t *transaction) NewRawIterator() *RawIterator {
	return t.NewRawIteratorCFWithOptions(nil, t.db.DefaultColumnFamily())
}

// NewRawIteratorCF returns an unpositioned iterator over cf.
func (t *transaction) NewRawIteratorCF(cf *ColumnFamilyHandle) *RawIterator {
	return t.NewRawIteratorCFWithOptions(nil, cf)
}

// NewRawIteratorWithOptions returns an unpositioned iterator over the
// default column family.
func (t *transaction) NewRawIteratorWithOptions(ro *ReadOptions) *RawIterator {
	return t.NewRawIteratorCFWithOptions(ro, t.db.DefaultColumnFamily())
}

// NewRawIteratorCFWithOptions returns an unpositioned iterator over cf
// that sees the writes the transaction made so far. It is invalidated when
// the transaction commits or rolls back.
func (t *transaction) NewRawIteratorCFWithOptions(ro *ReadOptions, cf *ColumnFamilyHandle) *RawIterator {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return newFailedIterator(t.db, err)
	}
	cfd, err := t.db.resolveCF(cf)
	if err != nil {
		return newFailedIterator(t.db, err)
	}
	var ri *RawIterator
	err = t.withView(ro, func(r engine.Reader, iters *resourceSet) error {
		ri = newRawIterator(t.db, t.mergedIterator(r, cfd, ro))
		if iters != nil && iters != t.iters && !ri.attach(iters, ErrSnapshotReleased) {
			return nil
		}
		if ri.attach(t.iters, ErrTransactionNotActive) {
			ri.attach(t.db.iterators, ErrDBClosed)
		}
		return nil
	})
	if err != nil {
		return newFailedIterator(t.db, err)
	}
	return ri
}

// SetSavePoint records the current state so RollbackToSavePoint can return
// to it.
func (t *transaction) SetSavePoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	t.savePoints = append(t.savePoints, savePoint{size: t.wb.Size(), count: t.wb.Count()})
	return nil
}

// RollbackToSavePoint discards the writes made since the most recent save
// point and releases the keys first locked or tracked since then. The save
// point is removed.
func (t *transaction) RollbackToSavePoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	n := len(t.savePoints)
	if n == 0 {
		return ErrNoSavePoint
	}
	sp := t.savePoints[n-1]
	t.savePoints = t.savePoints[:n-1]
	t.wb.Truncate(sp.size, sp.count)
	if err := t.index.Rebuild(t.wb); err != nil {
		return fmt.Errorf("db: rebuild transaction index: %w", err)
	}
	if len(sp.keys) > 0 {
		t.flavor.untrack(sp.keys)
	}
	return nil
}

// PopSavePoint removes the most recent save point without rolling back.
func (t *transaction) PopSavePoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	n := len(t.savePoints)
	if n == 0 {
		return ErrNoSavePoint
	}
	sp := t.savePoints[n-1]
	t.savePoints = t.savePoints[:n-1]
	if n > 1 {
		t.savePoints[n-2].keys = append(t.savePoints[n-2].keys, sp.keys...)
	}
	return nil
}

// Commit applies the staged writes atomically. On failure the transaction
// stays active so the caller can inspect it and roll back.
func (t *transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	start := time.Now()
	if err := t.flavor.beginCommit(); err != nil {
		return err
	}
	if err := t.db.write(&t.wo, t.wb, t.flavor.validate); err != nil {
		t.flavor.abortCommit()
		t.db.logger.Debugf("%scommit of %s transaction %d failed: %v", logging.NSTxn, t.kind, t.id, err)
		return err
	}
	t.state = TransactionStateCommitted
	t.finishLocked(ErrTransactionNotActive)
	measureSince(t.db.stats, HistogramTxnCommit, start)
	recordTick(t.db.stats, TickerTxnCommits, 1)
	return nil
}

// Rollback discards the staged writes and releases the transaction's
// locks, iterators and snapshot.
func (t *transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	if t.state != TransactionStateActive {
		return ErrTransactionNotActive
	}
	t.state = TransactionStateRolledBack
	t.finishLocked(ErrTransactionNotActive)
	recordTick(t.db.stats, TickerTxnRollbacks, 1)
	return nil
}

// invalidate rolls the transaction back because its database is closing.
func (t *transaction) invalidate(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TransactionStateActive {
		return
	}
	t.state = TransactionStateRolledBack
	if t.err == nil {
		t.err = fmt.Errorf("%w: %w", ErrTransactionNotActive, cause)
	}
	t.finishLocked(cause)
	recordTick(t.db.stats, TickerTxnRollbacks, 1)
}

func (t *transaction) finishLocked(cause error) {
	t.iters.sweep(cause)
	if t.snap != nil {
		t.snap.release()
	}
	t.flavor.finish()
	t.db.txns.remove(t)
	t.wb.Clear()
	t.index.Clear()
	t.savePoints = nil
	t.db.logger.Debugf("%s%s transaction %d %s after %v", logging.NSTxn, t.kind, t.id, t.state, time.Since(t.beganAt))
}

// discard ends a throwaway read transaction.
func (t *transaction) discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TransactionStateRolledBack
}

// readFlavor is the flavor of throwaway read transactions, which never
// write.
type readFlavor struct{}

func (readFlavor) prepareWrite(*columnFamilyData, []byte) (bool, error) {
	return false, ErrTransactionNotActive
}

func (readFlavor) prepareRead(*columnFamilyData, []byte, bool) (bool, error) { return false, nil }
func (readFlavor) untrack([]trackedKey)                                    {}
func (readFlavor) beginCommit() error                                      { return nil }
func (readFlavor) validate() error                                         { return nil }
func (readFlavor) abortCommit()                                            {}
func (readFlavor) finish()                                                 {}

func newReadTransaction(db *DB) *transaction {
	t := newTransaction(db, 0, nil, "read")
	t.flavor = readFlavor{}
	return t
}

// sameValue compares two engine reads of one key.
func sameValue(a []byte, aErr error, b []byte, bErr error) (bool, error) {
	aMissing, bMissing := errors.Is(aErr, engine.ErrNotFound), errors.Is(bErr, engine.ErrNotFound)
	if aErr != nil && !aMissing {
		return false, engineError("validate", aErr)
	}
	if bErr != nil && !bMissing {
		return false, engineError("validate", bErr)
	}
	if aMissing || bMissing {
		return aMissing == bMissing, nil
	}
	return string(a) == string(b), nil
}
