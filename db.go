package harborkv

// db.go implements opening, closing and the read/write paths of DB.
//
// All mutation funnels through write, which resolves merge records against
// the current state, wraps values in their family's compression envelope
// and hands one batch to the engine. All reads go through the engine, an
// engine snapshot, or (for transactional databases reading at a snapshot)
// a throwaway read transaction.

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/harborkv/internal/batch"
	"github.com/aalhour/harborkv/internal/compression"
	"github.com/aalhour/harborkv/internal/engine"
	"github.com/aalhour/harborkv/internal/engine/bolt"
	"github.com/aalhour/harborkv/internal/engine/leveldb"
	"github.com/aalhour/harborkv/internal/logging"
)

// DB is an open database. It is safe for concurrent use.
type DB struct {
	path   string
	opts   Options
	eng    engine.Engine
	logger Logger
	stats  Statistics
	cfs    *columnFamilySet

	// Live handles, invalidated by Close in this order.
	iterators *resourceSet
	txns      *resourceSet
	snapshots *resourceSet

	// writeMu serializes merge resolution, optimistic validation and Apply.
	writeMu sync.Mutex

	// closeMu is held shared by public entry points and exclusively by Close.
	closeMu sync.RWMutex
	closed  atomic.Bool

	bgMu  sync.Mutex
	bgErr error

	batchPool *batch.Pool

	// Hooks installed by the transactional wrappers.
	gate    writeGate
	readTxn func() *transaction
	onClose []func()

	statsJob *statsDumpJob
}

// writeGate serializes non-transactional writes with transactions.
type writeGate interface {
	// lockBatch locks every key written by b and returns the unlock func.
	lockBatch(b *batch.WriteBatch) (func(), error)
}

type backend struct {
	open         func(path string, opts engine.Options) (engine.Engine, error)
	destroy      func(path string) error
	repair       func(path string, opts engine.Options) error
	listFamilies func(path string, opts engine.Options) ([]string, error)
}

func backendFor(t EngineType) (backend, error) {
	switch t {
	case "", EngineLevelDB:
		return backend{
			open: func(path string, opts engine.Options) (engine.Engine, error) {
				return leveldb.Open(path, opts)
			},
			destroy:      leveldb.Destroy,
			repair:       leveldb.Repair,
			listFamilies: leveldb.ListFamilies,
		}, nil
	case EngineBolt:
		return backend{
			open: func(path string, opts engine.Options) (engine.Engine, error) {
				return bolt.Open(path, opts)
			},
			destroy:      bolt.Destroy,
			repair:       bolt.Repair,
			listFamilies: bolt.ListFamilies,
		}, nil
	}
	return backend{}, fmt.Errorf("db: unknown engine %q", t)
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.IndexByte(path, 0) >= 0 {
		return fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidPath, path)
	}
	return nil
}

// Open opens the database at path with only the families it already has.
// Families other than "default" get DefaultColumnFamilyOptions.
func Open(path string, opts *Options) (*DB, error) {
	db, _, err := open(path, opts, nil)
	return db, err
}

// OpenColumnFamilies opens the database at path and returns one handle per
// descriptor, in order. Families present in the store but not listed are
// registered with DefaultColumnFamilyOptions. A listed family the store
// does not have is created when CreateMissingColumnFamilies is set and is
// an ErrInvalidColumnFamily error otherwise.
func OpenColumnFamilies(path string, opts *Options, descs []ColumnFamilyDescriptor) (*DB, []*ColumnFamilyHandle, error) {
	return open(path, opts, descs)
}

func open(path string, opts *Options, descs []ColumnFamilyDescriptor) (*DB, []*ColumnFamilyHandle, error) {
	if err := validatePath(path); err != nil {
		return nil, nil, err
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	for _, d := range descs {
		if err := validateName(d.Name); err != nil {
			return nil, nil, err
		}
		if !d.Options.Compression.IsSupported() {
			return nil, nil, fmt.Errorf("db: column family %q: %w", d.Name, compression.ErrUnsupported)
		}
	}
	b, err := backendFor(opts.Engine)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.OrDefault(opts.Logger)
	eng, err := b.open(path, opts.engineOptions(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, path, err)
	}
	return openEngine(path, opts, descs, eng, logger)
}

// openEngine builds a DB around an open engine. The engine is closed if
// the families cannot be registered.
func openEngine(path string, opts *Options, descs []ColumnFamilyDescriptor, eng engine.Engine, logger Logger) (*DB, []*ColumnFamilyHandle, error) {
	db := &DB{
		path:      path,
		opts:      *opts,
		eng:       eng,
		logger:    logger,
		cfs:       newColumnFamilySet(),
		iterators: newResourceSet(),
		txns:      newResourceSet(),
		snapshots: newResourceSet(),
		batchPool: batch.NewPool(),
	}
	if opts.EnableStatistics {
		db.stats = NewStatistics()
	}

	handles, err := db.registerFamilies(descs)
	if err != nil {
		if cerr := eng.Close(); cerr != nil {
			logger.Warnf("%sclose after failed open: %v", logging.NSDB, cerr)
		}
		return nil, nil, err
	}

	nOpen := processEnv.acquire()
	if db.stats != nil && opts.StatsDumpPeriodSec > 0 {
		db.statsJob = &statsDumpJob{db: db}
		processEnv.schedule(time.Duration(opts.StatsDumpPeriodSec)*time.Second, db.statsJob)
	}
	logger.Infof("%sopened %s (engine=%s, families=%d, open databases=%d)", logging.NSDB, path, db.engineType(), len(db.cfs.names()), nOpen)
	return db, handles, nil
}

func (db *DB) engineType() EngineType {
	if db.opts.Engine == "" {
		return EngineLevelDB
	}
	return db.opts.Engine
}

// registerFamilies fills the registry from the engine and resolves descs.
func (db *DB) registerFamilies(descs []ColumnFamilyDescriptor) ([]*ColumnFamilyHandle, error) {
	listed := make(map[string]ColumnFamilyOptions, len(descs))
	for _, d := range descs {
		listed[d.Name] = d.Options
	}

	db.cfs.mu.Lock()
	defer db.cfs.mu.Unlock()
	for _, f := range db.eng.Families() {
		cfOpts, ok := listed[f.Name]
		if !ok {
			cfOpts = DefaultColumnFamilyOptions()
		}
		db.cfs.add(newColumnFamilyData(db, f.ID, f.Name, cfOpts))
	}

	handles := make([]*ColumnFamilyHandle, 0, len(descs))
	for _, d := range descs {
		cfd, ok := db.cfs.byName[d.Name]
		if !ok {
			if !db.opts.CreateMissingColumnFamilies {
				return nil, fmt.Errorf("%w: %q does not exist", ErrInvalidColumnFamily, d.Name)
			}
			id, err := db.eng.CreateFamily(d.Name)
			if err != nil {
				return nil, engineError("create column family", err)
			}
			cfd = newColumnFamilyData(db, id, d.Name, d.Options)
			db.cfs.add(cfd)
			db.logger.Infof("%screated missing column family %q (id %d)", logging.NSCF, d.Name, id)
		}
		handles = append(handles, &ColumnFamilyHandle{cfd: cfd})
	}
	return handles, nil
}

// DestroyDB deletes the database at path. It must not be open.
func DestroyDB(path string, opts *Options) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	b, err := backendFor(opts.Engine)
	if err != nil {
		return err
	}
	if err := b.destroy(path); err != nil {
		return engineError("destroy", err)
	}
	return nil
}

// RepairDB tries to recover a damaged database at path. It must not be open.
func RepairDB(path string, opts *Options) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	b, err := backendFor(opts.Engine)
	if err != nil {
		return err
	}
	if err := b.repair(path, opts.engineOptions(logging.OrDefault(opts.Logger))); err != nil {
		return engineError("repair", err)
	}
	return nil
}

// enter guards a public entry point against a concurrent Close.
func (db *DB) enter() error {
	db.closeMu.RLock()
	if db.closed.Load() {
		db.closeMu.RUnlock()
		return ErrDBClosed
	}
	return nil
}

func (db *DB) exit() {
	db.closeMu.RUnlock()
}

// Path returns the path the database was opened with.
func (db *DB) Path() string {
	return db.path
}

// Statistics returns the database statistics, or nil unless
// Options.EnableStatistics was set.
func (db *DB) Statistics() Statistics {
	return db.stats
}

// Close invalidates every iterator, rolls back every transaction, releases
// every snapshot, invalidates column family handles and closes the engine.
// Close is idempotent.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Wake lock waiters before waiting for in-flight calls to drain.
	for _, fn := range db.onClose {
		fn()
	}
	if db.statsJob != nil {
		db.statsJob.stopped.Store(true)
		processEnv.unschedule(db.statsJob)
	}

	db.closeMu.Lock()
	defer db.closeMu.Unlock()

	nIters := db.iterators.sweep(ErrDBClosed)
	nTxns := db.txns.sweep(ErrDBClosed)
	nSnaps := db.snapshots.sweep(ErrDBClosed)
	db.cfs.invalidateAll()
	if nIters+nTxns+nSnaps > 0 {
		db.logger.Warnf("%sclosing %s with %d iterator(s), %d transaction(s), %d snapshot(s) still open",
			logging.NSDB, db.path, nIters, nTxns, nSnaps)
	}

	err := db.eng.Close()
	nOpen := processEnv.release()
	if err != nil {
		return engineError("close", err)
	}
	db.logger.Infof("%sclosed %s (open databases=%d)", logging.NSDB, db.path, nOpen)
	return nil
}

func (db *DB) backgroundError() error {
	db.bgMu.Lock()
	defer db.bgMu.Unlock()
	return db.bgErr
}

// setBackgroundError records the first unrecoverable write error. Later
// writes fail with it until the database is reopened.
func (db *DB) setBackgroundError(err error) {
	db.bgMu.Lock()
	defer db.bgMu.Unlock()
	if db.bgErr == nil {
		db.bgErr = err
		db.logger.Fatalf("%sstopping writes to %s: %v", logging.NSDB, db.path, err)
	}
}

// cfByID returns the valid family with the given ID.
func (db *DB) cfByID(id uint32) (*columnFamilyData, error) {
	db.cfs.mu.RLock()
	cfd := db.cfs.byID[engine.FamilyID(id)]
	db.cfs.mu.RUnlock()
	if cfd == nil || cfd.invalid.Load() {
		return nil, fmt.Errorf("%w: id %d", ErrInvalidColumnFamilyHandle, id)
	}
	return cfd, nil
}

// decodeValue unwraps a stored envelope.
func decodeValue(env []byte) ([]byte, error) {
	v, err := compression.Unwrap(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruption, err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

// getFrom reads and decodes one value from r.
func (db *DB) getFrom(r engine.Reader, cfd *columnFamilyData, key []byte) ([]byte, error) {
	env, err := r.Get(cfd.id, key)
	if err != nil {
		return nil, engineError("get", err)
	}
	return decodeValue(env)
}

// readAt reads key from an engine snapshot's reader. Transactional
// databases route the read through a throwaway read transaction.
func (db *DB) readAt(r engine.Reader, cfd *columnFamilyData, key []byte) ([]byte, error) {
	if db.readTxn != nil {
		t := db.readTxn()
		defer t.discard()
		return t.readFrom(r, cfd, key)
	}
	return db.getFrom(r, cfd, key)
}

// get reads key honoring ro.Snapshot.
func (db *DB) get(ro *ReadOptions, cfd *columnFamilyData, key []byte) ([]byte, error) {
	if ro == nil || ro.Snapshot == nil {
		return db.getFrom(db.eng, cfd, key)
	}
	if ro.Snapshot.owner() != db {
		return nil, ErrInvalidSnapshot
	}
	var v []byte
	err := ro.Snapshot.withReader(func(r engine.Reader, _ *resourceSet) error {
		var err error
		v, err = db.readAt(r, cfd, key)
		return err
	})
	return v, err
}

// Get returns the value for key in the default column family.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.GetCFWithOptions(nil, db.DefaultColumnFamily(), key)
}

// GetCF returns the value for key in cf.
func (db *DB) GetCF(cf *ColumnFamilyHandle, key []byte) ([]byte, error) {
	return db.GetCFWithOptions(nil, cf, key)
}

// GetWithOptions returns the value for key in the default column family.
func (db *DB) GetWithOptions(ro *ReadOptions, key []byte) ([]byte, error) {
	return db.GetCFWithOptions(ro, db.DefaultColumnFamily(), key)
}

// GetCFWithOptions returns the value for key in cf, or ErrNotFound.
// The returned slice belongs to the caller.
func (db *DB) GetCFWithOptions(ro *ReadOptions, cf *ColumnFamilyHandle, key []byte) ([]byte, error) {
	if err := db.enter(); err != nil {
		return nil, err
	}
	defer db.exit()
	cfd, err := db.resolveCF(cf)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	v, err := db.get(ro, cfd, key)
	measureSince(db.stats, HistogramDBGet, start)
	recordTick(db.stats, TickerNumberKeysRead, 1)
	if err == nil {
		recordTick(db.stats, TickerNumberKeysFound, 1)
		recordTick(db.stats, TickerBytesRead, uint64(len(v)))
		measure(db.stats, HistogramBytesPerRead, uint64(len(v)))
	}
	return v, err
}

// MultiGet reads several keys of the default column family from one
// consistent view.
func (db *DB) MultiGet(keys [][]byte) ([][]byte, []error) {
	return db.MultiGetCFWithOptions(nil, db.DefaultColumnFamily(), keys)
}

// MultiGetCF reads several keys of cf from one consistent view.
func (db *DB) MultiGetCF(cf *ColumnFamilyHandle, keys [][]byte) ([][]byte, []error) {
	return db.MultiGetCFWithOptions(nil, cf, keys)
}

// MultiGetCFWithOptions returns values[i], errs[i] for keys[i]. Missing
// keys report ErrNotFound. Without a snapshot in ro the reads share an
// implicit one.
func (db *DB) MultiGetCFWithOptions(ro *ReadOptions, cf *ColumnFamilyHandle, keys [][]byte) ([][]byte, []error) {
	values := make([][]byte, len(keys))
	errs := make([]error, len(keys))
	fail := func(err error) ([][]byte, []error) {
		for i := range errs {
			errs[i] = err
		}
		return values, errs
	}

	if err := db.enter(); err != nil {
		return fail(err)
	}
	defer db.exit()
	cfd, err := db.resolveCF(cf)
	if err != nil {
		return fail(err)
	}

	start := time.Now()
	readAll := func(r engine.Reader) {
		for i, k := range keys {
			values[i], errs[i] = db.readAt(r, cfd, k)
		}
	}
	switch {
	case ro != nil && ro.Snapshot != nil:
		if ro.Snapshot.owner() != db {
			return fail(ErrInvalidSnapshot)
		}
		err := ro.Snapshot.withReader(func(r engine.Reader, _ *resourceSet) error {
			readAll(r)
			return nil
		})
		if err != nil {
			return fail(err)
		}
	default:
		snap, err := db.eng.NewSnapshot()
		if err != nil {
			return fail(engineError("snapshot", err))
		}
		readAll(snap)
		snap.Release()
	}

	found := 0
	for i := range keys {
		if errs[i] == nil {
			found++
			recordTick(db.stats, TickerBytesRead, uint64(len(values[i])))
		}
	}
	measureSince(db.stats, HistogramDBMultiGet, start)
	recordTick(db.stats, TickerNumberMultiGetCalls, 1)
	recordTick(db.stats, TickerNumberMultiGetKeysRead, uint64(len(keys)))
	recordTick(db.stats, TickerNumberMultiGetKeysFound, uint64(found))
	return values, errs
}

// Put sets key to value in the default column family.
func (db *DB) Put(key, value []byte) error {
	return db.PutCFWithOptions(nil, db.DefaultColumnFamily(), key, value)
}

// PutCF sets key to value in cf.
func (db *DB) PutCF(cf *ColumnFamilyHandle, key, value []byte) error {
	return db.PutCFWithOptions(nil, cf, key, value)
}

// PutWithOptions sets key to value in the default column family.
func (db *DB) PutWithOptions(wo *WriteOptions, key, value []byte) error {
	return db.PutCFWithOptions(wo, db.DefaultColumnFamily(), key, value)
}

// PutCFWithOptions sets key to value in cf.
func (db *DB) PutCFWithOptions(wo *WriteOptions, cf *ColumnFamilyHandle, key, value []byte) error {
	return db.writeOne(wo, cf, func(b *batch.WriteBatch, id uint32) { b.PutCF(id, key, value) })
}

// Delete removes key from the default column family. Deleting a missing
// key is not an error.
func (db *DB) Delete(key []byte) error {
	return db.DeleteCFWithOptions(nil, db.DefaultColumnFamily(), key)
}

// DeleteCF removes key from cf.
func (db *DB) DeleteCF(cf *ColumnFamilyHandle, key []byte) error {
	return db.DeleteCFWithOptions(nil, cf, key)
}

// DeleteWithOptions removes key from the default column family.
func (db *DB) DeleteWithOptions(wo *WriteOptions, key []byte) error {
	return db.DeleteCFWithOptions(wo, db.DefaultColumnFamily(), key)
}

// DeleteCFWithOptions removes key from cf.
func (db *DB) DeleteCFWithOptions(wo *WriteOptions, cf *ColumnFamilyHandle, key []byte) error {
	return db.writeOne(wo, cf, func(b *batch.WriteBatch, id uint32) { b.DeleteCF(id, key) })
}

// Merge applies operand to key in the default column family using the
// family's merge operator.
func (db *DB) Merge(key, operand []byte) error {
	return db.MergeCFWithOptions(nil, db.DefaultColumnFamily(), key, operand)
}

// MergeCF applies operand to key in cf.
func (db *DB) MergeCF(cf *ColumnFamilyHandle, key, operand []byte) error {
	return db.MergeCFWithOptions(nil, cf, key, operand)
}

// MergeWithOptions applies operand to key in the default column family.
func (db *DB) MergeWithOptions(wo *WriteOptions, key, operand []byte) error {
	return db.MergeCFWithOptions(wo, db.DefaultColumnFamily(), key, operand)
}

// MergeCFWithOptions applies operand to key in cf.
func (db *DB) MergeCFWithOptions(wo *WriteOptions, cf *ColumnFamilyHandle, key, operand []byte) error {
	return db.writeOne(wo, cf, func(b *batch.WriteBatch, id uint32) { b.MergeCF(id, key, operand) })
}

func (db *DB) writeOne(wo *WriteOptions, cf *ColumnFamilyHandle, record func(*batch.WriteBatch, uint32)) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.exit()
	cfd, err := db.resolveCF(cf)
	if err != nil {
		return err
	}
	b := db.batchPool.Get()
	defer db.batchPool.Put(b)
	record(b, uint32(cfd.id))
	return db.gatedWrite(wo, b)
}

// Write applies wb atomically with default write options.
func (db *DB) Write(wb *WriteBatch) error {
	return db.WriteWithOptions(nil, wb)
}

// WriteWithOptions applies wb atomically. Merge records are resolved
// against the state before the batch plus the batch's earlier records.
// Writing an empty batch succeeds without touching the engine. A batch that
// was written successfully must be cleared before it is written again.
func (db *DB) WriteWithOptions(wo *WriteOptions, wb *WriteBatch) error {
	if wb == nil {
		return nil
	}
	if wb.consumed {
		return ErrWriteBatchConsumed
	}
	if wb.err != nil {
		return wb.err
	}
	if err := db.enter(); err != nil {
		return err
	}
	defer db.exit()
	for cfd := range wb.families {
		if _, err := db.resolveCF(&ColumnFamilyHandle{cfd: cfd}); err != nil {
			return err
		}
	}
	if wb.IsEmpty() {
		return nil
	}
	if err := db.gatedWrite(wo, wb.rep); err != nil {
		return err
	}
	wb.consumed = true
	return nil
}

// gatedWrite takes the transactional write gate, if any, around write.
func (db *DB) gatedWrite(wo *WriteOptions, b *batch.WriteBatch) error {
	if db.gate != nil {
		unlock, err := db.gate.lockBatch(b)
		if err != nil {
			return err
		}
		defer unlock()
	}
	return db.write(wo, b, nil)
}

type overlayValue struct {
	exists bool
	value  []byte
}

// write resolves b and applies it. check runs under the write mutex before
// anything is applied; a non-nil result aborts the write.
func (db *DB) write(wo *WriteOptions, b *batch.WriteBatch, check func() error) error {
	if err := db.backgroundError(); err != nil {
		return err
	}
	start := time.Now()

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	if b.Count() == 0 {
		return nil
	}

	out := db.batchPool.Get()
	defer db.batchPool.Put(out)
	if err := db.resolve(b, out); err != nil {
		return err
	}

	if err := db.eng.Apply(out, wo.engineOptions()); err != nil {
		err = engineError("write", err)
		if errors.Is(err, ErrCorruption) {
			db.setBackgroundError(err)
		}
		return err
	}

	measureSince(db.stats, HistogramDBWrite, start)
	measure(db.stats, HistogramBytesPerWrite, uint64(out.Size()))
	recordTick(db.stats, TickerNumberKeysWritten, uint64(b.Count()))
	recordTick(db.stats, TickerBytesWritten, uint64(b.Size()))
	switch {
	case wo != nil && wo.DisableWAL:
		recordTick(db.stats, TickerWriteWithoutWAL, 1)
	default:
		recordTick(db.stats, TickerWriteWithWAL, 1)
	}
	if wo != nil && wo.Sync {
		recordTick(db.stats, TickerWriteSynced, 1)
	}
	return nil
}

// resolve re-encodes b into out: values are wrapped in envelopes and merge
// records become puts. Caller holds writeMu.
func (db *DB) resolve(b *batch.WriteBatch, out *batch.WriteBatch) error {
	var overlay map[string]overlayValue
	if b.HasMerge() {
		overlay = make(map[string]overlayValue)
	}
	overlayKey := func(cf uint32, key []byte) string {
		return strconv.FormatUint(uint64(cf), 16) + "/" + string(key)
	}
	put := func(cfd *columnFamilyData, key, value []byte) error {
		env, err := cfd.codec.Wrap(value)
		if err != nil {
			return fmt.Errorf("db: compress value: %w", err)
		}
		out.PutCF(uint32(cfd.id), key, env)
		if overlay != nil {
			overlay[overlayKey(uint32(cfd.id), key)] = overlayValue{exists: true, value: bytes.Clone(value)}
		}
		return nil
	}

	return b.Iterate(batch.HandlerFuncs{
		PutFn: func(cf uint32, key, value []byte) error {
			cfd, err := db.cfByID(cf)
			if err != nil {
				return err
			}
			return put(cfd, key, value)
		},
		DeleteFn: func(cf uint32, key []byte) error {
			if _, err := db.cfByID(cf); err != nil {
				return err
			}
			out.DeleteCF(cf, key)
			if overlay != nil {
				overlay[overlayKey(cf, key)] = overlayValue{}
			}
			return nil
		},
		MergeFn: func(cf uint32, key, operand []byte) error {
			cfd, err := db.cfByID(cf)
			if err != nil {
				return err
			}
			var existing []byte
			if ov, ok := overlay[overlayKey(cf, key)]; ok {
				if ov.exists {
					existing = ov.value
				}
			} else {
				v, err := db.getFrom(db.eng, cfd, key)
				switch {
				case err == nil:
					existing = v
				case !errors.Is(err, ErrNotFound):
					return err
				}
			}
			merged, err := fullMerge(cfd.mergeOperator(), key, existing, [][]byte{operand})
			if err != nil {
				if errors.Is(err, ErrMergeFailed) {
					recordTick(db.stats, TickerNumberMergeFailures, 1)
				}
				return err
			}
			recordTick(db.stats, TickerNumberMerges, 1)
			return put(cfd, key, merged)
		},
	})
}

// NewSnapshot captures the current state of the database.
func (db *DB) NewSnapshot() (*Snapshot, error) {
	if err := db.enter(); err != nil {
		return nil, err
	}
	defer db.exit()
	snap, err := db.eng.NewSnapshot()
	if err != nil {
		return nil, engineError("snapshot", err)
	}
	s := newSnapshot(db, snap)
	if !db.snapshots.add(s) {
		s.invalidate(ErrDBClosed)
		return nil, ErrDBClosed
	}
	recordTick(db.stats, TickerSnapshotsCreated, 1)
	db.logger.Debugf("%snew snapshot of %s", logging.NSSnapshot, db.path)
	return s, nil
}

// CompactRange compacts [start, limit) of cf; nil bounds are open.
func (db *DB) CompactRange(cf *ColumnFamilyHandle, start, limit []byte) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.exit()
	cfd, err := db.resolveCF(cf)
	if err != nil {
		return err
	}
	var r *engine.Range
	if start != nil || limit != nil {
		r = &engine.Range{Start: start, Limit: limit}
	}
	if err := db.eng.CompactRange(cfd.id, r); err != nil {
		return engineError("compact range", err)
	}
	return nil
}

// Property names answered by GetProperty. Names with a backend prefix
// ("leveldb." or "bolt.") are passed to the engine.
const (
	PropertyNumSnapshots          = "harborkv.num-snapshots"
	PropertyNumLiveIterators      = "harborkv.num-live-iterators"
	PropertyNumActiveTransactions = "harborkv.num-active-transactions"
	PropertyStats                 = "harborkv.stats"
	PropertyColumnFamilies        = "harborkv.column-families"
)

// GetProperty returns the value of a database property.
func (db *DB) GetProperty(name string) (string, bool) {
	if err := db.enter(); err != nil {
		return "", false
	}
	defer db.exit()
	switch name {
	case PropertyNumSnapshots:
		return strconv.Itoa(db.snapshots.len()), true
	case PropertyNumLiveIterators:
		return strconv.Itoa(db.iterators.len()), true
	case PropertyNumActiveTransactions:
		return strconv.Itoa(db.txns.len()), true
	case PropertyStats:
		if db.stats == nil {
			return "", false
		}
		return db.stats.String(), true
	case PropertyColumnFamilies:
		return strings.Join(db.cfs.names(), ","), true
	}
	return db.eng.Property(name)
}
