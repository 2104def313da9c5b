package harborkv

// iterator.go implements the raw and directional iterators.
//
// A RawIterator is a positionable cursor: it starts unpositioned and is
// driven with the Seek* methods, Next and Prev. A DirectionalIterator wraps
// a RawIterator with a start position and a direction and yields each
// element exactly once through Next.

import (
	"bytes"
	"fmt"
	"iter"
	"sync"

	"github.com/aalhour/harborkv/internal/engine"
)

// decodingIterator unwraps value envelopes as it moves. A value that fails
// to decode stops the iteration with a corruption error.
type decodingIterator struct {
	engine.Iterator
	value []byte
	err   error
}

func newDecodingIterator(it engine.Iterator) *decodingIterator {
	return &decodingIterator{Iterator: it}
}

func (d *decodingIterator) land(ok bool) bool {
	d.value = nil
	if !ok || d.err != nil {
		return false
	}
	v, err := decodeValue(d.Iterator.Value())
	if err != nil {
		d.err = fmt.Errorf("key %q: %w", d.Iterator.Key(), err)
		return false
	}
	d.value = v
	return true
}

func (d *decodingIterator) First() bool          { return d.land(d.Iterator.First()) }
func (d *decodingIterator) Last() bool           { return d.land(d.Iterator.Last()) }
func (d *decodingIterator) Seek(key []byte) bool { return d.land(d.Iterator.Seek(key)) }
func (d *decodingIterator) Next() bool           { return d.land(d.Iterator.Next()) }
func (d *decodingIterator) Prev() bool           { return d.land(d.Iterator.Prev()) }

func (d *decodingIterator) Valid() bool {
	return d.err == nil && d.Iterator.Valid()
}

func (d *decodingIterator) Value() []byte {
	if !d.Valid() {
		return nil
	}
	return d.value
}

func (d *decodingIterator) Key() []byte {
	if !d.Valid() {
		return nil
	}
	return d.Iterator.Key()
}

func (d *decodingIterator) Error() error {
	if d.err != nil {
		return d.err
	}
	return d.Iterator.Error()
}

// RawIterator is an unpositioned cursor over one column family. It must be
// positioned with SeekToFirst, SeekToLast, Seek or SeekForPrev before use.
//
// A RawIterator is owned by one goroutine, but its database, snapshot or
// transaction may invalidate it from another at any time; afterwards it is
// never valid and Err reports ErrIteratorClosed.
type RawIterator struct {
	db    *DB
	stats Statistics

	mu      sync.Mutex
	it      engine.Iterator
	err     error
	owners  []*resourceSet
	cleanup []func()
}

func newRawIterator(db *DB, it engine.Iterator) *RawIterator {
	ri := &RawIterator{db: db, it: it}
	if db != nil {
		ri.stats = db.stats
	}
	return ri
}

// newFailedIterator returns an iterator that is never valid and reports err.
func newFailedIterator(db *DB, err error) *RawIterator {
	return &RawIterator{db: db, err: err}
}

// attach registers ri with set. If the set is already swept, ri is
// invalidated with cause and false is returned.
func (ri *RawIterator) attach(set *resourceSet, cause error) bool {
	if set == nil {
		return true
	}
	if !set.add(ri) {
		ri.invalidate(cause)
		return false
	}
	ri.mu.Lock()
	ri.owners = append(ri.owners, set)
	ri.mu.Unlock()
	return true
}

// onClose runs fn once the iterator is closed or invalidated.
func (ri *RawIterator) onClose(fn func()) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.it == nil {
		fn()
		return
	}
	ri.cleanup = append(ri.cleanup, fn)
}

func (ri *RawIterator) invalidate(cause error) {
	ri.shutdown(fmt.Errorf("%w: %w", ErrIteratorClosed, cause))
}

func (ri *RawIterator) shutdown(err error) {
	ri.mu.Lock()
	if ri.it == nil {
		ri.mu.Unlock()
		return
	}
	ri.it.Release()
	ri.it = nil
	if ri.err == nil {
		ri.err = err
	}
	owners, cleanup := ri.owners, ri.cleanup
	ri.owners, ri.cleanup = nil, nil
	ri.mu.Unlock()

	for _, fn := range cleanup {
		fn()
	}
	for _, s := range owners {
		s.remove(ri)
	}
}

// Close releases the iterator. It is safe to call more than once.
func (ri *RawIterator) Close() {
	ri.shutdown(ErrIteratorClosed)
}

// Valid reports whether the iterator is positioned at an element.
func (ri *RawIterator) Valid() bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.it != nil && ri.it.Valid()
}

func (ri *RawIterator) landed() {
	if ri.stats != nil && ri.it.Valid() {
		ri.stats.RecordTick(TickerIterBytesRead, uint64(len(ri.it.Key())+len(ri.it.Value())))
	}
}

// SeekToFirst positions at the first key.
func (ri *RawIterator) SeekToFirst() {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.it == nil {
		return
	}
	recordTick(ri.stats, TickerNumberSeek, 1)
	ri.it.First()
	ri.landed()
}

// SeekToLast positions at the last key.
func (ri *RawIterator) SeekToLast() {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.it == nil {
		return
	}
	recordTick(ri.stats, TickerNumberSeek, 1)
	ri.it.Last()
	ri.landed()
}

// Seek positions at the first key >= target.
func (ri *RawIterator) Seek(target []byte) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.it == nil {
		return
	}
	recordTick(ri.stats, TickerNumberSeek, 1)
	ri.it.Seek(target)
	ri.landed()
}

// SeekForPrev positions at the last key <= target.
func (ri *RawIterator) SeekForPrev(target []byte) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.it == nil {
		return
	}
	recordTick(ri.stats, TickerNumberSeek, 1)
	if ri.it.Seek(target) {
		if bytes.Compare(ri.it.Key(), target) > 0 {
			ri.it.Prev()
		}
	} else if ri.it.Error() == nil {
		ri.it.Last()
	}
	ri.landed()
}

// Next moves to the next key. It does nothing if the iterator is not valid.
func (ri *RawIterator) Next() {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.it == nil || !ri.it.Valid() {
		return
	}
	recordTick(ri.stats, TickerNumberSeekNext, 1)
	ri.it.Next()
	ri.landed()
}

// Prev moves to the previous key. It does nothing if the iterator is not
// valid.
func (ri *RawIterator) Prev() {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.it == nil || !ri.it.Valid() {
		return
	}
	recordTick(ri.stats, TickerNumberSeekPrev, 1)
	ri.it.Prev()
	ri.landed()
}

// Key returns a copy of the current key, or nil if not valid.
func (ri *RawIterator) Key() []byte {
	return bytes.Clone(ri.KeyView())
}

// Value returns a copy of the current value, or nil if not valid.
func (ri *RawIterator) Value() []byte {
	v := ri.ValueView()
	if v == nil {
		return nil
	}
	return append([]byte{}, v...)
}

// KeyView returns the current key without copying. The slice is valid
// until the next positioning call.
func (ri *RawIterator) KeyView() []byte {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.it == nil || !ri.it.Valid() {
		return nil
	}
	return ri.it.Key()
}

// ValueView returns the current value without copying. The slice is valid
// until the next positioning call.
func (ri *RawIterator) ValueView() []byte {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.it == nil || !ri.it.Valid() {
		return nil
	}
	return ri.it.Value()
}

// Err returns the error that stopped the iterator, if any.
func (ri *RawIterator) Err() error {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.err != nil {
		return ri.err
	}
	if ri.it == nil {
		return nil
	}
	if err := ri.it.Error(); err != nil {
		return engineError("iterate", err)
	}
	return nil
}

// Direction is the order a DirectionalIterator walks in.
type Direction int

const (
	// Forward walks in ascending key order.
	Forward Direction = iota
	// Reverse walks in descending key order.
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

type modeKind int

const (
	modeStart modeKind = iota
	modeEnd
	modeFrom
)

// IteratorMode is where a DirectionalIterator starts and which way it goes.
type IteratorMode struct {
	kind modeKind
	key  []byte
	dir  Direction
}

var (
	// IteratorModeStart walks forward from the first key.
	IteratorModeStart = IteratorMode{kind: modeStart, dir: Forward}
	// IteratorModeEnd walks backward from the last key.
	IteratorModeEnd = IteratorMode{kind: modeEnd, dir: Reverse}
)

// IteratorModeFrom starts at key and walks in dir. Forward starts at the
// first key >= key, Reverse at the last key <= key.
func IteratorModeFrom(key []byte, dir Direction) IteratorMode {
	return IteratorMode{kind: modeFrom, key: bytes.Clone(key), dir: dir}
}

// iterState is the DirectionalIterator state machine: positioned means the
// raw iterator sits on an element not yet yielded, stepped means the
// current element was yielded and Next must move first.
type iterState int

const (
	statePositioned iterState = iota
	stateStepped
)

// DirectionalIterator yields the elements of a RawIterator in one
// direction, starting from an IteratorMode.
//
//	it := db.NewIterator(harborkv.IteratorModeStart)
//	defer it.Close()
//	for it.Next() {
//		fmt.Printf("%s=%s\n", it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
type DirectionalIterator struct {
	raw   *RawIterator
	dir   Direction
	state iterState
}

func newDirectionalIterator(raw *RawIterator, mode IteratorMode) *DirectionalIterator {
	d := &DirectionalIterator{raw: raw}
	d.SetMode(mode)
	return d
}

// SetMode repositions the iterator.
func (d *DirectionalIterator) SetMode(mode IteratorMode) {
	switch mode.kind {
	case modeStart:
		d.raw.SeekToFirst()
	case modeEnd:
		d.raw.SeekToLast()
	case modeFrom:
		if mode.dir == Reverse {
			d.raw.SeekForPrev(mode.key)
		} else {
			d.raw.Seek(mode.key)
		}
	}
	d.dir = mode.dir
	d.state = statePositioned
}

// Next advances to the next element and reports whether there is one. The
// first call after SetMode yields the element the iterator landed on.
func (d *DirectionalIterator) Next() bool {
	if d.state == statePositioned {
		d.state = stateStepped
		return d.raw.Valid()
	}
	if d.dir == Reverse {
		d.raw.Prev()
	} else {
		d.raw.Next()
	}
	return d.raw.Valid()
}

// Key returns a copy of the current key.
func (d *DirectionalIterator) Key() []byte { return d.raw.Key() }

// Value returns a copy of the current value.
func (d *DirectionalIterator) Value() []byte { return d.raw.Value() }

// Err returns the error that stopped the iteration, if any.
func (d *DirectionalIterator) Err() error { return d.raw.Err() }

// Close releases the iterator.
func (d *DirectionalIterator) Close() { d.raw.Close() }

// Raw returns the underlying RawIterator.
func (d *DirectionalIterator) Raw() *RawIterator { return d.raw }

// All yields the remaining elements. Check Err after the loop.
func (d *DirectionalIterator) All() iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		for d.Next() {
			if !yield(d.Key(), d.Value()) {
				return
			}
		}
	}
}

// NewIterator returns a directional iterator over the default column family.
func (db *DB) NewIterator(mode IteratorMode) *DirectionalIterator {
	return newDirectionalIterator(db.NewRawIteratorCFWithOptions(nil, db.DefaultColumnFamily()), mode)
}

// NewIteratorCF returns a directional iterator over cf.
func (db *DB) NewIteratorCF(cf *ColumnFamilyHandle, mode IteratorMode) *DirectionalIterator {
	return newDirectionalIterator(db.NewRawIteratorCFWithOptions(nil, cf), mode)
}

// NewIteratorWithOptions returns a directional iterator over the default
// column family.
func (db *DB) NewIteratorWithOptions(ro *ReadOptions, mode IteratorMode) *DirectionalIterator {
	return newDirectionalIterator(db.NewRawIteratorCFWithOptions(ro, db.DefaultColumnFamily()), mode)
}

// NewIteratorCFWithOptions returns a directional iterator over cf.
func (db *DB) NewIteratorCFWithOptions(ro *ReadOptions, cf *ColumnFamilyHandle, mode IteratorMode) *DirectionalIterator {
	return newDirectionalIterator(db.NewRawIteratorCFWithOptions(ro, cf), mode)
}

// NewRawIterator returns an unpositioned iterator over the default column
// family.
func (db *DB) NewRawIterator() *RawIterator {
	return db.NewRawIteratorCFWithOptions(nil, db.DefaultColumnFamily())
}

// NewRawIteratorCF returns an unpositioned iterator over cf.
func (db *DB) NewRawIteratorCF(cf *ColumnFamilyHandle) *RawIterator {
	return db.NewRawIteratorCFWithOptions(nil, cf)
}

// NewRawIteratorWithOptions returns an unpositioned iterator over the
// default column family.
func (db *DB) NewRawIteratorWithOptions(ro *ReadOptions) *RawIterator {
	return db.NewRawIteratorCFWithOptions(ro, db.DefaultColumnFamily())
}

// NewRawIteratorCFWithOptions returns an unpositioned iterator over cf.
// Failures (closed database, invalid handle, released snapshot) are
// reported by the iterator's Err.
func (db *DB) NewRawIteratorCFWithOptions(ro *ReadOptions, cf *ColumnFamilyHandle) *RawIterator {
	if err := db.enter(); err != nil {
		return newFailedIterator(db, err)
	}
	defer db.exit()
	cfd, err := db.resolveCF(cf)
	if err != nil {
		return newFailedIterator(db, err)
	}

	if ro == nil || ro.Snapshot == nil {
		ri := newRawIterator(db, newDecodingIterator(db.eng.NewIterator(cfd.id, ro.iterRange())))
		ri.attach(db.iterators, ErrDBClosed)
		return ri
	}
	if ro.Snapshot.owner() != db {
		return newFailedIterator(db, ErrInvalidSnapshot)
	}
	var ri *RawIterator
	err = ro.Snapshot.withReader(func(r engine.Reader, iters *resourceSet) error {
		ri = db.iteratorAt(r, cfd, ro)
		if ri.attach(iters, ErrSnapshotReleased) {
			ri.attach(db.iterators, ErrDBClosed)
		}
		return nil
	})
	if err != nil {
		return newFailedIterator(db, err)
	}
	return ri
}

// iteratorAt builds an iterator over a snapshot reader. Transactional
// databases route it through a throwaway read transaction that lives as
// long as the iterator.
func (db *DB) iteratorAt(r engine.Reader, cfd *columnFamilyData, ro *ReadOptions) *RawIterator {
	if db.readTxn == nil {
		return newRawIterator(db, newDecodingIterator(r.NewIterator(cfd.id, ro.iterRange())))
	}
	t := db.readTxn()
	ri := newRawIterator(db, t.mergedIterator(r, cfd, ro))
	ri.onClose(t.discard)
	return ri
}
