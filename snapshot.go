package harborkv

// snapshot.go implements snapshot management.
//
// Snapshots provide consistent point-in-time views of the database.
// All reads from a snapshot see the database state at creation time.

import (
	"fmt"
	"sync"
	"time"

	"github.com/aalhour/harborkv/internal/engine"
	"github.com/aalhour/harborkv/internal/logging"
)

// SnapshotMarker pins reads to a point in time through
// ReadOptions.Snapshot. It is implemented by *Snapshot and by the snapshot
// a transaction pins, *TransactionSnapshot.
type SnapshotMarker interface {
	owner() *DB

	// withReader runs fn with the engine view of the marker. Iterators built
	// by fn must register with iters so they die with the marker.
	withReader(fn func(r engine.Reader, iters *resourceSet) error) error
}

// Snapshot is a consistent read view of a database. A Snapshot is
// released with Release, or when its database closes.
type Snapshot struct {
	db        *DB
	createdAt time.Time

	mu       sync.Mutex
	snap     engine.Snapshot
	iters    *resourceSet
	released error
}

func newSnapshot(db *DB, snap engine.Snapshot) *Snapshot {
	return &Snapshot{
		db:        db,
		createdAt: time.Now(),
		snap:      snap,
		iters:     newResourceSet(),
	}
}

func (s *Snapshot) owner() *DB { return s.db }

func (s *Snapshot) withReader(fn func(engine.Reader, *resourceSet) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released != nil {
		return s.released
	}
	return fn(s.snap, s.iters)
}

// CreatedAt returns when the snapshot was taken.
func (s *Snapshot) CreatedAt() time.Time {
	return s.createdAt
}

// Get returns the value of key in the default column family as of the
// snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	return s.GetCF(s.db.DefaultColumnFamily(), key)
}

// GetCF returns the value of key in cf as of the snapshot.
func (s *Snapshot) GetCF(cf *ColumnFamilyHandle, key []byte) ([]byte, error) {
	cfd, err := s.db.resolveCF(cf)
	if err != nil {
		return nil, err
	}
	var v []byte
	err = s.withReader(func(r engine.Reader, _ *resourceSet) error {
		var err error
		v, err = s.db.readAt(r, cfd, key)
		return err
	})
	return v, err
}

// NewIterator returns a directional iterator over the default column
// family as of the snapshot.
func (s *Snapshot) NewIterator(mode IteratorMode) *DirectionalIterator {
	return newDirectionalIterator(s.NewRawIterator(), mode)
}

// NewIteratorCF returns a directional iterator over cf as of the snapshot.
func (s *Snapshot) NewIteratorCF(cf *ColumnFamilyHandle, mode IteratorMode) *DirectionalIterator {
	return newDirectionalIterator(s.NewRawIteratorCF(cf), mode)
}

// NewRawIterator returns an unpositioned iterator over the default column
// family as of the snapshot.
func (s *Snapshot) NewRawIterator() *RawIterator {
	return s.NewRawIteratorCF(s.db.DefaultColumnFamily())
}

// NewRawIteratorCF returns an unpositioned iterator over cf as of the
// snapshot. It is invalidated when the snapshot is released.
func (s *Snapshot) NewRawIteratorCF(cf *ColumnFamilyHandle) *RawIterator {
	return s.db.NewRawIteratorCFWithOptions(&ReadOptions{Snapshot: s, FillCache: true}, cf)
}

// Release frees the snapshot and invalidates its iterators. It is safe to
// call more than once.
func (s *Snapshot) Release() {
	s.invalidate(ErrSnapshotReleased)
}

func (s *Snapshot) invalidate(cause error) {
	s.mu.Lock()
	if s.released != nil {
		s.mu.Unlock()
		return
	}
	if cause == ErrSnapshotReleased {
		s.released = ErrSnapshotReleased
	} else {
		s.released = fmt.Errorf("%w: %w", ErrSnapshotReleased, cause)
	}
	s.mu.Unlock()

	// Iterators read through the engine snapshot, so they go first.
	s.iters.sweep(ErrSnapshotReleased)
	s.snap.Release()
	s.db.snapshots.remove(s)
	s.db.logger.Debugf("%sreleased snapshot of %s", logging.NSSnapshot, s.db.path)
}

// TransactionSnapshot is the snapshot a transaction pinned with
// TransactionOptions.SetSnapshot. It can be passed as ReadOptions.Snapshot
// and lives until the transaction commits or rolls back.
type TransactionSnapshot struct {
	db *DB

	mu       sync.Mutex
	snap     engine.Snapshot
	iters    *resourceSet
	released bool
}

func newTransactionSnapshot(db *DB, snap engine.Snapshot, iters *resourceSet) *TransactionSnapshot {
	return &TransactionSnapshot{db: db, snap: snap, iters: iters}
}

func (s *TransactionSnapshot) owner() *DB { return s.db }

func (s *TransactionSnapshot) withReader(fn func(engine.Reader, *resourceSet) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSnapshotReleased
	}
	return fn(s.snap, s.iters)
}

// get reads the raw stored bytes of key at the snapshot.
func (s *TransactionSnapshot) get(cf engine.FamilyID, key []byte) ([]byte, error) {
	var env []byte
	err := s.withReader(func(r engine.Reader, _ *resourceSet) error {
		var err error
		env, err = r.Get(cf, key)
		return err
	})
	return env, err
}

// release frees the engine snapshot. The owning transaction sweeps its
// iterators first.
func (s *TransactionSnapshot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	s.snap.Release()
}
