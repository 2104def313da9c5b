// Package engine defines the narrow storage contract the database layer is
// built on, plus the options and errors shared by its backends.
//
// A backend stores keys per column family ("family"), applies write batches
// atomically, and offers point-in-time snapshots and ordered iterators. It
// does not know about merge operators, transactions or handle lifetimes;
// those live above it.
package engine

import (
	"errors"

	"github.com/aalhour/harborkv/internal/batch"
	"github.com/aalhour/harborkv/internal/logging"
)

// FamilyID identifies a column family inside one store.
type FamilyID uint32

// DefaultFamily is the ID of the family every store has.
const DefaultFamily FamilyID = 0

// DefaultFamilyName is the name of DefaultFamily.
const DefaultFamilyName = "default"

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("engine: not found")

	// ErrFamilyNotFound is returned when an operation names an unknown family.
	ErrFamilyNotFound = errors.New("engine: column family not found")

	// ErrFamilyExists is returned by CreateFamily for a taken name.
	ErrFamilyExists = errors.New("engine: column family already exists")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine: closed")

	// ErrCorruption classifies errors caused by damaged on-disk data.
	ErrCorruption = errors.New("engine: corruption")

	// ErrInvalidKey is returned when a backend cannot store a key.
	ErrInvalidKey = errors.New("engine: invalid key")

	// ErrUnsupportedRecord is returned by Apply for records the engine does
	// not execute itself (merges are resolved before reaching the engine).
	ErrUnsupportedRecord = errors.New("engine: unsupported batch record")
)

// Range bounds an iterator within one family. Start is inclusive, Limit is
// exclusive; nil means unbounded.
type Range struct {
	Start []byte
	Limit []byte
}

// Iterator walks the keys of one family in byte order.
// Key and Value are valid until the next positioning call.
type Iterator interface {
	First() bool
	Last() bool
	Seek(key []byte) bool
	Next() bool
	Prev() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Reader is the read half shared by engines and snapshots.
type Reader interface {
	// Get returns a copy of the value stored for key, or ErrNotFound.
	Get(cf FamilyID, key []byte) ([]byte, error)

	// NewIterator returns an unpositioned iterator over r (nil for the
	// whole family). Errors surface through Iterator.Error.
	NewIterator(cf FamilyID, r *Range) Iterator
}

// Snapshot is a consistent read-only view of an engine.
type Snapshot interface {
	Reader

	// Release frees the snapshot. It must be called exactly once.
	Release()
}

// WriteOptions controls durability of one Apply.
type WriteOptions struct {
	Sync       bool
	DisableWAL bool
}

// Family describes one column family.
type Family struct {
	ID   FamilyID
	Name string
}

// Engine is an open store.
type Engine interface {
	Reader

	// Apply writes the put and delete records of b atomically.
	Apply(b *batch.WriteBatch, wo WriteOptions) error

	NewSnapshot() (Snapshot, error)

	CreateFamily(name string) (FamilyID, error)
	// DropFamily removes the family and all of its data.
	DropFamily(id FamilyID) error
	// Families lists the families ordered by ID.
	Families() []Family

	// CompactRange compacts the given range of one family; nil compacts it all.
	CompactRange(cf FamilyID, r *Range) error

	// Property returns a backend-defined property value.
	Property(name string) (string, bool)

	Close() error
}

// Options configures a backend Open.
type Options struct {
	CreateIfMissing bool
	ErrorIfExists   bool
	ParanoidChecks  bool

	// WriteBufferSize and BlockCacheCapacity tune the leveldb backend.
	WriteBufferSize    int
	BlockCacheCapacity int

	// InitialMmapSize tunes the bolt backend. Readers that stay open while
	// the file outgrows the mapping stall writers, so it should comfortably
	// exceed the expected data size.
	InitialMmapSize int

	Logger logging.Logger
}

// NextFamilyID is the ID a fresh store hands out after DefaultFamily.
const NextFamilyID FamilyID = 1

// ValidFamilyID reports whether id may name a user family. The topmost ID is
// reserved for backend metadata.
func ValidFamilyID(id FamilyID) bool {
	return id != MetaFamily
}

// MetaFamily is reserved for backend metadata.
const MetaFamily FamilyID = 0xFFFFFFFF
