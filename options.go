package harborkv

// options.go implements database, read, write and column family options.

import (
	"fmt"

	"github.com/aalhour/harborkv/internal/compression"
	"github.com/aalhour/harborkv/internal/engine"
	"github.com/aalhour/harborkv/internal/engine/bolt"
	"github.com/aalhour/harborkv/internal/engine/leveldb"
	"github.com/aalhour/harborkv/internal/logging"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// CompressionType is an alias for the compression type.
type CompressionType = compression.Type

// Compression type constants
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	ZlibCompression   = compression.ZlibCompression
	LZ4Compression    = compression.LZ4Compression
	LZ4HCCompression  = compression.LZ4HCCompression
	ZstdCompression   = compression.ZstdCompression
)

// EngineType selects the storage backend.
type EngineType string

const (
	// EngineLevelDB stores all column families in one goleveldb keyspace.
	EngineLevelDB EngineType = leveldb.Name

	// EngineBolt stores each column family in a bbolt bucket. It rejects
	// empty keys and ignores DisableWAL.
	EngineBolt EngineType = bolt.Name
)

// ParseEngineType maps a backend name to an EngineType.
func ParseEngineType(s string) (EngineType, error) {
	switch EngineType(s) {
	case "", EngineLevelDB:
		return EngineLevelDB, nil
	case EngineBolt:
		return EngineBolt, nil
	}
	return "", fmt.Errorf("db: unknown engine %q", s)
}

// Options configures Open.
type Options struct {
	// CreateIfMissing creates the database if it does not exist.
	CreateIfMissing bool

	// ErrorIfExists makes Open fail if the database already exists.
	ErrorIfExists bool

	// CreateMissingColumnFamilies creates families named in
	// OpenColumnFamilies that the store does not have yet.
	CreateMissingColumnFamilies bool

	// EnableStatistics allocates a Statistics object for the database.
	EnableStatistics bool

	// StatsDumpPeriodSec logs the statistics every this many seconds.
	// Zero disables the dump. Requires EnableStatistics.
	StatsDumpPeriodSec uint

	// Engine selects the storage backend. Empty means EngineLevelDB.
	Engine EngineType

	// ParanoidChecks makes the backend verify data aggressively.
	ParanoidChecks bool

	// WriteBufferSize is the leveldb memtable size in bytes. Zero uses the
	// backend default.
	WriteBufferSize int

	// BlockCacheCapacity is the leveldb block cache size in bytes. Zero
	// uses the backend default.
	BlockCacheCapacity int

	// BoltInitialMmapSize is the initial bbolt mapping size in bytes. Zero
	// uses 1 GiB.
	//
	// Snapshots and iterators on the bolt engine hold read transactions
	// open, and bbolt cannot grow the mapping while any read transaction is
	// open. A write that needs to grow the file waits until they are
	// released. If the goroutine doing the write is the one holding the
	// snapshot or iterator, the write blocks forever. Size the mapping above
	// the expected data size, or release snapshots and iterators before
	// writing from the same goroutine.
	BoltInitialMmapSize int

	// MergeOperator is used by column families that do not set their own.
	MergeOperator MergeOperator

	// Logger receives database events. Nil logs warnings to stderr.
	Logger Logger
}

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return &Options{
		Engine:             EngineLevelDB,
		StatsDumpPeriodSec: 600,
	}
}

func (o *Options) engineOptions(logger Logger) engine.Options {
	return engine.Options{
		CreateIfMissing:    o.CreateIfMissing,
		ErrorIfExists:      o.ErrorIfExists,
		ParanoidChecks:     o.ParanoidChecks,
		WriteBufferSize:    o.WriteBufferSize,
		BlockCacheCapacity: o.BlockCacheCapacity,
		InitialMmapSize:    o.BoltInitialMmapSize,
		Logger:             logger,
	}
}

// ReadOptions controls reads and iterators.
type ReadOptions struct {
	// Snapshot pins reads to a point in time. Nil reads the latest state
	// (or, inside a transaction, the transaction's snapshot if it has one).
	Snapshot SnapshotMarker

	// FillCache is a hint that the blocks read should be cached. The
	// backends currently always cache.
	FillCache bool

	// IterateLowerBound is the inclusive lower bound for iterators.
	IterateLowerBound []byte

	// IterateUpperBound is the exclusive upper bound for iterators.
	IterateUpperBound []byte
}

// DefaultReadOptions returns the default read options.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{FillCache: true}
}

func (ro *ReadOptions) iterRange() *engine.Range {
	if ro == nil || (ro.IterateLowerBound == nil && ro.IterateUpperBound == nil) {
		return nil
	}
	return &engine.Range{Start: ro.IterateLowerBound, Limit: ro.IterateUpperBound}
}

// WriteOptions controls durability of writes. The contract is the engine's:
// Sync waits for the write to reach stable storage.
type WriteOptions struct {
	// Sync flushes the write to disk before returning.
	Sync bool

	// DisableWAL skips the write-ahead log where the backend has one.
	DisableWAL bool
}

// DefaultWriteOptions returns the default write options.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{}
}

func (wo *WriteOptions) engineOptions() engine.WriteOptions {
	if wo == nil {
		return engine.WriteOptions{}
	}
	return engine.WriteOptions{Sync: wo.Sync, DisableWAL: wo.DisableWAL}
}

// ColumnFamilyOptions configures one column family.
type ColumnFamilyOptions struct {
	// Compression applied to values written to the family. Existing values
	// keep the compression they were written with.
	Compression CompressionType

	// CompressionMinSize is the smallest value that is compressed.
	CompressionMinSize int

	// MergeOperator overrides Options.MergeOperator for this family.
	MergeOperator MergeOperator
}

// DefaultColumnFamilyOptions returns default options for a column family.
func DefaultColumnFamilyOptions() ColumnFamilyOptions {
	return ColumnFamilyOptions{
		Compression:        SnappyCompression,
		CompressionMinSize: 64,
	}
}

// ColumnFamilyDescriptor names a family to open with OpenColumnFamilies.
type ColumnFamilyDescriptor struct {
	Name    string
	Options ColumnFamilyOptions
}
