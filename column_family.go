package harborkv

// column_family.go implements the column family registry.
//
// Column families partition one database's keyspace. The registry maps
// names to family data; handles point at that data and turn invalid when
// the family is dropped or the database is closed.

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/aalhour/harborkv/internal/compression"
	"github.com/aalhour/harborkv/internal/engine"
	"github.com/aalhour/harborkv/internal/logging"
)

// DefaultColumnFamilyName is the name of the default column family.
const DefaultColumnFamilyName = engine.DefaultFamilyName

// DefaultColumnFamilyID is the ID of the default column family.
const DefaultColumnFamilyID = uint32(engine.DefaultFamily)

// columnFamilyData holds the registry entry for one family.
type columnFamilyData struct {
	db    *DB
	id    engine.FamilyID
	name  string
	opts  ColumnFamilyOptions
	codec compression.Codec

	// invalid is set when the family is dropped or the database closes.
	invalid atomic.Bool
}

func newColumnFamilyData(db *DB, id engine.FamilyID, name string, opts ColumnFamilyOptions) *columnFamilyData {
	return &columnFamilyData{
		db:    db,
		id:    id,
		name:  name,
		opts:  opts,
		codec: compression.Codec{Type: opts.Compression, MinSize: opts.CompressionMinSize},
	}
}

// mergeOperator returns the family's merge operator, falling back to the
// database default.
func (cfd *columnFamilyData) mergeOperator() MergeOperator {
	if cfd.opts.MergeOperator != nil {
		return cfd.opts.MergeOperator
	}
	return cfd.db.opts.MergeOperator
}

// ColumnFamilyHandle refers to a column family of one database. Handles
// are cheap to copy; all copies turn invalid together.
type ColumnFamilyHandle struct {
	cfd *columnFamilyData
}

// ID returns the column family ID.
func (h *ColumnFamilyHandle) ID() uint32 {
	if h == nil || h.cfd == nil {
		return 0
	}
	return uint32(h.cfd.id)
}

// Name returns the column family name.
func (h *ColumnFamilyHandle) Name() string {
	if h == nil || h.cfd == nil {
		return ""
	}
	return h.cfd.name
}

// IsValid reports whether the handle can still be used: the family has not
// been dropped and its database is open.
func (h *ColumnFamilyHandle) IsValid() bool {
	return h != nil && h.cfd != nil && !h.cfd.invalid.Load()
}

func (h *ColumnFamilyHandle) String() string {
	return fmt.Sprintf("cf(%s#%d)", h.Name(), h.ID())
}

// columnFamilySet is the registry. Lookups share the lock; create and drop
// hold it exclusively.
type columnFamilySet struct {
	mu     sync.RWMutex
	byName map[string]*columnFamilyData
	byID   map[engine.FamilyID]*columnFamilyData
}

func newColumnFamilySet() *columnFamilySet {
	return &columnFamilySet{
		byName: make(map[string]*columnFamilyData),
		byID:   make(map[engine.FamilyID]*columnFamilyData),
	}
}

func (s *columnFamilySet) add(cfd *columnFamilyData) {
	s.byName[cfd.name] = cfd
	s.byID[cfd.id] = cfd
}

func (s *columnFamilySet) get(name string) *columnFamilyData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byName[name]
}

func (s *columnFamilySet) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*columnFamilyData, 0, len(s.byID))
	for _, cfd := range s.byID {
		all = append(all, cfd)
	}
	slices.SortFunc(all, func(a, b *columnFamilyData) int { return cmp.Compare(a.id, b.id) })
	names := make([]string, len(all))
	for i, cfd := range all {
		names[i] = cfd.name
	}
	return names
}

// invalidateAll marks every handle invalid. Used by DB.Close.
func (s *columnFamilySet) invalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfd := range s.byID {
		cfd.invalid.Store(true)
	}
}

// validateName checks a column family name.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty column family name", ErrInvalidName)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidName, name)
	case strings.IndexByte(name, 0) >= 0:
		return fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidName, name)
	}
	return nil
}

// resolveCF returns the family data behind h, checking that it belongs to
// db and is still valid.
func (db *DB) resolveCF(h *ColumnFamilyHandle) (*columnFamilyData, error) {
	if h == nil || h.cfd == nil {
		return nil, fmt.Errorf("%w: nil handle", ErrInvalidColumnFamilyHandle)
	}
	if h.cfd.db != db {
		return nil, fmt.Errorf("%w: %s belongs to another database", ErrInvalidColumnFamilyHandle, h)
	}
	if h.cfd.invalid.Load() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidColumnFamilyHandle, h)
	}
	return h.cfd, nil
}

func (db *DB) defaultCF() *columnFamilyData {
	return db.cfs.get(DefaultColumnFamilyName)
}

// CreateColumnFamily creates a new column family.
func (db *DB) CreateColumnFamily(name string, opts ColumnFamilyOptions) (*ColumnFamilyHandle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if !opts.Compression.IsSupported() {
		return nil, fmt.Errorf("db: column family %q: %w", name, compression.ErrUnsupported)
	}
	if err := db.enter(); err != nil {
		return nil, err
	}
	defer db.exit()

	db.cfs.mu.Lock()
	defer db.cfs.mu.Unlock()
	if _, ok := db.cfs.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnFamilyExists, name)
	}
	id, err := db.eng.CreateFamily(name)
	if err != nil {
		return nil, engineError("create column family", err)
	}
	cfd := newColumnFamilyData(db, id, name, opts)
	db.cfs.add(cfd)
	db.logger.Infof("%screated column family %q (id %d)", logging.NSCF, name, id)
	return &ColumnFamilyHandle{cfd: cfd}, nil
}

// DropColumnFamily drops the named column family and deletes its data.
// Outstanding handles to it turn invalid.
func (db *DB) DropColumnFamily(name string) error {
	if name == DefaultColumnFamilyName {
		return ErrCannotDropDefaultColumnFamily
	}
	if err := db.enter(); err != nil {
		return err
	}
	defer db.exit()

	db.cfs.mu.Lock()
	defer db.cfs.mu.Unlock()
	cfd, ok := db.cfs.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidColumnFamily, name)
	}
	cfd.invalid.Store(true)
	if err := db.eng.DropFamily(cfd.id); err != nil {
		cfd.invalid.Store(false)
		return engineError("drop column family", err)
	}
	delete(db.cfs.byName, name)
	delete(db.cfs.byID, cfd.id)
	db.logger.Infof("%sdropped column family %q (id %d)", logging.NSCF, name, cfd.id)
	return nil
}

// ColumnFamily returns a handle for the named family, or nil if the
// database has no such family.
func (db *DB) ColumnFamily(name string) *ColumnFamilyHandle {
	cfd := db.cfs.get(name)
	if cfd == nil || cfd.invalid.Load() {
		return nil
	}
	return &ColumnFamilyHandle{cfd: cfd}
}

// DefaultColumnFamily returns a handle for the default column family.
func (db *DB) DefaultColumnFamily() *ColumnFamilyHandle {
	return &ColumnFamilyHandle{cfd: db.defaultCF()}
}

// ColumnFamilyNames returns the names of all families, ordered by ID.
func (db *DB) ColumnFamilyNames() []string {
	return db.cfs.names()
}

// ListColumnFamilies returns the column family names stored at path. The
// database must not be open.
func ListColumnFamilies(path string, opts *Options) ([]string, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	b, err := backendFor(opts.Engine)
	if err != nil {
		return nil, err
	}
	names, err := b.listFamilies(path, opts.engineOptions(logging.OrDefault(opts.Logger)))
	if err != nil {
		return nil, engineError("list column families", err)
	}
	return names, nil
}
