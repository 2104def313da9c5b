// Package leveldb is the goleveldb storage backend.
//
// All families share one leveldb keyspace: every key carries a 4-byte
// big-endian family ID prefix, so each family is a contiguous key range.
// Family names and the ID counter live under the reserved metadata prefix.
package leveldb

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aalhour/harborkv/internal/batch"
	"github.com/aalhour/harborkv/internal/encoding"
	"github.com/aalhour/harborkv/internal/engine"
	"github.com/aalhour/harborkv/internal/logging"
)

// Name is the backend name used in options and properties.
const Name = "leveldb"

var (
	metaFamilyPrefix = []byte("f/")
	metaNextID       = []byte("next-id")
)

// deleteChunk bounds the size of the batches used to drop a family.
const deleteChunk = 1024

// Engine is an open goleveldb store.
type Engine struct {
	db     *leveldb.DB
	logger logging.Logger

	mu       sync.RWMutex
	byID     map[engine.FamilyID]string
	byName   map[string]engine.FamilyID
	nextID   engine.FamilyID
	closed   bool
	familyMu sync.Mutex // serializes create/drop
}

var _ engine.Engine = (*Engine)(nil)

func levelOptions(opts engine.Options) *opt.Options {
	o := &opt.Options{
		ErrorIfMissing:     !opts.CreateIfMissing,
		ErrorIfExist:       opts.ErrorIfExists,
		WriteBuffer:        opts.WriteBufferSize,
		BlockCacheCapacity: opts.BlockCacheCapacity,
	}
	if opts.ParanoidChecks {
		o.Strict = opt.StrictAll
	}
	return o
}

// Open opens (or creates) the store at path.
func Open(path string, opts engine.Options) (*Engine, error) {
	db, err := leveldb.OpenFile(path, levelOptions(opts))
	if err != nil {
		return nil, classify(err)
	}
	e := &Engine{
		db:     db,
		logger: logging.OrDefault(opts.Logger),
		byID:   make(map[engine.FamilyID]string),
		byName: make(map[string]engine.FamilyID),
	}
	if err := e.loadFamilies(); err != nil {
		_ = db.Close()
		return nil, err
	}
	e.logger.Debugf("%sleveldb opened %s with %d families", logging.NSEngine, path, len(e.byID))
	return e, nil
}

func (e *Engine) loadFamilies() error {
	families, next, err := readFamilies(e.db)
	if err != nil {
		return err
	}
	if _, ok := families[engine.DefaultFamilyName]; !ok {
		next = max(next, engine.NextFamilyID)
		b := new(leveldb.Batch)
		b.Put(familyMetaKey(engine.DefaultFamilyName), encoding.AppendVarint32(nil, uint32(engine.DefaultFamily)))
		b.Put(metaKey(metaNextID), encoding.AppendVarint32(nil, uint32(next)))
		if err := e.db.Write(b, &opt.WriteOptions{Sync: true}); err != nil {
			return classify(err)
		}
		families[engine.DefaultFamilyName] = engine.DefaultFamily
	}
	for name, id := range families {
		e.byID[id] = name
		e.byName[name] = id
	}
	e.nextID = next
	return nil
}

// reader is the subset of leveldb.DB needed to read metadata.
type reader interface {
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
}

func readFamilies(db reader) (map[string]engine.FamilyID, engine.FamilyID, error) {
	families := make(map[string]engine.FamilyID)
	it := db.NewIterator(util.BytesPrefix(metaKey(metaFamilyPrefix)), nil)
	defer it.Release()
	for it.Next() {
		_, k, _ := encoding.SplitFamilyKey(it.Key())
		id, _, err := encoding.DecodeVarint32(it.Value())
		if err != nil {
			return nil, 0, fmt.Errorf("%w: family id for %q: %v", engine.ErrCorruption, k, err)
		}
		families[string(k[len(metaFamilyPrefix):])] = engine.FamilyID(id)
	}
	if err := it.Error(); err != nil {
		return nil, 0, classify(err)
	}

	next := engine.NextFamilyID
	raw, err := db.Get(metaKey(metaNextID), nil)
	switch {
	case err == nil:
		v, _, derr := encoding.DecodeVarint32(raw)
		if derr != nil {
			return nil, 0, fmt.Errorf("%w: next family id: %v", engine.ErrCorruption, derr)
		}
		next = engine.FamilyID(v)
	case !errors.Is(err, leveldb.ErrNotFound):
		return nil, 0, classify(err)
	}
	return families, next, nil
}

func metaKey(k []byte) []byte {
	return encoding.FamilyKey(uint32(engine.MetaFamily), k)
}

func familyMetaKey(name string) []byte {
	k := encoding.AppendFamilyKey(nil, uint32(engine.MetaFamily), metaFamilyPrefix)
	return append(k, name...)
}

func familyRange(cf engine.FamilyID, r *engine.Range) *util.Range {
	out := &util.Range{
		Start: encoding.FamilyKey(uint32(cf), nil),
		Limit: encoding.FamilyKey(uint32(cf)+1, nil),
	}
	if r != nil {
		if r.Start != nil {
			out.Start = encoding.FamilyKey(uint32(cf), r.Start)
		}
		if r.Limit != nil {
			out.Limit = encoding.FamilyKey(uint32(cf), r.Limit)
		}
	}
	return out
}

// classify maps goleveldb errors onto the engine taxonomy, keeping the
// original error in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return engine.ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return fmt.Errorf("%w: %w", engine.ErrClosed, err)
	case lerrors.IsCorrupted(err):
		return fmt.Errorf("%w: %w", engine.ErrCorruption, err)
	}
	return err
}

func (e *Engine) checkFamily(cf engine.FamilyID) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return engine.ErrClosed
	}
	if _, ok := e.byID[cf]; !ok {
		return fmt.Errorf("%w: id %d", engine.ErrFamilyNotFound, cf)
	}
	return nil
}

// Get implements engine.Reader.
func (e *Engine) Get(cf engine.FamilyID, key []byte) ([]byte, error) {
	if err := e.checkFamily(cf); err != nil {
		return nil, err
	}
	v, err := e.db.Get(encoding.FamilyKey(uint32(cf), key), nil)
	return v, classify(err)
}

// NewIterator implements engine.Reader.
func (e *Engine) NewIterator(cf engine.FamilyID, r *engine.Range) engine.Iterator {
	if err := e.checkFamily(cf); err != nil {
		return engine.NewErrorIterator(err)
	}
	return &familyIterator{it: e.db.NewIterator(familyRange(cf, r), nil), cf: uint32(cf)}
}

// Apply implements engine.Engine.
func (e *Engine) Apply(b *batch.WriteBatch, wo engine.WriteOptions) error {
	lb := new(leveldb.Batch)
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return engine.ErrClosed
	}
	err := b.Iterate(batch.HandlerFuncs{
		PutFn: func(cf uint32, key, value []byte) error {
			if _, ok := e.byID[engine.FamilyID(cf)]; !ok {
				return fmt.Errorf("%w: id %d", engine.ErrFamilyNotFound, cf)
			}
			lb.Put(encoding.FamilyKey(cf, key), value)
			return nil
		},
		DeleteFn: func(cf uint32, key []byte) error {
			if _, ok := e.byID[engine.FamilyID(cf)]; !ok {
				return fmt.Errorf("%w: id %d", engine.ErrFamilyNotFound, cf)
			}
			lb.Delete(encoding.FamilyKey(cf, key))
			return nil
		},
		MergeFn: func(uint32, []byte, []byte) error {
			return engine.ErrUnsupportedRecord
		},
	})
	e.mu.RUnlock()
	if err != nil {
		return err
	}
	// goleveldb always journals; DisableWAL has no effect here.
	return classify(e.db.Write(lb, &opt.WriteOptions{Sync: wo.Sync}))
}

// NewSnapshot implements engine.Engine.
func (e *Engine) NewSnapshot() (engine.Snapshot, error) {
	if err := e.checkFamily(engine.DefaultFamily); err != nil {
		return nil, err
	}
	snap, err := e.db.GetSnapshot()
	if err != nil {
		return nil, classify(err)
	}
	return &snapshot{e: e, snap: snap}, nil
}

// CreateFamily implements engine.Engine.
func (e *Engine) CreateFamily(name string) (engine.FamilyID, error) {
	e.familyMu.Lock()
	defer e.familyMu.Unlock()

	e.mu.RLock()
	_, exists := e.byName[name]
	id, closed := e.nextID, e.closed
	e.mu.RUnlock()
	switch {
	case closed:
		return 0, engine.ErrClosed
	case exists:
		return 0, fmt.Errorf("%w: %q", engine.ErrFamilyExists, name)
	case !engine.ValidFamilyID(id):
		return 0, fmt.Errorf("engine: family id space exhausted")
	}

	b := new(leveldb.Batch)
	b.Put(familyMetaKey(name), encoding.AppendVarint32(nil, uint32(id)))
	b.Put(metaKey(metaNextID), encoding.AppendVarint32(nil, uint32(id+1)))
	if err := e.db.Write(b, &opt.WriteOptions{Sync: true}); err != nil {
		return 0, classify(err)
	}

	e.mu.Lock()
	e.byID[id] = name
	e.byName[name] = id
	e.nextID = id + 1
	e.mu.Unlock()
	e.logger.Infof("%screated family %q (id %d)", logging.NSEngine, name, id)
	return id, nil
}

// DropFamily implements engine.Engine.
func (e *Engine) DropFamily(id engine.FamilyID) error {
	e.familyMu.Lock()
	defer e.familyMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return engine.ErrClosed
	}
	name, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: id %d", engine.ErrFamilyNotFound, id)
	}
	// Unregister first so no new writes land while the data is deleted.
	delete(e.byID, id)
	delete(e.byName, name)
	e.mu.Unlock()

	if err := e.db.Delete(familyMetaKey(name), &opt.WriteOptions{Sync: true}); err != nil {
		return classify(err)
	}

	rng := familyRange(id, nil)
	it := e.db.NewIterator(rng, &opt.ReadOptions{DontFillCache: true})
	b := new(leveldb.Batch)
	for it.Next() {
		b.Delete(it.Key())
		if b.Len() >= deleteChunk {
			if err := e.db.Write(b, nil); err != nil {
				it.Release()
				return classify(err)
			}
			b.Reset()
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return classify(err)
	}
	if err := e.db.Write(b, nil); err != nil {
		return classify(err)
	}
	e.logger.Infof("%sdropped family %q (id %d)", logging.NSEngine, name, id)
	return classify(e.db.CompactRange(*rng))
}

// Families implements engine.Engine.
func (e *Engine) Families() []engine.Family {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]engine.Family, 0, len(e.byID))
	for id, name := range e.byID {
		out = append(out, engine.Family{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CompactRange implements engine.Engine.
func (e *Engine) CompactRange(cf engine.FamilyID, r *engine.Range) error {
	if err := e.checkFamily(cf); err != nil {
		return err
	}
	return classify(e.db.CompactRange(*familyRange(cf, r)))
}

// Property implements engine.Engine. Names are goleveldb property names
// ("leveldb.stats", "leveldb.sstables", ...).
func (e *Engine) Property(name string) (string, bool) {
	if !strings.HasPrefix(name, "leveldb.") {
		return "", false
	}
	v, err := e.db.GetProperty(name)
	if err != nil {
		return "", false
	}
	return v, true
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return classify(e.db.Close())
}

type snapshot struct {
	e    *Engine
	snap *leveldb.Snapshot
}

func (s *snapshot) Get(cf engine.FamilyID, key []byte) ([]byte, error) {
	if err := s.e.checkFamily(cf); err != nil {
		return nil, err
	}
	v, err := s.snap.Get(encoding.FamilyKey(uint32(cf), key), nil)
	return v, classify(err)
}

func (s *snapshot) NewIterator(cf engine.FamilyID, r *engine.Range) engine.Iterator {
	if err := s.e.checkFamily(cf); err != nil {
		return engine.NewErrorIterator(err)
	}
	return &familyIterator{it: s.snap.NewIterator(familyRange(cf, r), nil), cf: uint32(cf)}
}

func (s *snapshot) Release() {
	s.snap.Release()
}

// familyIterator strips the family prefix from keys.
type familyIterator struct {
	it iterator.Iterator
	cf uint32
}

func (f *familyIterator) First() bool { return f.it.First() }
func (f *familyIterator) Last() bool  { return f.it.Last() }
func (f *familyIterator) Next() bool  { return f.it.Next() }
func (f *familyIterator) Prev() bool  { return f.it.Prev() }
func (f *familyIterator) Valid() bool { return f.it.Valid() }

// Seek positions at the first key >= key. Keys below the iterator range
// are clamped to its start by goleveldb.
func (f *familyIterator) Seek(key []byte) bool {
	return f.it.Seek(encoding.FamilyKey(f.cf, key))
}

func (f *familyIterator) Key() []byte {
	k := f.it.Key()
	if len(k) < encoding.FamilyPrefixLength {
		return nil
	}
	return k[encoding.FamilyPrefixLength:]
}

func (f *familyIterator) Value() []byte { return f.it.Value() }
func (f *familyIterator) Error() error  { return classify(f.it.Error()) }
func (f *familyIterator) Release()      { f.it.Release() }

// Destroy removes the store at path. It fails if another process or handle
// holds the store lock.
func Destroy(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	stor, err := storage.OpenFile(path, false)
	if err != nil {
		return fmt.Errorf("leveldb: lock %s: %w", path, err)
	}
	if err := stor.Close(); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// Repair rebuilds the manifest of the store at path from its table files.
func Repair(path string, opts engine.Options) error {
	o := levelOptions(opts)
	o.ErrorIfMissing = true
	o.ErrorIfExist = false
	db, err := leveldb.RecoverFile(path, o)
	if err != nil {
		return classify(err)
	}
	return classify(db.Close())
}

// ListFamilies returns the family names of the unopened store at path,
// ordered by ID.
func ListFamilies(path string, opts engine.Options) ([]string, error) {
	o := levelOptions(opts)
	o.ErrorIfMissing = true
	o.ErrorIfExist = false
	o.ReadOnly = true
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = db.Close() }()

	families, _, err := readFamilies(db)
	if err != nil {
		return nil, err
	}
	if _, ok := families[engine.DefaultFamilyName]; !ok {
		families[engine.DefaultFamilyName] = engine.DefaultFamily
	}
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return families[names[i]] < families[names[j]] })
	return names, nil
}
