// Package bolt is the bbolt storage backend.
//
// Each family is a bucket named after its ID; a metadata bucket maps family
// names to IDs. The store lives in a single file inside the database
// directory. Snapshots are long-lived read-only transactions.
//
// Limitations: bbolt rejects empty keys, has no range compaction and always
// writes through its own page file, so DisableWAL has no effect.
package bolt

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/aalhour/harborkv/internal/batch"
	"github.com/aalhour/harborkv/internal/encoding"
	"github.com/aalhour/harborkv/internal/engine"
	"github.com/aalhour/harborkv/internal/logging"
)

// Name is the backend name used in options and properties.
const Name = "bolt"

// FileName is the data file inside the database directory.
const FileName = "harbor.bolt"

// DefaultInitialMmapSize is used when Options.InitialMmapSize is zero.
const DefaultInitialMmapSize = 1 << 30

// The __meta bucket holds the family ID counter and a nested bucket that
// maps family names to IDs, so no family name can shadow the counter.
var (
	metaBucket   = []byte("__meta")
	metaFamilies = []byte("families")
	metaNextID   = []byte("next-id")
)

const openTimeout = time.Second

// Engine is an open bbolt store.
type Engine struct {
	db     *bbolt.DB
	logger logging.Logger

	// writeMu serializes writers so NoSync can be set per Apply.
	writeMu sync.Mutex

	mu     sync.RWMutex
	byID   map[engine.FamilyID]string
	closed bool
}

var _ engine.Engine = (*Engine)(nil)

func bucketName(id engine.FamilyID) []byte {
	return []byte("cf-" + strconv.FormatUint(uint64(id), 10))
}

func dataFile(path string) string {
	return filepath.Join(path, FileName)
}

// Open opens (or creates) the store at path.
func Open(path string, opts engine.Options) (*Engine, error) {
	file := dataFile(path)
	_, statErr := os.Stat(file)
	switch {
	case statErr == nil && opts.ErrorIfExists:
		return nil, fmt.Errorf("bolt: %s: %w", path, os.ErrExist)
	case os.IsNotExist(statErr) && !opts.CreateIfMissing:
		return nil, fmt.Errorf("bolt: %s: %w", path, os.ErrNotExist)
	case os.IsNotExist(statErr):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
	case statErr != nil:
		return nil, statErr
	}

	mmap := opts.InitialMmapSize
	if mmap <= 0 {
		mmap = DefaultInitialMmapSize
	}
	db, err := bbolt.Open(file, 0o644, &bbolt.Options{
		Timeout:         openTimeout,
		InitialMmapSize: mmap,
		NoFreelistSync:  !opts.ParanoidChecks,
		FreelistType:    bbolt.FreelistMapType,
	})
	if err != nil {
		return nil, classify(err)
	}

	e := &Engine{
		db:     db,
		logger: logging.OrDefault(opts.Logger),
		byID:   make(map[engine.FamilyID]string),
	}
	if err := e.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	e.logger.Debugf("%sbolt opened %s with %d families", logging.NSEngine, path, len(e.byID))
	return e, nil
}

func (e *Engine) init() error {
	err := e.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		names, err := meta.CreateBucketIfNotExists(metaFamilies)
		if err != nil {
			return err
		}
		if names.Get([]byte(engine.DefaultFamilyName)) == nil {
			if err := names.Put([]byte(engine.DefaultFamilyName), encoding.AppendVarint32(nil, uint32(engine.DefaultFamily))); err != nil {
				return err
			}
			if meta.Get(metaNextID) == nil {
				if err := meta.Put(metaNextID, encoding.AppendVarint32(nil, uint32(engine.NextFamilyID))); err != nil {
					return err
				}
			}
			if _, err := tx.CreateBucketIfNotExists(bucketName(engine.DefaultFamily)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}

	families, err := readFamilies(e.db)
	if err != nil {
		return err
	}
	for name, id := range families {
		e.byID[id] = name
	}
	return nil
}

func readFamilies(db *bbolt.DB) (map[string]engine.FamilyID, error) {
	families := make(map[string]engine.FamilyID)
	err := db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return nil
		}
		names := meta.Bucket(metaFamilies)
		if names == nil {
			return fmt.Errorf("%w: missing family table", engine.ErrCorruption)
		}
		return names.ForEach(func(k, v []byte) error {
			id, _, err := encoding.DecodeVarint32(v)
			if err != nil {
				return fmt.Errorf("%w: family id for %q: %v", engine.ErrCorruption, k, err)
			}
			families[string(k)] = engine.FamilyID(id)
			return nil
		})
	})
	return families, err
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bbolt.ErrDatabaseNotOpen):
		return fmt.Errorf("%w: %w", engine.ErrClosed, err)
	case errors.Is(err, bbolt.ErrKeyRequired), errors.Is(err, bbolt.ErrKeyTooLarge), errors.Is(err, bbolt.ErrValueTooLarge):
		return fmt.Errorf("%w: %w", engine.ErrInvalidKey, err)
	case errors.Is(err, bbolt.ErrInvalid), errors.Is(err, bbolt.ErrChecksum), errors.Is(err, bbolt.ErrVersionMismatch):
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

func getFrom(tx *bbolt.Tx, cf engine.FamilyID, key []byte) ([]byte, error) {
	b := tx.Bucket(bucketName(cf))
	if b == nil {
		return nil, fmt.Errorf("%w: id %d", engine.ErrFamilyNotFound, cf)
	}
	if len(key) == 0 {
		return nil, engine.ErrNotFound
	}
	v := b.Get(key)
	if v == nil {
		return nil, engine.ErrNotFound
	}
	return bytes.Clone(v), nil
}

// Get implements engine.Reader.
func (e *Engine) Get(cf engine.FamilyID, key []byte) ([]byte, error) {
	if err := e.checkFamily(cf); err != nil {
		return nil, err
	}
	var out []byte
	err := e.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = getFrom(tx, cf, key)
		return err
	})
	return out, classify(err)
}

// NewIterator implements engine.Reader. The iterator owns a read
// transaction until Release.
func (e *Engine) NewIterator(cf engine.FamilyID, r *engine.Range) engine.Iterator {
	if err := e.checkFamily(cf); err != nil {
		return engine.NewErrorIterator(err)
	}
	tx, err := e.db.Begin(false)
	if err != nil {
		return engine.NewErrorIterator(classify(err))
	}
	return newCursorIterator(tx, cf, r, func() { _ = tx.Rollback() })
}

// Apply implements engine.Engine.
func (e *Engine) Apply(b *batch.WriteBatch, wo engine.WriteOptions) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return engine.ErrClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.db.NoSync = !wo.Sync

	err := e.db.Update(func(tx *bbolt.Tx) error {
		bucket := func(cf uint32) (*bbolt.Bucket, error) {
			if _, ok := e.byID[engine.FamilyID(cf)]; !ok {
				return nil, fmt.Errorf("%w: id %d", engine.ErrFamilyNotFound, cf)
			}
			bk := tx.Bucket(bucketName(engine.FamilyID(cf)))
			if bk == nil {
				return nil, fmt.Errorf("%w: id %d", engine.ErrFamilyNotFound, cf)
			}
			return bk, nil
		}
		return b.Iterate(batch.HandlerFuncs{
			PutFn: func(cf uint32, key, value []byte) error {
				bk, err := bucket(cf)
				if err != nil {
					return err
				}
				return bk.Put(bytes.Clone(key), bytes.Clone(value))
			},
			DeleteFn: func(cf uint32, key []byte) error {
				bk, err := bucket(cf)
				if err != nil {
					return err
				}
				if len(key) == 0 {
					return nil
				}
				return bk.Delete(key)
			},
			MergeFn: func(uint32, []byte, []byte) error {
				return engine.ErrUnsupportedRecord
			},
		})
	})
	return classify(err)
}

// NewSnapshot implements engine.Engine.
func (e *Engine) NewSnapshot() (engine.Snapshot, error) {
	if err := e.checkFamily(engine.DefaultFamily); err != nil {
		return nil, err
	}
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, classify(err)
	}
	return &snapshot{e: e, tx: tx}, nil
}

// CreateFamily implements engine.Engine.
func (e *Engine) CreateFamily(name string) (engine.FamilyID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, engine.ErrClosed
	}
	for _, existing := range e.byID {
		if existing == name {
			return 0, fmt.Errorf("%w: %q", engine.ErrFamilyExists, name)
		}
	}

	var id engine.FamilyID
	err := e.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		next, _, err := encoding.DecodeVarint32(meta.Get(metaNextID))
		if err != nil {
			return fmt.Errorf("%w: next family id: %v", engine.ErrCorruption, err)
		}
		id = engine.FamilyID(next)
		if !engine.ValidFamilyID(id) {
			return errors.New("bolt: family id space exhausted")
		}
		if _, err := tx.CreateBucket(bucketName(id)); err != nil {
			return err
		}
		if err := meta.Bucket(metaFamilies).Put([]byte(name), encoding.AppendVarint32(nil, uint32(id))); err != nil {
			return err
		}
		return meta.Put(metaNextID, encoding.AppendVarint32(nil, uint32(id+1)))
	})
	if err != nil {
		return 0, classify(err)
	}
	e.byID[id] = name
	e.logger.Infof("%screated family %q (id %d)", logging.NSEngine, name, id)
	return id, nil
}

// DropFamily implements engine.Engine.
func (e *Engine) DropFamily(id engine.FamilyID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.ErrClosed
	}
	name, ok := e.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %d", engine.ErrFamilyNotFound, id)
	}
	err := e.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketName(id)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		return tx.Bucket(metaBucket).Bucket(metaFamilies).Delete([]byte(name))
	})
	if err != nil {
		return classify(err)
	}
	delete(e.byID, id)
	e.logger.Infof("%sdropped family %q (id %d)", logging.NSEngine, name, id)
	return nil
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

// CompactRange implements engine.Engine. bbolt reuses freed pages in place,
// so there is nothing to compact; the family is still validated.
func (e *Engine) CompactRange(cf engine.FamilyID, r *engine.Range) error {
	return e.checkFamily(cf)
}

// Property implements engine.Engine.
func (e *Engine) Property(name string) (string, bool) {
	if err := e.checkFamily(engine.DefaultFamily); err != nil {
		return "", false
	}
	st := e.db.Stats()
	switch name {
	case "bolt.stats":
		return fmt.Sprintf("free_pages=%d pending_pages=%d free_alloc=%d open_txn=%d txn_total=%d",
			st.FreePageN, st.PendingPageN, st.FreeAlloc, st.OpenTxN, st.TxN), true
	case "bolt.open-read-txns":
		return strconv.Itoa(st.OpenTxN), true
	case "bolt.path":
		return e.db.Path(), true
	}
	return "", false
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
	e  *Engine
	tx *bbolt.Tx
}

func (s *snapshot) Get(cf engine.FamilyID, key []byte) ([]byte, error) {
	v, err := getFrom(s.tx, cf, key)
	return v, classify(err)
}

func (s *snapshot) NewIterator(cf engine.FamilyID, r *engine.Range) engine.Iterator {
	if s.tx.Bucket(bucketName(cf)) == nil {
		return engine.NewErrorIterator(fmt.Errorf("%w: id %d", engine.ErrFamilyNotFound, cf))
	}
	return newCursorIterator(s.tx, cf, r, nil)
}

func (s *snapshot) Release() {
	_ = s.tx.Rollback()
}

// Destroy removes the store at path. It fails if the store is open.
func Destroy(path string) error {
	file := dataFile(path)
	if _, err := os.Stat(file); err != nil {
		if os.IsNotExist(err) {
			return os.RemoveAll(path)
		}
		return err
	}
	db, err := bbolt.Open(file, 0o644, &bbolt.Options{Timeout: 100 * time.Millisecond})
	if err != nil {
		return fmt.Errorf("bolt: lock %s: %w", path, err)
	}
	if err := db.Close(); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// Repair checks the page structure of the store at path. bbolt cannot
// rebuild a damaged file, so inconsistencies are reported as corruption.
func Repair(path string, opts engine.Options) error {
	db, err := bbolt.Open(dataFile(path), 0o644, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = db.Close() }()

	return db.View(func(tx *bbolt.Tx) error {
		var errs []error
		for err := range tx.Check() {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("%w: %w", engine.ErrCorruption, errors.Join(errs...))
		}
		return nil
	})
}

// ListFamilies returns the family names of the unopened store at path,
// ordered by ID.
func ListFamilies(path string, opts engine.Options) ([]string, error) {
	file := dataFile(path)
	if _, err := os.Stat(file); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(file, 0o644, &bbolt.Options{Timeout: openTimeout, ReadOnly: true})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = db.Close() }()

	families, err := readFamilies(db)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return families[names[i]] < families[names[j]] })
	return names, nil
}
