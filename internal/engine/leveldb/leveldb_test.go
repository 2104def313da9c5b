package leveldb

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/aalhour/harborkv/internal/batch"
	"github.com/aalhour/harborkv/internal/engine"
	"github.com/aalhour/harborkv/internal/engine/enginetest"
)

func TestConformance(t *testing.T) {
	enginetest.Run(t, enginetest.Backend{
		Open: func(path string, opts engine.Options) (engine.Engine, error) {
			return Open(path, opts)
		},
		Destroy:      Destroy,
		ListFamilies: ListFamilies,
	})
}

func TestEmptyKey(t *testing.T) {
	e, err := Open(filepath.Join(t.TempDir(), "db"), engine.Options{CreateIfMissing: true})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e.Close() }()

	wb := batch.New()
	wb.Put(nil, []byte("empty"))
	if err := e.Apply(wb, engine.WriteOptions{Sync: true}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	v, err := e.Get(engine.DefaultFamily, nil)
	if err != nil || string(v) != "empty" {
		t.Errorf("Get(empty key) = %q, %v", v, err)
	}
}

func TestDropFamilyDeletesData(t *testing.T) {
	e, err := Open(filepath.Join(t.TempDir(), "db"), engine.Options{CreateIfMissing: true})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e.Close() }()

	id, _ := e.CreateFamily("bulk")
	wb := batch.New()
	for i := range 3000 {
		wb.PutCF(uint32(id), []byte{byte(i >> 8), byte(i)}, []byte("v"))
	}
	if err := e.Apply(wb, engine.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := e.DropFamily(id); err != nil {
		t.Fatalf("DropFamily: %v", err)
	}

	// Look underneath the family layer: no key with the old prefix survives.
	it := e.db.NewIterator(familyRange(id, nil), nil)
	defer it.Release()
	if it.First() {
		t.Errorf("key %x survived the drop", it.Key())
	}
}

func TestProperty(t *testing.T) {
	e, err := Open(filepath.Join(t.TempDir(), "db"), engine.Options{CreateIfMissing: true})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e.Close() }()

	v, ok := e.Property("leveldb.stats")
	if !ok || !strings.Contains(v, "Compactions") {
		t.Errorf("leveldb.stats = %q, %v", v, ok)
	}
	if _, ok := e.Property("bolt.stats"); ok {
		t.Error("foreign property answered")
	}
}

func TestRepair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	e, err := Open(path, engine.Options{CreateIfMissing: true})
	if err != nil {
		t.Fatal(err)
	}
	wb := batch.New()
	wb.Put([]byte("k"), []byte("v"))
	_ = e.Apply(wb, engine.WriteOptions{Sync: true})
	_ = e.Close()

	if err := Repair(path, engine.Options{}); err != nil {
		t.Fatalf("Repair: %v", err)
	}
	e, err = Open(path, engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e.Close() }()
	if v, err := e.Get(engine.DefaultFamily, []byte("k")); err != nil || string(v) != "v" {
		t.Errorf("k after repair = %q, %v", v, err)
	}
}

func TestClassify(t *testing.T) {
	if classify(nil) != nil {
		t.Error("classify(nil) != nil")
	}
	if err := classify(leveldb.ErrNotFound); err != engine.ErrNotFound {
		t.Errorf("classify(ErrNotFound) = %v", err)
	}
	err := classify(leveldb.ErrClosed)
	if !errors.Is(err, engine.ErrClosed) || !errors.Is(err, leveldb.ErrClosed) {
		t.Errorf("classify(ErrClosed) = %v, want both sentinels in the chain", err)
	}
	other := errors.New("disk on fire")
	if classify(other) != other {
		t.Error("unrelated errors should pass through")
	}
}
