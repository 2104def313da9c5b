// Package enginetest holds the behavior every storage backend must share.
// Backend packages call Run from their tests.
package enginetest

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/aalhour/harborkv/internal/batch"
	"github.com/aalhour/harborkv/internal/engine"
)

// Backend opens stores for the conformance suite.
type Backend struct {
	Open         func(path string, opts engine.Options) (engine.Engine, error)
	Destroy      func(path string) error
	ListFamilies func(path string, opts engine.Options) ([]string, error)
}

func create() engine.Options {
	return engine.Options{CreateIfMissing: true}
}

// Run executes the suite.
func Run(t *testing.T, b Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b Backend)
	}{
		{"PutGetDelete", testPutGetDelete},
		{"FamiliesAreIsolated", testFamiliesAreIsolated},
		{"UnknownFamily", testUnknownFamily},
		{"FamilyLifecycle", testFamilyLifecycle},
		{"SnapshotIsolation", testSnapshotIsolation},
		{"IteratorOrderAndBounds", testIteratorOrderAndBounds},
		{"MergeRecordsRejected", testMergeRecordsRejected},
		{"ReopenKeepsFamilies", testReopenKeepsFamilies},
		{"MetadataLikeFamilyNames", testMetadataLikeFamilyNames},
		{"OpenOptions", testOpenOptions},
		{"Closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, b) })
	}
}

func open(t *testing.T, b Backend) (engine.Engine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db")
	e, err := b.Open(path, create())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, path
}

func mustGet(t *testing.T, r engine.Reader, cf engine.FamilyID, key string) string {
	t.Helper()
	v, err := r.Get(cf, []byte(key))
	if err != nil {
		t.Fatalf("Get(%d, %q): %v", cf, key, err)
	}
	return string(v)
}

func expectMissing(t *testing.T, r engine.Reader, cf engine.FamilyID, key string) {
	t.Helper()
	if _, err := r.Get(cf, []byte(key)); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("Get(%d, %q) error = %v, want ErrNotFound", cf, key, err)
	}
}

func apply(t *testing.T, e engine.Engine, fill func(wb *batch.WriteBatch)) {
	t.Helper()
	wb := batch.New()
	fill(wb)
	if err := e.Apply(wb, engine.WriteOptions{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func scan(t *testing.T, it engine.Iterator) []string {
	t.Helper()
	defer it.Release()
	var out []string
	for ok := it.First(); ok; ok = it.Next() {
		out = append(out, fmt.Sprintf("%s=%s", it.Key(), it.Value()))
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterator: %v", err)
	}
	return out
}

func testPutGetDelete(t *testing.T, b Backend) {
	e, _ := open(t, b)

	apply(t, e, func(wb *batch.WriteBatch) {
		wb.Put([]byte("a"), []byte("1"))
		wb.Put([]byte("b"), []byte("2"))
	})
	if got := mustGet(t, e, engine.DefaultFamily, "a"); got != "1" {
		t.Errorf("a = %q, want 1", got)
	}

	apply(t, e, func(wb *batch.WriteBatch) {
		wb.Delete([]byte("a"))
		wb.Put([]byte("b"), []byte("3"))
		wb.Delete([]byte("never-written"))
	})
	expectMissing(t, e, engine.DefaultFamily, "a")
	if got := mustGet(t, e, engine.DefaultFamily, "b"); got != "3" {
		t.Errorf("b = %q, want 3", got)
	}

	// Returned values are owned by the caller.
	v, _ := e.Get(engine.DefaultFamily, []byte("b"))
	v[0] = 'X'
	if got := mustGet(t, e, engine.DefaultFamily, "b"); got != "3" {
		t.Errorf("stored value changed through returned slice: %q", got)
	}
}

func testFamiliesAreIsolated(t *testing.T, b Backend) {
	e, _ := open(t, b)
	id, err := e.CreateFamily("users")
	if err != nil {
		t.Fatalf("CreateFamily: %v", err)
	}
	if id == engine.DefaultFamily {
		t.Fatalf("new family reused the default id")
	}

	apply(t, e, func(wb *batch.WriteBatch) {
		wb.Put([]byte("k"), []byte("default"))
		wb.PutCF(uint32(id), []byte("k"), []byte("users"))
	})
	if got := mustGet(t, e, engine.DefaultFamily, "k"); got != "default" {
		t.Errorf("default k = %q", got)
	}
	if got := mustGet(t, e, id, "k"); got != "users" {
		t.Errorf("users k = %q", got)
	}

	if got := scan(t, e.NewIterator(id, nil)); len(got) != 1 || got[0] != "k=users" {
		t.Errorf("users scan = %v", got)
	}
}

func testUnknownFamily(t *testing.T, b Backend) {
	e, _ := open(t, b)
	if _, err := e.Get(42, []byte("k")); !errors.Is(err, engine.ErrFamilyNotFound) {
		t.Errorf("Get error = %v, want ErrFamilyNotFound", err)
	}
	wb := batch.New()
	wb.Put([]byte("ok"), []byte("1"))
	wb.PutCF(42, []byte("k"), []byte("v"))
	if err := e.Apply(wb, engine.WriteOptions{}); !errors.Is(err, engine.ErrFamilyNotFound) {
		t.Errorf("Apply error = %v, want ErrFamilyNotFound", err)
	}
	// The batch is atomic: the valid record was not applied either.
	expectMissing(t, e, engine.DefaultFamily, "ok")

	it := e.NewIterator(42, nil)
	if it.First() || !errors.Is(it.Error(), engine.ErrFamilyNotFound) {
		t.Errorf("iterator on unknown family: valid=%v err=%v", it.Valid(), it.Error())
	}
	it.Release()
}

func testFamilyLifecycle(t *testing.T, b Backend) {
	e, _ := open(t, b)

	id, err := e.CreateFamily("tmp")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateFamily("tmp"); !errors.Is(err, engine.ErrFamilyExists) {
		t.Errorf("duplicate create error = %v", err)
	}
	apply(t, e, func(wb *batch.WriteBatch) { wb.PutCF(uint32(id), []byte("x"), []byte("y")) })

	if err := e.DropFamily(id); err != nil {
		t.Fatalf("DropFamily: %v", err)
	}
	if err := e.DropFamily(id); !errors.Is(err, engine.ErrFamilyNotFound) {
		t.Errorf("second drop error = %v", err)
	}
	for _, f := range e.Families() {
		if f.Name == "tmp" {
			t.Errorf("dropped family still listed")
		}
	}

	// A recreated family gets a fresh id and no old data.
	id2, err := e.CreateFamily("tmp")
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id {
		t.Errorf("family id %d reused", id)
	}
	expectMissing(t, e, id2, "x")

	fams := e.Families()
	if len(fams) != 2 || fams[0].Name != engine.DefaultFamilyName || fams[0].ID != engine.DefaultFamily {
		t.Errorf("Families() = %+v", fams)
	}
	if err := e.CompactRange(id2, nil); err != nil {
		t.Errorf("CompactRange: %v", err)
	}
}

func testSnapshotIsolation(t *testing.T, b Backend) {
	e, _ := open(t, b)
	apply(t, e, func(wb *batch.WriteBatch) { wb.Put([]byte("k"), []byte("old")) })

	snap, err := e.NewSnapshot()
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}

	apply(t, e, func(wb *batch.WriteBatch) {
		wb.Put([]byte("k"), []byte("new"))
		wb.Put([]byte("k2"), []byte("v2"))
	})

	if got := mustGet(t, snap, engine.DefaultFamily, "k"); got != "old" {
		t.Errorf("snapshot k = %q, want old", got)
	}
	expectMissing(t, snap, engine.DefaultFamily, "k2")
	if got := scan(t, snap.NewIterator(engine.DefaultFamily, nil)); len(got) != 1 {
		t.Errorf("snapshot scan = %v", got)
	}
	snap.Release()

	if got := mustGet(t, e, engine.DefaultFamily, "k"); got != "new" {
		t.Errorf("latest k = %q, want new", got)
	}
}

func testIteratorOrderAndBounds(t *testing.T, b Backend) {
	e, _ := open(t, b)
	other, _ := e.CreateFamily("other")
	apply(t, e, func(wb *batch.WriteBatch) {
		for _, k := range []string{"d", "a", "c", "e", "b"} {
			wb.Put([]byte(k), []byte(k))
		}
		wb.PutCF(uint32(other), []byte("zz"), []byte("x"))
	})

	got := scan(t, e.NewIterator(engine.DefaultFamily, nil))
	want := []string{"a=a", "b=b", "c=c", "d=d", "e=e"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("scan = %v, want %v", got, want)
	}

	it := e.NewIterator(engine.DefaultFamily, &engine.Range{Start: []byte("b"), Limit: []byte("d")})
	defer it.Release()
	if !it.Last() || string(it.Key()) != "c" {
		t.Errorf("Last in [b,d) = %q", it.Key())
	}
	if !it.Prev() || string(it.Key()) != "b" {
		t.Errorf("Prev = %q", it.Key())
	}
	if it.Prev() {
		t.Errorf("Prev past start = %q", it.Key())
	}
	if !it.Seek([]byte("a")) || string(it.Key()) != "b" {
		t.Errorf("Seek below range = %q", it.Key())
	}
	if !it.Seek([]byte("bb")) || string(it.Key()) != "c" {
		t.Errorf("Seek(bb) = %q", it.Key())
	}
	if it.Next() {
		t.Errorf("Next past limit = %q", it.Key())
	}
	if it.Valid() {
		t.Errorf("iterator valid after running off the range")
	}
}

func testMergeRecordsRejected(t *testing.T, b Backend) {
	e, _ := open(t, b)
	wb := batch.New()
	wb.Merge([]byte("k"), []byte("+1"))
	if err := e.Apply(wb, engine.WriteOptions{}); !errors.Is(err, engine.ErrUnsupportedRecord) {
		t.Errorf("Apply(merge) error = %v", err)
	}
}

func testReopenKeepsFamilies(t *testing.T, b Backend) {
	path := filepath.Join(t.TempDir(), "db")
	e, err := b.Open(path, create())
	if err != nil {
		t.Fatal(err)
	}
	id, _ := e.CreateFamily("logs")
	apply(t, e, func(wb *batch.WriteBatch) { wb.PutCF(uint32(id), []byte("k"), []byte("v")) })
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	names, err := b.ListFamilies(path, engine.Options{})
	if err != nil {
		t.Fatalf("ListFamilies: %v", err)
	}
	if fmt.Sprint(names) != "[default logs]" {
		t.Errorf("ListFamilies = %v", names)
	}

	e, err = b.Open(path, engine.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = e.Close() }()
	if got := mustGet(t, e, id, "k"); got != "v" {
		t.Errorf("k after reopen = %q", got)
	}
	next, err := e.CreateFamily("more")
	if err != nil {
		t.Fatal(err)
	}
	if next <= id {
		t.Errorf("id after reopen = %d, want > %d", next, id)
	}
}

// Family names that look like backend bookkeeping keys are ordinary names.
func testMetadataLikeFamilyNames(t *testing.T, b Backend) {
	path := filepath.Join(t.TempDir(), "db")
	e, err := b.Open(path, create())
	if err != nil {
		t.Fatal(err)
	}
	names := []string{"next-id", "__meta", "families", "cf-0", "f/x"}
	ids := make(map[string]engine.FamilyID)
	for _, name := range names {
		id, err := e.CreateFamily(name)
		if err != nil {
			t.Fatalf("CreateFamily(%q): %v", name, err)
		}
		ids[name] = id
		apply(t, e, func(wb *batch.WriteBatch) { wb.PutCF(uint32(id), []byte("k"), []byte(name)) })
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	listed, err := b.ListFamilies(path, engine.Options{})
	if err != nil {
		t.Fatalf("ListFamilies: %v", err)
	}
	if want := fmt.Sprint(append([]string{engine.DefaultFamilyName}, names...)); fmt.Sprint(listed) != want {
		t.Errorf("ListFamilies = %v, want %v", listed, want)
	}

	e, err = b.Open(path, engine.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = e.Close() }()
	for _, name := range names {
		if got := mustGet(t, e, ids[name], "k"); got != name {
			t.Errorf("family %q: k = %q after reopen", name, got)
		}
	}
	id, err := e.CreateFamily("after")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		if id == ids[name] {
			t.Errorf("new family reused the id of %q", name)
		}
	}
}

func testOpenOptions(t *testing.T, b Backend) {
	path := filepath.Join(t.TempDir(), "db")
	if _, err := b.Open(path, engine.Options{}); err == nil {
		t.Fatal("Open without CreateIfMissing succeeded on a missing store")
	}

	e, err := b.Open(path, create())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Destroy(path); err == nil {
		t.Error("Destroy succeeded on an open store")
	}
	_ = e.Close()

	if _, err := b.Open(path, engine.Options{CreateIfMissing: true, ErrorIfExists: true}); err == nil {
		t.Error("ErrorIfExists did not reject an existing store")
	}
	if err := b.Destroy(path); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := b.Open(path, engine.Options{}); err == nil {
		t.Error("store still opens after Destroy")
	}
}

func testClosed(t *testing.T, b Backend) {
	path := filepath.Join(t.TempDir(), "db")
	e, err := b.Open(path, create())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := e.Get(engine.DefaultFamily, []byte("k")); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("Get after close = %v", err)
	}
	if err := e.Apply(batch.New(), engine.WriteOptions{}); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("Apply after close = %v", err)
	}
	if _, err := e.NewSnapshot(); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("NewSnapshot after close = %v", err)
	}
}
