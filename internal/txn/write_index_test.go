package txn

import (
	"testing"

	"github.com/aalhour/harborkv/internal/batch"
)

func keyOf(e *Entry) string {
	if e == nil {
		return "<nil>"
	}
	return string(e.Key)
}

func TestWriteIndexCollapse(t *testing.T) {
	w := NewWriteIndex()
	w.Merge(0, []byte("k"), []byte("a"))
	w.Merge(0, []byte("k"), []byte("b"))

	e, ok := w.Get(0, []byte("k"))
	if !ok || e.Kind != KindNone || len(e.Operands) != 2 {
		t.Fatalf("merge-only entry = %+v", e)
	}

	w.Put(0, []byte("k"), []byte("v"))
	e, _ = w.Get(0, []byte("k"))
	if e.Kind != KindPut || string(e.Value) != "v" || len(e.Operands) != 0 {
		t.Fatalf("after put = %+v", e)
	}

	w.Merge(0, []byte("k"), []byte("c"))
	e, _ = w.Get(0, []byte("k"))
	if e.Kind != KindPut || len(e.Operands) != 1 {
		t.Fatalf("put+merge = %+v", e)
	}

	w.Delete(0, []byte("k"))
	e, _ = w.Get(0, []byte("k"))
	if e.Kind != KindDelete || e.Value != nil || e.Operands != nil {
		t.Fatalf("after delete = %+v", e)
	}
	if w.Len() != 1 {
		t.Errorf("Len() = %d, want 1", w.Len())
	}
}

func TestWriteIndexCopiesInput(t *testing.T) {
	w := NewWriteIndex()
	key := []byte("key")
	val := []byte("val")
	w.Put(0, key, val)
	key[0], val[0] = 'X', 'X'

	e, ok := w.Get(0, []byte("key"))
	if !ok || string(e.Value) != "val" {
		t.Fatalf("index aliases caller buffers: %+v", e)
	}
}

func TestWriteIndexNavigation(t *testing.T) {
	w := NewWriteIndex()
	for _, k := range []string{"b", "d", "f"} {
		w.Put(1, []byte(k), nil)
	}
	w.Put(0, []byte("z"), nil)
	w.Put(2, []byte("a"), nil)

	tests := []struct {
		name string
		got  *Entry
		want string
	}{
		{"First", w.First(1), "b"},
		{"Last", w.Last(1), "f"},
		{"Ceil exact", w.Ceil(1, []byte("d")), "d"},
		{"Ceil between", w.Ceil(1, []byte("c")), "d"},
		{"Ceil past end", w.Ceil(1, []byte("g")), "<nil>"},
		{"Floor exact", w.Floor(1, []byte("d")), "d"},
		{"Floor between", w.Floor(1, []byte("e")), "d"},
		{"Floor before start", w.Floor(1, []byte("a")), "<nil>"},
		{"Higher", w.Higher(1, []byte("d")), "f"},
		{"Higher last", w.Higher(1, []byte("f")), "<nil>"},
		{"Lower", w.Lower(1, []byte("d")), "b"},
		{"Lower first", w.Lower(1, []byte("b")), "<nil>"},
		{"First empty family", w.First(3), "<nil>"},
		{"Last empty family", w.Last(3), "<nil>"},
		{"Last family 0", w.Last(0), "z"},
	}
	for _, tt := range tests {
		if got := keyOf(tt.got); got != tt.want {
			t.Errorf("%s = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestWriteIndexEmptyKey(t *testing.T) {
	w := NewWriteIndex()
	w.Put(0, nil, []byte("v"))
	if e := w.First(0); e == nil || len(e.Key) != 0 {
		t.Fatalf("empty key not indexed: %+v", e)
	}
	if e := w.Last(0); e == nil {
		t.Fatal("Last missed the empty key")
	}
}

func TestWriteIndexRebuild(t *testing.T) {
	b := batch.New()
	b.Put([]byte("a"), []byte("1"))
	b.MergeCF(4, []byte("m"), []byte("+"))
	b.Delete([]byte("a"))

	w := NewWriteIndex()
	w.Put(0, []byte("stale"), nil)
	if err := w.Rebuild(b); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if _, ok := w.Get(0, []byte("stale")); ok {
		t.Error("Rebuild kept old entries")
	}
	if e, _ := w.Get(0, []byte("a")); e == nil || e.Kind != KindDelete {
		t.Errorf("a = %+v, want delete", e)
	}
	if e, _ := w.Get(4, []byte("m")); e == nil || len(e.Operands) != 1 {
		t.Errorf("m = %+v, want one operand", e)
	}

	var order []string
	w.Ascend(func(e *Entry) bool {
		order = append(order, keyOf(e))
		return true
	})
	if len(order) != 2 || order[0] != "a" || order[1] != "m" {
		t.Errorf("Ascend order = %v", order)
	}
}
