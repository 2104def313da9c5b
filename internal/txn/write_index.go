package txn

import (
	"bytes"

	"github.com/google/btree"

	"github.com/aalhour/harborkv/internal/batch"
)

// EntryKind is the base operation recorded for a key in a WriteIndex.
type EntryKind uint8

const (
	// KindNone means the key only has merge operands; the base value comes
	// from the database.
	KindNone EntryKind = iota
	// KindPut means the key was written with a full value.
	KindPut
	// KindDelete means the key was deleted.
	KindDelete
)

// Entry is the collapsed view of all writes a transaction made to one key.
type Entry struct {
	CF       uint32
	Key      []byte
	Kind     EntryKind
	Value    []byte
	Operands [][]byte

	// pivotEnd marks a search pivot that sorts after every key of CF.
	pivotEnd bool
}

func entryLess(a, b *Entry) bool {
	if a.CF != b.CF {
		return a.CF < b.CF
	}
	if a.pivotEnd != b.pivotEnd {
		return b.pivotEnd
	}
	return bytes.Compare(a.Key, b.Key) < 0
}

// WriteIndex orders a transaction's pending writes by (family, key) so reads
// can consult them before the database and iterators can merge them in.
// Not safe for concurrent use.
type WriteIndex struct {
	tree *btree.BTreeG[*Entry]
}

// NewWriteIndex creates an empty index.
func NewWriteIndex() *WriteIndex {
	return &WriteIndex{tree: btree.NewG(16, entryLess)}
}

func (w *WriteIndex) entry(cf uint32, key []byte) *Entry {
	if e, ok := w.tree.Get(&Entry{CF: cf, Key: key}); ok {
		return e
	}
	e := &Entry{CF: cf, Key: bytes.Clone(key)}
	if e.Key == nil {
		e.Key = []byte{}
	}
	w.tree.ReplaceOrInsert(e)
	return e
}

// Put records a full value for key, discarding earlier writes to it.
func (w *WriteIndex) Put(cf uint32, key, value []byte) {
	e := w.entry(cf, key)
	e.Kind = KindPut
	e.Value = bytes.Clone(value)
	if e.Value == nil {
		e.Value = []byte{}
	}
	e.Operands = nil
}

// Delete records a deletion of key, discarding earlier writes to it.
func (w *WriteIndex) Delete(cf uint32, key []byte) {
	e := w.entry(cf, key)
	e.Kind = KindDelete
	e.Value = nil
	e.Operands = nil
}

// Merge appends a merge operand for key.
func (w *WriteIndex) Merge(cf uint32, key, operand []byte) {
	e := w.entry(cf, key)
	e.Operands = append(e.Operands, bytes.Clone(operand))
}

// Get returns the entry for key.
func (w *WriteIndex) Get(cf uint32, key []byte) (*Entry, bool) {
	return w.tree.Get(&Entry{CF: cf, Key: key})
}

// Clone returns a copy that later writes to w do not affect.
func (w *WriteIndex) Clone() *WriteIndex {
	c := NewWriteIndex()
	w.tree.Ascend(func(e *Entry) bool {
		cp := *e
		cp.Operands = append([][]byte(nil), e.Operands...)
		c.tree.ReplaceOrInsert(&cp)
		return true
	})
	return c
}

// Len returns the number of distinct keys written.
func (w *WriteIndex) Len() int {
	return w.tree.Len()
}

// Clear drops every entry.
func (w *WriteIndex) Clear() {
	w.tree.Clear(false)
}

// Rebuild replaces the contents with the records of b, in order.
func (w *WriteIndex) Rebuild(b *batch.WriteBatch) error {
	w.Clear()
	return b.Iterate(batch.HandlerFuncs{
		PutFn: func(cf uint32, key, value []byte) error {
			w.Put(cf, key, value)
			return nil
		},
		DeleteFn: func(cf uint32, key []byte) error {
			w.Delete(cf, key)
			return nil
		},
		MergeFn: func(cf uint32, key, value []byte) error {
			w.Merge(cf, key, value)
			return nil
		},
	})
}

// Ascend calls fn for every entry in (family, key) order until fn returns false.
func (w *WriteIndex) Ascend(fn func(*Entry) bool) {
	w.tree.Ascend(fn)
}

// First returns the smallest entry of family cf.
func (w *WriteIndex) First(cf uint32) *Entry {
	return w.Ceil(cf, nil)
}

// Last returns the largest entry of family cf.
func (w *WriteIndex) Last(cf uint32) *Entry {
	var out *Entry
	w.tree.DescendLessOrEqual(&Entry{CF: cf, pivotEnd: true}, func(e *Entry) bool {
		if e.CF == cf && !e.pivotEnd {
			out = e
		}
		return false
	})
	return out
}

// Ceil returns the first entry of cf with key >= key.
func (w *WriteIndex) Ceil(cf uint32, key []byte) *Entry {
	var out *Entry
	w.tree.AscendGreaterOrEqual(&Entry{CF: cf, Key: key}, func(e *Entry) bool {
		if e.CF == cf {
			out = e
		}
		return false
	})
	return out
}

// Floor returns the last entry of cf with key <= key.
func (w *WriteIndex) Floor(cf uint32, key []byte) *Entry {
	var out *Entry
	w.tree.DescendLessOrEqual(&Entry{CF: cf, Key: key}, func(e *Entry) bool {
		if e.CF == cf {
			out = e
		}
		return false
	})
	return out
}

// Higher returns the first entry of cf with key > key.
func (w *WriteIndex) Higher(cf uint32, key []byte) *Entry {
	var out *Entry
	w.tree.AscendGreaterOrEqual(&Entry{CF: cf, Key: key}, func(e *Entry) bool {
		if e.CF == cf && bytes.Equal(e.Key, key) {
			return true
		}
		if e.CF == cf {
			out = e
		}
		return false
	})
	return out
}

// Lower returns the last entry of cf with key < key.
func (w *WriteIndex) Lower(cf uint32, key []byte) *Entry {
	var out *Entry
	w.tree.DescendLessOrEqual(&Entry{CF: cf, Key: key}, func(e *Entry) bool {
		if e.CF == cf && bytes.Equal(e.Key, key) {
			return true
		}
		if e.CF == cf {
			out = e
		}
		return false
	})
	return out
}
