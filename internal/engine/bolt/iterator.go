package bolt

import (
	"bytes"

	"go.etcd.io/bbolt"

	"github.com/aalhour/harborkv/internal/engine"
)

// cursorIterator adapts a bbolt cursor to engine.Iterator with range bounds.
// Key and Value alias the transaction's pages and stay valid until Release.
type cursorIterator struct {
	c       *bbolt.Cursor
	start   []byte
	limit   []byte
	key     []byte
	value   []byte
	release func()
	done    bool
	pos     position
}

type position int

const (
	unpositioned position = iota
	positioned
	pastEnd
	beforeStart
)

func newCursorIterator(tx *bbolt.Tx, cf engine.FamilyID, r *engine.Range, release func()) engine.Iterator {
	b := tx.Bucket(bucketName(cf))
	if b == nil {
		if release != nil {
			release()
		}
		return engine.NewErrorIterator(engine.ErrFamilyNotFound)
	}
	it := &cursorIterator{c: b.Cursor(), release: release}
	if r != nil {
		it.start = bytes.Clone(r.Start)
		it.limit = bytes.Clone(r.Limit)
	}
	return it
}

// set records the cursor result; forward tells which end an exhausted
// cursor fell off.
func (it *cursorIterator) set(forward bool, k, v []byte) bool {
	if k == nil ||
		(it.start != nil && bytes.Compare(k, it.start) < 0) ||
		(it.limit != nil && bytes.Compare(k, it.limit) >= 0) {
		it.key, it.value = nil, nil
		if forward {
			it.pos = pastEnd
		} else {
			it.pos = beforeStart
		}
		return false
	}
	it.key, it.value = k, v
	it.pos = positioned
	return true
}

func (it *cursorIterator) First() bool {
	if it.done {
		return false
	}
	if it.start != nil {
		k, v := it.c.Seek(it.start)
		return it.set(true, k, v)
	}
	k, v := it.c.First()
	return it.set(true, k, v)
}

func (it *cursorIterator) Last() bool {
	if it.done {
		return false
	}
	if it.limit == nil {
		k, v := it.c.Last()
		return it.set(false, k, v)
	}
	k, v := it.c.Seek(it.limit)
	if k == nil {
		k, v = it.c.Last()
	} else {
		k, v = it.c.Prev()
	}
	return it.set(false, k, v)
}

func (it *cursorIterator) Seek(key []byte) bool {
	if it.done {
		return false
	}
	if it.start != nil && bytes.Compare(key, it.start) < 0 {
		key = it.start
	}
	k, v := it.c.Seek(key)
	return it.set(true, k, v)
}

func (it *cursorIterator) Next() bool {
	if it.done {
		return false
	}
	switch it.pos {
	case unpositioned, beforeStart:
		return it.First()
	case pastEnd:
		return false
	}
	k, v := it.c.Next()
	return it.set(true, k, v)
}

func (it *cursorIterator) Prev() bool {
	if it.done {
		return false
	}
	switch it.pos {
	case unpositioned, pastEnd:
		return it.Last()
	case beforeStart:
		return false
	}
	k, v := it.c.Prev()
	return it.set(false, k, v)
}

func (it *cursorIterator) Valid() bool   { return it.key != nil }
func (it *cursorIterator) Key() []byte   { return it.key }
func (it *cursorIterator) Value() []byte { return it.value }
func (it *cursorIterator) Error() error  { return nil }

func (it *cursorIterator) Release() {
	if it.done {
		return
	}
	it.done = true
	it.key, it.value = nil, nil
	if it.release != nil {
		it.release()
	}
}
