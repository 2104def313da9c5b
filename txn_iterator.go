package harborkv

// txn_iterator.go merges a transaction's pending writes over a database
// iterator.
//
// The delta is a copy of the transaction's write index taken when the
// iterator is created, so later writes by the transaction are not seen.
// Deleted keys are hidden and keys with pending merge operands are
// resolved with the family's merge operator.

import (
	"bytes"

	"github.com/aalhour/harborkv/internal/engine"
	"github.com/aalhour/harborkv/internal/txn"
)

type deltaIterator struct {
	base  engine.Iterator
	delta *txn.WriteIndex
	cfd   *columnFamilyData
	cf    uint32
	rng   engine.Range

	// d is the delta entry the iterator is aligned with, nil when the
	// delta side is exhausted in the current direction.
	d       *txn.Entry
	forward bool

	valid bool
	key   []byte
	value []byte
	err   error
}

func newDeltaIterator(base engine.Iterator, delta *txn.WriteIndex, cfd *columnFamilyData, r *engine.Range) *deltaIterator {
	it := &deltaIterator{base: base, delta: delta, cfd: cfd, cf: uint32(cfd.id), forward: true}
	if r != nil {
		it.rng = *r
	}
	return it
}

func (it *deltaIterator) inRange(e *txn.Entry) *txn.Entry {
	if e == nil {
		return nil
	}
	if it.rng.Start != nil && bytes.Compare(e.Key, it.rng.Start) < 0 {
		return nil
	}
	if it.rng.Limit != nil && bytes.Compare(e.Key, it.rng.Limit) >= 0 {
		return nil
	}
	return e
}

func (it *deltaIterator) First() bool {
	it.forward = true
	it.base.First()
	it.d = it.inRange(it.delta.Ceil(it.cf, it.rng.Start))
	return it.settle()
}

func (it *deltaIterator) Last() bool {
	it.forward = false
	it.base.Last()
	if it.rng.Limit != nil {
		it.d = it.inRange(it.delta.Lower(it.cf, it.rng.Limit))
	} else {
		it.d = it.inRange(it.delta.Last(it.cf))
	}
	return it.settle()
}

func (it *deltaIterator) Seek(key []byte) bool {
	if it.rng.Start != nil && bytes.Compare(key, it.rng.Start) < 0 {
		key = it.rng.Start
	}
	it.forward = true
	it.base.Seek(key)
	it.d = it.inRange(it.delta.Ceil(it.cf, key))
	return it.settle()
}

func (it *deltaIterator) Next() bool {
	if !it.valid {
		return false
	}
	cur := bytes.Clone(it.key)
	if !it.forward {
		// Realign both sides to the first element >= cur.
		it.forward = true
		it.base.Seek(cur)
		it.d = it.inRange(it.delta.Ceil(it.cf, cur))
	}
	if it.base.Valid() && bytes.Equal(it.base.Key(), cur) {
		it.base.Next()
	}
	if it.d != nil && bytes.Equal(it.d.Key, cur) {
		it.d = it.inRange(it.delta.Higher(it.cf, cur))
	}
	return it.settle()
}

func (it *deltaIterator) Prev() bool {
	if !it.valid {
		return false
	}
	cur := bytes.Clone(it.key)
	if it.forward {
		// Realign both sides to the last element <= cur.
		it.forward = false
		if it.base.Seek(cur) {
			if !bytes.Equal(it.base.Key(), cur) {
				it.base.Prev()
			}
		} else if it.base.Error() == nil {
			it.base.Last()
		}
		it.d = it.inRange(it.delta.Floor(it.cf, cur))
	}
	if it.base.Valid() && bytes.Equal(it.base.Key(), cur) {
		it.base.Prev()
	}
	if it.d != nil && bytes.Equal(it.d.Key, cur) {
		it.d = it.inRange(it.delta.Lower(it.cf, cur))
	}
	return it.settle()
}

// settle picks the next visible element in the current direction, skipping
// deleted keys.
func (it *deltaIterator) settle() bool {
	it.valid, it.key, it.value = false, nil, nil
	for it.err == nil {
		if err := it.base.Error(); err != nil {
			return false
		}
		baseOK := it.base.Valid()
		switch {
		case !baseOK && it.d == nil:
			return false
		case it.d == nil:
			it.key, it.value, it.valid = it.base.Key(), it.base.Value(), true
			return true
		}

		c := 1
		if baseOK {
			c = bytes.Compare(it.d.Key, it.base.Key())
			if !it.forward {
				c = -c
			}
		}
		if c > 0 {
			it.key, it.value, it.valid = it.base.Key(), it.base.Value(), true
			return true
		}

		// The delta entry comes first or shadows the base key.
		var base []byte
		if c == 0 {
			base = it.base.Value()
		}
		v, ok, err := resolveEntry(it.cfd, it.d, base, c == 0)
		if err != nil {
			it.err = err
			return false
		}
		if ok {
			it.key, it.value, it.valid = it.d.Key, v, true
			return true
		}
		// Deleted: step past the key on both sides.
		key := it.d.Key
		if c == 0 {
			if it.forward {
				it.base.Next()
			} else {
				it.base.Prev()
			}
		}
		if it.forward {
			it.d = it.inRange(it.delta.Higher(it.cf, key))
		} else {
			it.d = it.inRange(it.delta.Lower(it.cf, key))
		}
	}
	return false
}

func (it *deltaIterator) Valid() bool   { return it.valid }
func (it *deltaIterator) Key() []byte   { return it.key }
func (it *deltaIterator) Value() []byte { return it.value }

func (it *deltaIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.base.Error()
}

func (it *deltaIterator) Release() {
	it.base.Release()
	it.valid = false
}

// resolveEntry computes the visible value of a write index entry over an
// optional base value. ok is false when the key reads as deleted.
func resolveEntry(cfd *columnFamilyData, e *txn.Entry, base []byte, hasBase bool) (value []byte, ok bool, err error) {
	switch e.Kind {
	case txn.KindPut:
		if len(e.Operands) == 0 {
			return e.Value, true, nil
		}
		base, hasBase = e.Value, true
	case txn.KindDelete:
		if len(e.Operands) == 0 {
			return nil, false, nil
		}
		base, hasBase = nil, false
	}
	if !hasBase {
		base = nil
	}
	v, err := fullMerge(cfd.mergeOperator(), e.Key, base, e.Operands)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
