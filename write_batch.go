package harborkv

// write_batch.go implements the public WriteBatch.
//
// A WriteBatch collects puts, merges and deletes that DB.Write applies
// atomically. Records are stored in the internal batch encoding; the
// handles they name are remembered so Write can reject a batch that refers
// to a dropped family or to another database.

import (
	"fmt"

	"github.com/aalhour/harborkv/internal/batch"
)

// WriteBatch holds a collection of updates to apply atomically.
// A WriteBatch is not safe for concurrent use.
type WriteBatch struct {
	rep      *batch.WriteBatch
	families map[*columnFamilyData]struct{}

	// err is the first invalid handle passed to a *CF method.
	err error

	consumed bool
}

// NewWriteBatch creates an empty batch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{rep: batch.New()}
}

func (wb *WriteBatch) family(cf *ColumnFamilyHandle) (uint32, bool) {
	if cf == nil || cf.cfd == nil {
		if wb.err == nil {
			wb.err = fmt.Errorf("%w: nil handle in write batch", ErrInvalidColumnFamilyHandle)
		}
		return 0, false
	}
	if wb.families == nil {
		wb.families = make(map[*columnFamilyData]struct{})
	}
	wb.families[cf.cfd] = struct{}{}
	return uint32(cf.cfd.id), true
}

// Put adds a put to the default column family.
func (wb *WriteBatch) Put(key, value []byte) {
	wb.rep.Put(key, value)
}

// PutCF adds a put to cf.
func (wb *WriteBatch) PutCF(cf *ColumnFamilyHandle, key, value []byte) {
	if id, ok := wb.family(cf); ok {
		wb.rep.PutCF(id, key, value)
	}
}

// Merge adds a merge operand to the default column family.
func (wb *WriteBatch) Merge(key, operand []byte) {
	wb.rep.Merge(key, operand)
}

// MergeCF adds a merge operand to cf.
func (wb *WriteBatch) MergeCF(cf *ColumnFamilyHandle, key, operand []byte) {
	if id, ok := wb.family(cf); ok {
		wb.rep.MergeCF(id, key, operand)
	}
}

// Delete adds a delete to the default column family.
func (wb *WriteBatch) Delete(key []byte) {
	wb.rep.Delete(key)
}

// DeleteCF adds a delete to cf.
func (wb *WriteBatch) DeleteCF(cf *ColumnFamilyHandle, key []byte) {
	if id, ok := wb.family(cf); ok {
		wb.rep.DeleteCF(id, key)
	}
}

// Count returns the number of records.
func (wb *WriteBatch) Count() int {
	return int(wb.rep.Count())
}

// IsEmpty reports whether the batch has no records.
func (wb *WriteBatch) IsEmpty() bool {
	return wb.rep.Count() == 0
}

// Size returns the encoded size of the batch in bytes.
func (wb *WriteBatch) Size() int {
	return wb.rep.Size()
}

// Clear drops all records so the batch can be filled and written again.
func (wb *WriteBatch) Clear() {
	wb.rep.Clear()
	clear(wb.families)
	wb.err = nil
	wb.consumed = false
}
