// Package batch implements the WriteBatch record format used for atomic writes.
//
// WriteBatch Format:
//
//	Header (4 bytes):
//	  - 4 bytes: count (little-endian uint32)
//	Records (repeated):
//	  - 1 byte: tag (record type)
//	  - For ColumnFamily variants: varint32 column_family_id
//	  - length-prefixed key
//	  - (for Put/Merge): length-prefixed value
//
// Records for the default family (ID 0) use the short tags; every other family
// uses the ColumnFamily tag variant carrying the family ID.
package batch

import (
	"errors"

	"github.com/aalhour/harborkv/internal/encoding"
)

// HeaderSize is the size in bytes of the WriteBatch header.
const HeaderSize = 4

// Record types for WriteBatch entries.
const (
	TypeDeletion             byte = 0x00
	TypeValue                byte = 0x01
	TypeMerge                byte = 0x02
	TypeColumnFamilyDeletion byte = 0x04
	TypeColumnFamilyValue    byte = 0x05
	TypeColumnFamilyMerge    byte = 0x06
	TypeNoop                 byte = 0x0D
)

var (
	// ErrCorrupted indicates a malformed WriteBatch.
	ErrCorrupted = errors.New("batch: corrupted write batch")

	// ErrTooSmall indicates the batch is smaller than the header.
	ErrTooSmall = errors.New("batch: too small")
)

// WriteBatch represents a collection of writes to be applied atomically.
type WriteBatch struct {
	data []byte // The raw batch data including header
}

// New creates a new empty WriteBatch.
func New() *WriteBatch {
	return &WriteBatch{data: make([]byte, HeaderSize)}
}

// NewFromData creates a WriteBatch from existing data.
func NewFromData(data []byte) (*WriteBatch, error) {
	if len(data) < HeaderSize {
		return nil, ErrTooSmall
	}
	return &WriteBatch{data: data}, nil
}

// Clear resets the batch to empty state.
func (wb *WriteBatch) Clear() {
	wb.data = wb.data[:HeaderSize]
	wb.SetCount(0)
}

// Data returns the raw batch data.
func (wb *WriteBatch) Data() []byte {
	return wb.data
}

// Clone creates a deep copy of the WriteBatch.
func (wb *WriteBatch) Clone() *WriteBatch {
	clone := &WriteBatch{data: make([]byte, len(wb.data))}
	copy(clone.data, wb.data)
	return clone
}

// Size returns the size of the batch data in bytes.
func (wb *WriteBatch) Size() int {
	return len(wb.data)
}

// Count returns the number of records in the batch.
func (wb *WriteBatch) Count() uint32 {
	return encoding.DecodeFixed32(wb.data[0:4])
}

// SetCount sets the count field.
func (wb *WriteBatch) SetCount(count uint32) {
	encoding.EncodeFixed32(wb.data[0:4], count)
}

// Truncate drops every record after the first size bytes and resets the
// count. size and count must come from an earlier Size/Count pair of this
// batch (a save point).
func (wb *WriteBatch) Truncate(size int, count uint32) {
	if size < HeaderSize || size > len(wb.data) {
		return
	}
	wb.data = wb.data[:size]
	wb.SetCount(count)
}

// Put adds a Put record to the batch.
func (wb *WriteBatch) Put(key, value []byte) {
	wb.putRecord(TypeValue, 0, key, value)
}

// PutCF adds a Put record with column family to the batch.
func (wb *WriteBatch) PutCF(cfID uint32, key, value []byte) {
	if cfID == 0 {
		wb.Put(key, value)
		return
	}
	wb.putRecord(TypeColumnFamilyValue, cfID, key, value)
}

// Delete adds a Delete record to the batch.
func (wb *WriteBatch) Delete(key []byte) {
	wb.deleteRecord(TypeDeletion, 0, key)
}

// DeleteCF adds a Delete record with column family to the batch.
func (wb *WriteBatch) DeleteCF(cfID uint32, key []byte) {
	if cfID == 0 {
		wb.Delete(key)
		return
	}
	wb.deleteRecord(TypeColumnFamilyDeletion, cfID, key)
}

// Merge adds a Merge record to the batch.
func (wb *WriteBatch) Merge(key, value []byte) {
	wb.putRecord(TypeMerge, 0, key, value)
}

// MergeCF adds a Merge record with column family to the batch.
func (wb *WriteBatch) MergeCF(cfID uint32, key, value []byte) {
	if cfID == 0 {
		wb.Merge(key, value)
		return
	}
	wb.putRecord(TypeColumnFamilyMerge, cfID, key, value)
}

// Append appends the contents of another batch to this batch.
func (wb *WriteBatch) Append(src *WriteBatch) {
	if src.Count() == 0 {
		return
	}
	wb.data = append(wb.data, src.data[HeaderSize:]...)
	wb.SetCount(wb.Count() + src.Count())
}

// HasMerge returns true if the batch contains at least one Merge operation.
func (wb *WriteBatch) HasMerge() bool {
	found := false
	_ = wb.Iterate(HandlerFuncs{
		MergeFn: func(uint32, []byte, []byte) error {
			found = true
			return errStop
		},
	})
	return found
}

var errStop = errors.New("batch: stop")

func (wb *WriteBatch) putRecord(tag byte, cfID uint32, key, value []byte) {
	wb.data = append(wb.data, tag)
	if tag == TypeColumnFamilyValue || tag == TypeColumnFamilyMerge {
		wb.data = encoding.AppendVarint32(wb.data, cfID)
	}
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, value)
	wb.SetCount(wb.Count() + 1)
}

func (wb *WriteBatch) deleteRecord(tag byte, cfID uint32, key []byte) {
	wb.data = append(wb.data, tag)
	if tag == TypeColumnFamilyDeletion {
		wb.data = encoding.AppendVarint32(wb.data, cfID)
	}
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.SetCount(wb.Count() + 1)
}

// Handler is called for each record in the batch during iteration.
// Slices passed to the handler alias the batch buffer.
type Handler interface {
	Put(cfID uint32, key, value []byte) error
	Delete(cfID uint32, key []byte) error
	Merge(cfID uint32, key, value []byte) error
}

// HandlerFuncs adapts plain functions to Handler. Nil functions ignore the
// record.
type HandlerFuncs struct {
	PutFn    func(cfID uint32, key, value []byte) error
	DeleteFn func(cfID uint32, key []byte) error
	MergeFn  func(cfID uint32, key, value []byte) error
}

// Put implements Handler.
func (h HandlerFuncs) Put(cfID uint32, key, value []byte) error {
	if h.PutFn == nil {
		return nil
	}
	return h.PutFn(cfID, key, value)
}

// Delete implements Handler.
func (h HandlerFuncs) Delete(cfID uint32, key []byte) error {
	if h.DeleteFn == nil {
		return nil
	}
	return h.DeleteFn(cfID, key)
}

// Merge implements Handler.
func (h HandlerFuncs) Merge(cfID uint32, key, value []byte) error {
	if h.MergeFn == nil {
		return nil
	}
	return h.MergeFn(cfID, key, value)
}

// Iterate calls the handler for each record in the batch, in insertion order.
// Iteration stops at the first handler error, which is returned.
func (wb *WriteBatch) Iterate(handler Handler) error {
	err := wb.iterate(handler)
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

func (wb *WriteBatch) iterate(handler Handler) error {
	if len(wb.data) < HeaderSize {
		return ErrTooSmall
	}

	data := wb.data[HeaderSize:]
	for len(data) > 0 {
		tag := data[0]
		data = data[1:]

		var cfID uint32
		var key, value []byte
		var err error

		switch tag {
		case TypeColumnFamilyValue:
			if cfID, data, err = decodeVarint32(data); err != nil {
				return err
			}
			fallthrough
		case TypeValue:
			if key, data, err = decodeLengthPrefixed(data); err != nil {
				return err
			}
			if value, data, err = decodeLengthPrefixed(data); err != nil {
				return err
			}
			if err := handler.Put(cfID, key, value); err != nil {
				return err
			}

		case TypeColumnFamilyDeletion:
			if cfID, data, err = decodeVarint32(data); err != nil {
				return err
			}
			fallthrough
		case TypeDeletion:
			if key, data, err = decodeLengthPrefixed(data); err != nil {
				return err
			}
			if err := handler.Delete(cfID, key); err != nil {
				return err
			}

		case TypeColumnFamilyMerge:
			if cfID, data, err = decodeVarint32(data); err != nil {
				return err
			}
			fallthrough
		case TypeMerge:
			if key, data, err = decodeLengthPrefixed(data); err != nil {
				return err
			}
			if value, data, err = decodeLengthPrefixed(data); err != nil {
				return err
			}
			if err := handler.Merge(cfID, key, value); err != nil {
				return err
			}

		case TypeNoop:

		default:
			return ErrCorrupted
		}
	}

	return nil
}

func decodeVarint32(data []byte) (uint32, []byte, error) {
	v, n, err := encoding.DecodeVarint32(data)
	if err != nil {
		return 0, nil, ErrCorrupted
	}
	return v, data[n:], nil
}

func decodeLengthPrefixed(data []byte) ([]byte, []byte, error) {
	v, n, err := encoding.DecodeLengthPrefixedSlice(data)
	if err != nil {
		return nil, nil, ErrCorrupted
	}
	return v, data[n:], nil
}
