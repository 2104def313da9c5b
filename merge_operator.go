package harborkv

// merge_operator.go implements merge operators.
//
// A merge records an operand instead of a value; the operator folds the
// operands into the existing value. Writes through a DB resolve merges
// eagerly, so the engine only ever stores full values. Transactions keep
// their operands pending and resolve them on read and at commit.

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MergeOperator is the interface for user-defined merge operations.
type MergeOperator interface {
	// Name returns a unique identifier for this merge operator.
	Name() string

	// FullMerge applies operands, oldest first, to existingValue (nil if
	// the key does not exist). ok=false fails the merge.
	FullMerge(key []byte, existingValue []byte, operands [][]byte) (newValue []byte, ok bool)

	// PartialMerge combines two operands into one. Returning (nil, false)
	// is always valid and keeps both.
	PartialMerge(key []byte, leftOperand, rightOperand []byte) (newOperand []byte, ok bool)
}

// AssociativeMergeOperator is a simplified interface for associative
// operations such as addition or concatenation, where
// Merge(Merge(a, b), c) == Merge(a, Merge(b, c)).
type AssociativeMergeOperator interface {
	Name() string

	// Merge merges value into existingValue. A nil existingValue is the
	// identity element of the operation.
	Merge(key []byte, existingValue, value []byte) ([]byte, bool)
}

// UInt64AddOperator treats values as 8-byte little-endian uint64 and adds them.
type UInt64AddOperator struct{}

// Name returns the name of this merge operator.
func (o *UInt64AddOperator) Name() string {
	return "UInt64AddOperator"
}

// FullMerge adds all operands to the existing value.
func (o *UInt64AddOperator) FullMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, bool) {
	var sum uint64
	if existingValue != nil {
		if len(existingValue) != 8 {
			return nil, false
		}
		sum = binary.LittleEndian.Uint64(existingValue)
	}
	for _, op := range operands {
		if len(op) != 8 {
			return nil, false
		}
		sum += binary.LittleEndian.Uint64(op)
	}
	return EncodeUint64(sum), true
}

// PartialMerge adds two operands together.
func (o *UInt64AddOperator) PartialMerge(key []byte, left, right []byte) ([]byte, bool) {
	if len(left) != 8 || len(right) != 8 {
		return nil, false
	}
	return EncodeUint64(binary.LittleEndian.Uint64(left) + binary.LittleEndian.Uint64(right)), true
}

// EncodeUint64 encodes v as a UInt64AddOperator operand.
func EncodeUint64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), v)
}

// DecodeUint64 decodes a value written by UInt64AddOperator.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: uint64 value has %d bytes", ErrMergeFailed, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// StringAppendOperator concatenates values with a delimiter.
type StringAppendOperator struct {
	Delimiter string
}

// Name returns the name of this merge operator.
func (o *StringAppendOperator) Name() string {
	return "StringAppendOperator"
}

// FullMerge concatenates all operands with the delimiter.
func (o *StringAppendOperator) FullMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, bool) {
	result := bytes.Clone(existingValue)
	for _, op := range operands {
		if len(result) > 0 && len(op) > 0 {
			result = append(result, o.Delimiter...)
		}
		result = append(result, op...)
	}
	if result == nil {
		result = []byte{}
	}
	return result, true
}

// PartialMerge concatenates two operands with the delimiter.
func (o *StringAppendOperator) PartialMerge(key []byte, left, right []byte) ([]byte, bool) {
	if len(left) == 0 {
		return right, true
	}
	if len(right) == 0 {
		return left, true
	}
	result := make([]byte, 0, len(left)+len(o.Delimiter)+len(right))
	result = append(result, left...)
	result = append(result, o.Delimiter...)
	return append(result, right...), true
}

// MaxOperator keeps the bytewise largest value.
type MaxOperator struct{}

// Name returns the name of this merge operator.
func (o *MaxOperator) Name() string {
	return "MaxOperator"
}

// FullMerge returns the maximum of all values.
func (o *MaxOperator) FullMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, bool) {
	maxVal := existingValue
	for _, op := range operands {
		if maxVal == nil || bytes.Compare(op, maxVal) > 0 {
			maxVal = op
		}
	}
	return bytes.Clone(maxVal), true
}

// PartialMerge returns the maximum of two operands.
func (o *MaxOperator) PartialMerge(key []byte, left, right []byte) ([]byte, bool) {
	if bytes.Compare(left, right) >= 0 {
		return bytes.Clone(left), true
	}
	return bytes.Clone(right), true
}

// AssociativeMergeOperatorAdapter wraps an AssociativeMergeOperator to implement MergeOperator.
type AssociativeMergeOperatorAdapter struct {
	Op AssociativeMergeOperator
}

// Name returns the name of the underlying operator.
func (a *AssociativeMergeOperatorAdapter) Name() string {
	return a.Op.Name()
}

// FullMerge implements MergeOperator by calling Merge repeatedly.
func (a *AssociativeMergeOperatorAdapter) FullMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, bool) {
	result := existingValue
	for _, op := range operands {
		var ok bool
		result, ok = a.Op.Merge(key, result, op)
		if !ok {
			return nil, false
		}
	}
	return result, true
}

// PartialMerge implements MergeOperator using Merge.
func (a *AssociativeMergeOperatorAdapter) PartialMerge(key []byte, left, right []byte) ([]byte, bool) {
	return a.Op.Merge(key, left, right)
}

// MergeOperatorByName returns a built-in operator: "uint64add",
// "stringappend" (comma delimited) or "max".
func MergeOperatorByName(name string) (MergeOperator, error) {
	switch name {
	case "uint64add", "UInt64AddOperator":
		return &UInt64AddOperator{}, nil
	case "stringappend", "StringAppendOperator":
		return &StringAppendOperator{Delimiter: ","}, nil
	case "max", "MaxOperator":
		return &MaxOperator{}, nil
	}
	return nil, fmt.Errorf("%w: unknown merge operator %q", ErrNoMergeOperator, name)
}

// fullMerge runs op and converts a rejection into ErrMergeFailed.
func fullMerge(op MergeOperator, key, existing []byte, operands [][]byte) ([]byte, error) {
	if op == nil {
		return nil, ErrNoMergeOperator
	}
	v, ok := op.FullMerge(key, existing, operands)
	if !ok {
		return nil, fmt.Errorf("%w: %s rejected %d operand(s) for key %q", ErrMergeFailed, op.Name(), len(operands), key)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}
