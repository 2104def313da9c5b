package compression

import (
	"errors"
	"fmt"
)

// ErrCorruptEnvelope is returned when a stored value has no envelope header
// or carries an unknown compression type.
var ErrCorruptEnvelope = errors.New("compression: corrupt value envelope")

// Codec wraps and unwraps stored values for one column family.
type Codec struct {
	Type Type
	// MinSize is the smallest value that is compressed; shorter values are
	// stored with NoCompression.
	MinSize int
}

// Wrap encodes value into a new envelope.
// If compression does not shrink the value it is stored uncompressed.
func (c Codec) Wrap(value []byte) ([]byte, error) {
	t := c.Type
	if len(value) < c.MinSize {
		t = NoCompression
	}
	payload := value
	if t != NoCompression {
		out, err := Compress(t, value)
		if err != nil {
			return nil, err
		}
		if len(out) < len(value) {
			payload = out
		} else {
			t = NoCompression
		}
	}
	env := make([]byte, 1+len(payload))
	env[0] = byte(t)
	copy(env[1:], payload)
	return env, nil
}

// Unwrap decodes an envelope produced by Wrap, whatever codec wrote it.
// For uncompressed values the result aliases env.
func Unwrap(env []byte) ([]byte, error) {
	if len(env) == 0 {
		return nil, ErrCorruptEnvelope
	}
	t := Type(env[0])
	if !t.IsSupported() {
		return nil, fmt.Errorf("%w: type %d", ErrCorruptEnvelope, env[0])
	}
	if t == NoCompression {
		return env[1:], nil
	}
	out, err := Decompress(t, env[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEnvelope, err)
	}
	return out, nil
}
