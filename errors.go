package recall

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedValue is returned by Cache.Store for values it cannot encode.
	ErrUnsupportedValue = errors.New("recall: unsupported value type")
	// ErrDecode is matched by every *DecodeError.
	ErrDecode = errors.New("recall: decode failed")
	// ErrNotNumeric is returned when incrementing a key that holds a non-integer value.
	ErrNotNumeric = errors.New("recall: value is not an integer")

	ErrValueTooLarge      = errors.New("recall: value exceeds max size")
	ErrUnsupportedCodec   = errors.New("recall: unsupported compression codec")
	ErrCorruptCompression = errors.New("recall: corrupt compressed payload")
	ErrEncryptionKey      = errors.New("recall: encryption key must be 16, 24, or 32 bytes")
	ErrDecryptFailed      = errors.New("recall: decrypt failed")
)

// DecodeError reports a stored value that could not be interpreted with the
// requested decode mode.
type DecodeError struct {
	Key  string
	Mode string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("recall: decode %q as %s: %v", e.Key, e.Mode, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDecode) match any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
