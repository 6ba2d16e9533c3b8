package pricing

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingEntry means a string or index has no dictionary entry. The
	// dictionary and the record were not built together.
	ErrMissingEntry = errors.New("missing dictionary entry")

	// ErrMissingTerm means a reserved term name is not in the dictionary.
	ErrMissingTerm = errors.New("missing reserved term in dictionary")

	// ErrDanglingReference means a back-reference points at a platform that
	// has not been decoded yet.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrMalformed means the encoded structure does not have the expected shape.
	ErrMalformed = errors.New("malformed encoded pricing")
)

// EncodeError reports a record that could not be encoded.
type EncodeError struct {
	Path string // region/platform/key the failure was found at
	Name string // the string that could not be resolved
	Err  error
}

func (e *EncodeError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("encode %s: %v: %q", e.Path, e.Err, e.Name)
	}
	return fmt.Sprintf("encode %s: %v", e.Path, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a record that could not be decoded. Decoding never
// substitutes a value for a missing entry since that would show wrong prices.
type DecodeError struct {
	Path   string
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("decode %s: %v: %s", e.Path, e.Err, e.Detail)
	}
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErrorf(path string, err error, format string, args ...any) *DecodeError {
	return &DecodeError{Path: path, Err: err, Detail: fmt.Sprintf(format, args...)}
}
