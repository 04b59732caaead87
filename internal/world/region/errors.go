package region

import (
	"errors"
	"fmt"
)

var (
	// ErrNotExist means the region file is absent. Callers treat it as an
	// empty region rather than a failure.
	ErrNotExist = errors.New("region: file does not exist")

	// ErrInvalidHeader covers bad signatures, unsupported versions and
	// header tables that disagree with the payload.
	ErrInvalidHeader = errors.New("region: invalid header")
)

// WriteError wraps any failure while serializing or writing a region.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("region write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func invalidHeader(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidHeader, fmt.Sprintf(format, args...))
}
