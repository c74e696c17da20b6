package wire

import (
	"errors"
	"fmt"
)

var ErrFormat = errors.New("wire: format error")

// FormatError is a malformed frame. Its text is the bare detail so it can
// travel across the wire unchanged; errors.Is(err, ErrFormat) holds.
type FormatError struct {
	Detail string
}

func (e *FormatError) Error() string {
	return e.Detail
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

func FormatErrorf(format string, args ...any) error {
	return &FormatError{Detail: fmt.Sprintf(format, args...)}
}
