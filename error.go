package phonograph

import (
	"errors"
)

var (
	// ErrBusy is returned when data is not available yet, but will be.
	// It's not a failure, caller should retry later.
	ErrBusy = errors.New("busy")
	// ErrInvalidArgs is returned when arguments are out of range.
	ErrInvalidArgs = errors.New("invalid arguments")
	// ErrInvalidFormat is returned when audio format is not usable.
	ErrInvalidFormat = errors.New("invalid format")
	// ErrUnsupportedFormat is returned when there is no codec for a file.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrBadSeek is returned when seek position is beyond the end of data.
	ErrBadSeek = errors.New("bad seek")
	// ErrClosed is returned when object is used after close.
	ErrClosed = errors.New("closed")
)
