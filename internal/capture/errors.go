package capture

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by ReadBlock after the source has been closed
var ErrClosed = errors.New("capture source closed")

// Kind classifies capture failures
type Kind int

const (
	// KindOpenFailed means the device could not be opened
	KindOpenFailed Kind = iota + 1
	// KindParamsRejected means format, rate or period could not be negotiated
	KindParamsRejected
	// KindTransient means the stream failed (overrun, suspend) and was recovered
	KindTransient
	// KindUnrecoverable means stream recovery itself failed
	KindUnrecoverable
	// KindClosed means the source was closed
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindOpenFailed:
		return "open_failed"
	case KindParamsRejected:
		return "params_rejected"
	case KindTransient:
		return "transient"
	case KindUnrecoverable:
		return "unrecoverable"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the tagged error returned at the capture boundary.
// Err keeps the driver-reported reason for diagnostics.
type Error struct {
	Kind   Kind
	Op     string
	Device string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture %s %q: %s", e.Op, e.Device, e.Kind)
	}
	return fmt.Sprintf("capture %s %q: %s: %v", e.Op, e.Device, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a tagged capture error
func NewError(kind Kind, op, device string, err error) *Error {
	return &Error{Kind: kind, Op: op, Device: device, Err: err}
}

// IsKind reports whether err is a capture error of the given kind
func IsKind(err error, kind Kind) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}

// KindOf returns the kind of a capture error, or 0 for any other error
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return 0
}
