package session

import "errors"

// ErrorKind classifies an error originating from the session manager.
type ErrorKind int

const (
	// ErrLoadTimeout: the producer did not emit within the configured
	// sessionLoadTimeout. The Ref is evicted.
	ErrLoadTimeout ErrorKind = iota
	// ErrLoadFailed: the producer emitted an error. The Ref is evicted and
	// the current loaded session, if any, is closed.
	ErrLoadFailed
	// ErrHandlerFailed: an event handler returned an error. Always local,
	// never propagated past the event bus.
	ErrHandlerFailed
	// ErrOperatorFailed: the write-through to the device operator failed.
	// Surfaced to the caller of Compute; the Ref is still evicted.
	ErrOperatorFailed
	// ErrRemoteUnavailable: a cluster contract call failed. Swallowed on
	// non-authoritative queries, surfaced on authoritative eviction.
	ErrRemoteUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case ErrLoadTimeout:
		return "load timeout"
	case ErrLoadFailed:
		return "load failed"
	case ErrHandlerFailed:
		return "handler failed"
	case ErrOperatorFailed:
		return "operator failed"
	case ErrRemoteUnavailable:
		return "remote unavailable"
	default:
		return "unknown error kind"
	}
}

// Error wraps an underlying cause with the ErrorKind the manager uses to
// decide propagation and eviction policy.
type Error struct {
	Kind    ErrorKind
	DevID   string
	Cause   error
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.DevID != "" {
		return e.Kind.String() + " [" + e.DevID + "]: " + msg
	}
	return e.Kind.String() + ": " + msg
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, devID string, cause error) *Error {
	return &Error{Kind: kind, DevID: devID, Cause: cause}
}

// errIsKind reports whether err (or something it wraps) is a *Error of the
// given kind.
func errIsKind(err error, kind ErrorKind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// IsLoadTimeout reports whether err is (or wraps) an ErrLoadTimeout.
func IsLoadTimeout(err error) bool { return errIsKind(err, ErrLoadTimeout) }

// IsLoadFailed reports whether err is (or wraps) an ErrLoadFailed.
func IsLoadFailed(err error) bool { return errIsKind(err, ErrLoadFailed) }

// IsOperatorFailed reports whether err is (or wraps) an ErrOperatorFailed.
func IsOperatorFailed(err error) bool { return errIsKind(err, ErrOperatorFailed) }

// IsRemoteUnavailable reports whether err is (or wraps) an ErrRemoteUnavailable.
func IsRemoteUnavailable(err error) bool { return errIsKind(err, ErrRemoteUnavailable) }
