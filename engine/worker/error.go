package worker

import "fmt"

// Error tags a job failure with a kind for metrics and a retry decision.
// Anything that is not an *Error is treated as retryable transient I/O.
type Error struct {
	Kind      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps a transient failure; the message is NAK'd up to the
// delivery cap.
func Retryable(kind string, err error) *Error {
	return &Error{Kind: kind, Retryable: true, Err: err}
}

// Fatal wraps a protocol or data failure that redelivery cannot fix; the
// message is ACK'd to drop it.
func Fatal(kind string, err error) *Error {
	return &Error{Kind: kind, Retryable: false, Err: err}
}

// IsRetryable reports the retry decision for a handler error.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return true
}

// KindOf returns the metric kind tag for a handler error.
func KindOf(err error) string {
	if e, ok := err.(*Error); ok && e.Kind != "" {
		return e.Kind
	}
	return "Exception"
}
