package dvc

import (
	"errors"
	"fmt"
	"syscall"
)

// Errors returned while decoding and reassembling fragments.
var (
	// ErrMalformedFragment is returned when a read yields fewer bytes than a header.
	ErrMalformedFragment = errors.New("dvc: malformed fragment")
	// ErrUnsupportedFlags is returned when a header carries a flag combination
	// outside ONLY, FIRST, MIDDLE and LAST, or one the reassembly mode rejects.
	ErrUnsupportedFlags = errors.New("dvc: unsupported fragment flags")
	// ErrLengthMismatch is returned when the accumulated payload length differs
	// from the length declared by the terminal fragment.
	ErrLengthMismatch = errors.New("dvc: inconsistent message length")
	// ErrUnexpectedFragment is returned in strict ordering mode when a fragment
	// arrives out of the FIRST, MIDDLE..., LAST sequence.
	ErrUnexpectedFragment = errors.New("dvc: unexpected fragment order")
	// ErrMessageTooLarge is returned when a message exceeds a configured limit.
	ErrMessageTooLarge = errors.New("dvc: message too large")
)

// Errors returned by the transport adapter and channel.
var (
	// ErrTransportFailure matches every *TransportError.
	ErrTransportFailure = errors.New("dvc: transport failure")
	// ErrPending is returned by AsyncFile.Submit when the operation has been
	// accepted but has not completed yet.
	ErrPending = errors.New("dvc: operation pending")
	// ErrTimeout is returned by AsyncFile.Wait when the bounded wait expires.
	ErrTimeout = errors.New("dvc: wait timed out")
	// ErrBusy is returned when an operation context is still in flight.
	ErrBusy = errors.New("dvc: operation context busy")
	// ErrChannelClosed is returned when operating on a closed channel.
	ErrChannelClosed = errors.New("dvc: channel closed")
)

// TransportError reports a failed submission or completion wait.
type TransportError struct {
	Op   string    // "submit" or "wait"
	Dir  Direction // direction of the failed operation
	Code syscall.Errno
	Err  error
}

func newTransportError(op string, dir Direction, err error) *TransportError {
	te := &TransportError{Op: op, Dir: dir, Err: err}
	errors.As(err, &te.Code)
	return te
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("dvc: %s %s failed (status %d): %v", e.Dir, e.Op, uintptr(e.Code), e.Err)
	}
	return fmt.Sprintf("dvc: %s %s failed: %v", e.Dir, e.Op, e.Err)
}

// Unwrap exposes both ErrTransportFailure and the underlying cause.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransportFailure, e.Err}
}

// Timeout reports whether the failure was a bounded wait expiring.
func (e *TransportError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}

// errorKind names the taxonomy bucket of err for metrics and logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedFragment):
		return "malformed_fragment"
	case errors.Is(err, ErrUnsupportedFlags):
		return "unsupported_flags"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, ErrUnexpectedFragment):
		return "unexpected_fragment"
	case errors.Is(err, ErrMessageTooLarge):
		return "message_too_large"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransportFailure):
		return "transport_failure"
	default:
		return "other"
	}
}
