package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrNotFound is returned when no transfer with the given id is queued.
	ErrNotFound = errors.New("transfer not found")

	// ErrNotResumable is returned when resuming a transfer that is not paused.
	ErrNotResumable = errors.New("transfer is not resumable")

	// ErrIllegalTransition is returned when a state change is not a legal edge.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// DuplicateTransferError is returned when adding a transfer whose id is
// already queued.
type DuplicateTransferError struct {
	ID string
}

func (e *DuplicateTransferError) Error() string {
	return fmt.Sprintf("transfer %s already exists", e.ID)
}

// ExecutorUnavailableError is reported when the delegate has no executor for
// a transfer that needs one. It is fatal for that transfer only.
type ExecutorUnavailableError struct {
	ID        string
	Direction Direction
}

func (e *ExecutorUnavailableError) Error() string {
	return fmt.Sprintf("no %s executor available for transfer %s", e.Direction, e.ID)
}

// TransientTransferError marks a failure that is worth retrying, such as
// network resets, timeouts, throttling and 5xx responses.
type TransientTransferError struct {
	Operation  string // The operation that failed (e.g., "put_block", "get_range")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *TransientTransferError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient error during %s (HTTP %d): %v", e.Operation, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("transient error during %s: %v", e.Operation, e.Err)
}

func (e *TransientTransferError) Unwrap() error {
	return e.Err
}

// TerminalTransferError marks a failure that retrying cannot fix, such as
// authorization failures or missing objects.
type TerminalTransferError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *TerminalTransferError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("terminal error during %s (HTTP %d): %v", e.Operation, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("terminal error during %s: %v", e.Operation, e.Err)
}

func (e *TerminalTransferError) Unwrap() error {
	return e.Err
}

// RetriesExhaustedError is recorded on a transfer whose transient failures
// exceeded the configured attempt budget.
type RetriesExhaustedError struct {
	ID       string
	Attempts int
	Err      error // last transient error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("transfer %s failed after %d attempts: %v", e.ID, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// recordedError is the error restored from a persisted record. Only the
// message survives a restart.
type recordedError struct {
	msg string
}

func (e *recordedError) Error() string {
	return e.msg
}

// Transient wraps err as a TransientTransferError.
func Transient(op string, err error) error {
	return &TransientTransferError{Operation: op, Err: err}
}

// Terminal wraps err as a TerminalTransferError.
func Terminal(op string, err error) error {
	return &TerminalTransferError{Operation: op, Err: err}
}

// IsTransient reports whether err should be retried. An explicit terminal
// classification anywhere in the chain wins over a transient one.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var (
		terminal  *TerminalTransferError
		exhausted *RetriesExhaustedError
		transient *TransientTransferError
	)

	switch {
	case errors.As(err, &terminal), errors.As(err, &exhausted):
		return false
	case errors.As(err, &transient):
		return true
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
