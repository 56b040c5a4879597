package usrsock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	ErrPoolExhausted = fmt.Errorf("usrsock: connection pool exhausted: %w", unix.EBUSY)
	ErrNoCallbacks   = fmt.Errorf("usrsock: no free event callbacks: %w", unix.EBUSY)
	ErrNotCompleted  = errors.New("usrsock: request has not completed")
	ErrStaleReply    = errors.New("usrsock: reply to a request that is no longer outstanding")
)

// ResultWouldBlock is the result a pending request carries until the daemon answers.
const ResultWouldBlock = -int32(unix.EAGAIN)

// ResultError converts a daemon result code into an error. Non-negative codes are successes.
func ResultError(code int32) error {
	if code >= 0 {
		return nil
	}
	return unix.Errno(-code)
}

// ErrnoResult is the inverse of ResultError for a single errno.
func ErrnoResult(errno unix.Errno) int32 { return -int32(errno) }

// InvariantError is the panic value raised when a caller breaks a contract that indicates a bug
// rather than a runtime condition, e.g. freeing a referenced connection.
type InvariantError struct {
	Op  string
	Msg string
}

func (e *InvariantError) Error() string { return "usrsock: " + e.Op + ": " + e.Msg }

func assertf(cond bool, op string, format string, args ...interface{}) {
	if !cond {
		panic(&InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)})
	}
}
