// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bin

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = bin.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// The error kinds used throughout the client. The disposition of each kind is
// fixed: Transport errors are retried by the runner, Handshake errors tear the
// session down, and everything else is surfaced to the caller of the specific
// handle operation that failed.
const (
	// ErrTransport indicates TCP/TLS/WebSocket I/O failure.
	ErrTransport = ErrorKind("transport failure")
	// ErrHandshake indicates the server rejected authentication. Fatal.
	ErrHandshake = ErrorKind("handshake rejected")
	// ErrTimeout indicates a bounded operation expired.
	ErrTimeout = ErrorKind("operation timed out")
	// ErrValidation indicates caller input was rejected before any frame
	// was sent.
	ErrValidation = ErrorKind("invalid input")
	// ErrServerReject indicates the server refused a trade or query.
	ErrServerReject = ErrorKind("server rejected request")
	// ErrDuplicateRequest indicates the idempotency check flagged a
	// recent identical trade.
	ErrDuplicateRequest = ErrorKind("duplicate request")
	// ErrConnectionLost indicates the link dropped while an operation was
	// outstanding.
	ErrConnectionLost = ErrorKind("connection lost")
	// ErrInternal indicates a violated invariant, e.g. a channel closed
	// unexpectedly or a decode failure where one should not be possible.
	ErrInternal = ErrorKind("internal error")
)

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message
// with the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps the provided Error with details in a Error, facilitating the
// use of errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}
