package proxy

import "errors"

var (
	// ErrBackpressureExceeded is raised when a bridge's pending-request map
	// is full; the offending request fails, the bridge stays usable.
	ErrBackpressureExceeded = errors.New("max pending requests exceeded")

	// ErrProtocolViolation marks a settle-response whose originating request
	// carries no payment id.
	ErrProtocolViolation = errors.New("settle response without payment id")

	// ErrUnknownAuthorization marks a settle-response whose payment id has no
	// pending authorization.
	ErrUnknownAuthorization = errors.New("unknown authorization id")

	// ErrSessionTerminated is returned when the upstream answers 404; the
	// transport also forgets any session id it held.
	ErrSessionTerminated = errors.New("session terminated (404). need to re-initialize")

	// ErrTransportClosed is returned by Send after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// Machine-readable codes for target-URL validation failures.
const (
	CodeInvalidURL      = "INVALID_URL"
	CodeInvalidProtocol = "INVALID_PROTOCOL"
	CodeMissingSession  = "MISSING_SESSION"
)

// ValidationError is a request rejection with a machine-readable code.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Message
}
