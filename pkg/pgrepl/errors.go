package pgrepl

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no further context.
var (
	// ErrEmptyWALData is returned when a WAL data message carries no
	// pgoutput payload.
	ErrEmptyWALData = errors.New("empty WAL data")
	// ErrEmptyCopyData is returned when a COPY payload is empty where
	// content was required.
	ErrEmptyCopyData = errors.New("empty COPY data")
	// ErrUnterminatedString is returned when a wire C-string is missing
	// its NUL terminator.
	ErrUnterminatedString = errors.New("unterminated string")
	// ErrInvalidAuthRequest is returned when an authentication request is
	// too short to carry its type code.
	ErrInvalidAuthRequest = errors.New("invalid authentication request")
	// ErrInvalidMD5AuthRequest is returned when an MD5 authentication
	// request is missing its salt.
	ErrInvalidMD5AuthRequest = errors.New("invalid MD5 authentication request")
	// ErrCopyModeNotStarted is returned when the server closes the stream
	// before acknowledging START_REPLICATION with CopyBothResponse.
	ErrCopyModeNotStarted = errors.New("failed to enter copy mode for replication")
	// ErrStreamTimedOut is returned when the replication stream times out
	// waiting for data.
	ErrStreamTimedOut = errors.New("replication stream timed out waiting for data")
	// ErrBackendKeyDataInvalid is returned when a BackendKeyData payload
	// is shorter than pid+secret.
	ErrBackendKeyDataInvalid = errors.New("invalid backend key data format")
	// ErrParameterStatusInvalid is returned when a ParameterStatus payload
	// cannot be split into a name/value pair.
	ErrParameterStatusInvalid = errors.New("invalid parameter status format")
)

// UnexpectedEOFError reports a short read while decoding a wire structure.
// Context names the structure that was being read.
type UnexpectedEOFError struct {
	Context string
}

func (e *UnexpectedEOFError) Error() string {
	return "unexpected end of data while reading " + e.Context
}

// AuthenticationError reports a failed or unsupported authentication
// exchange.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication error: " + e.Reason
}

// StartupError reports a server-side failure between authentication and
// ReadyForQuery.
type StartupError struct {
	Reason string
}

func (e *StartupError) Error() string {
	return "server startup failure: " + e.Reason
}

// CommandFailedError reports that the server rejected a replication command.
type CommandFailedError struct {
	Reason string
}

func (e *CommandFailedError) Error() string {
	return "replication command failed: " + e.Reason
}

// ProtocolViolationError reports a message that does not belong at the
// current point of the protocol.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return "replication protocol violation: " + e.Reason
}

// ParseValueError reports a column value that could not be decoded for its
// type OID. Cause, when set, preserves the underlying strconv/time/hex error.
type ParseValueError struct {
	Reason string
	Cause  error
}

func (e *ParseValueError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("value parse error: %s: %v", e.Reason, e.Cause)
	}
	return "value parse error: " + e.Reason
}

func (e *ParseValueError) Unwrap() error { return e.Cause }
