package smb

import (
	"errors"
	"fmt"

	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// Common SMB errors
var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrAccessDenied     = errors.New("access denied")
	ErrNotFound         = errors.New("object not found")
	ErrAlreadyExists    = errors.New("object already exists")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotConnected     = errors.New("not connected")
	ErrSessionExpired   = errors.New("session expired")
	ErrBadNetworkName   = errors.New("bad network name")
	ErrNotSupported     = errors.New("operation not supported")
	ErrPathNotCovered   = errors.New("path not covered by this DFS target")

	// ErrCancelled is returned to a caller whose request was cancelled.
	ErrCancelled = errors.New("request cancelled")
	// ErrSignatureInvalid is returned when a response fails signature verification.
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrConnClosed is returned for requests on, or pending at the close of, a connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrInvalidState is returned when an operation is not allowed in the connection state.
	ErrInvalidState = errors.New("invalid connection state")
	// ErrNegotiation is returned when the server's NEGOTIATE answer fails validation.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrFrameTooLarge is returned for frames beyond the configured limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// StatusError is a response carrying a failing NT status.
type StatusError struct {
	Command   string
	Status    types.NTStatus
	MessageID uint64
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (mid %d): %s", e.Command, e.MessageID, e.Status)
}

// Is maps well-known statuses onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	return StatusToError(e.Status) == target
}

// StatusToError converts an NT status to the matching sentinel, or nil for
// statuses without one.
func StatusToError(status types.NTStatus) error {
	switch status {
	case types.StatusAccessDenied:
		return ErrAccessDenied
	case types.StatusNoSuchFile, types.StatusObjectNameNotFound, types.StatusObjectPathNotFound:
		return ErrNotFound
	case types.StatusObjectNameCollision:
		return ErrAlreadyExists
	case types.StatusLogonFailure, types.StatusAccountDisabled, types.StatusPasswordExpired:
		return ErrAuthFailed
	case types.StatusBadNetworkName:
		return ErrBadNetworkName
	case types.StatusNetworkSessionExpired, types.StatusUserSessionDeleted, types.StatusSMBBadUID:
		return ErrSessionExpired
	case types.StatusNotSupported:
		return ErrNotSupported
	case types.StatusInvalidParameter:
		return ErrInvalidParameter
	case types.StatusPathNotCovered:
		return ErrPathNotCovered
	case types.StatusCancelled:
		return ErrCancelled
	}
	return nil
}

// DecodeError is a response body that could not be parsed.
type DecodeError struct {
	Command   string
	MessageID uint64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s (mid %d): %v", e.Command, e.MessageID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TransportError is a failure of the underlying byte stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout phases
const (
	PhaseCredit   = "credit"
	PhaseResponse = "response"
)

// TimeoutError reports a request that gave up waiting.
type TimeoutError struct {
	Command   string
	MessageID uint64
	Phase     string
}

func (e *TimeoutError) Error() string {
	if e.Phase == PhaseCredit {
		return fmt.Sprintf("%s: timed out waiting for credits", e.Command)
	}
	return fmt.Sprintf("%s (mid %d): timed out waiting for %s", e.Command, e.MessageID, e.Phase)
}

// Timeout lets callers treat the error like a net.Error timeout.
func (e *TimeoutError) Timeout() bool { return true }

// IsTransportError reports whether err came from the byte stream.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, ErrConnClosed)
}
