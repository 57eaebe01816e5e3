package bluetooth

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrAdapterNotPresent  = errors.New("adapter not present")
	ErrDiscoveryBusy      = errors.New("discovery request already pending")
	ErrNotDiscovering     = errors.New("no discovery session to remove")
	ErrSessionInactive    = errors.New("discovery session is not active")
	ErrDeviceRemoved      = errors.New("device removed")
	ErrAcceptInProgress   = errors.New("accept already in progress")
	ErrSocketClosed       = errors.New("socket closed")
	ErrSocketNotConnected = errors.New("socket not connected")
	ErrNotListening       = errors.New("socket is not listening")
)

// DaemonError is a named failure returned by the daemon.
type DaemonError struct {
	Name    string
	Message string
}

func (e *DaemonError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// NewDaemonError builds a DaemonError, mostly for transports and fakes.
func NewDaemonError(name, message string) error {
	return &DaemonError{Name: name, Message: message}
}

// ErrorName returns the daemon error name carried by err, or "" if err did
// not come from the daemon.
func ErrorName(err error) string {
	var de *DaemonError
	if errors.As(err, &de) {
		return de.Name
	}
	return ""
}

// ConnectErrorCode is the closed set of failures reported to connect and pair
// callers.
type ConnectErrorCode int

const (
	ConnectErrorUnknown ConnectErrorCode = iota
	ConnectErrorInProgress
	ConnectErrorFailed
	ConnectErrorAuthFailed
	ConnectErrorAuthCanceled
	ConnectErrorAuthRejected
	ConnectErrorAuthTimeout
	ConnectErrorUnsupportedDevice
)

func (c ConnectErrorCode) String() string {
	switch c {
	case ConnectErrorUnknown:
		return "Unknown"
	case ConnectErrorInProgress:
		return "InProgress"
	case ConnectErrorFailed:
		return "Failed"
	case ConnectErrorAuthFailed:
		return "AuthFailed"
	case ConnectErrorAuthCanceled:
		return "AuthCanceled"
	case ConnectErrorAuthRejected:
		return "AuthRejected"
	case ConnectErrorAuthTimeout:
		return "AuthTimeout"
	case ConnectErrorUnsupportedDevice:
		return "UnsupportedDevice"
	default:
		return fmt.Sprintf("ConnectErrorCode(%d)", int(c))
	}
}

// ConnectError is handed to the error callback of Connect and Pair.
type ConnectError struct {
	Code ConnectErrorCode
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return "connect failed: " + e.Code.String()
	}
	return fmt.Sprintf("connect failed: %s: %v", e.Code, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConnectErrorCodeOf extracts the code from err. Errors that are not a
// ConnectError map to ConnectErrorUnknown.
func ConnectErrorCodeOf(err error) ConnectErrorCode {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ConnectErrorUnknown
}

func connectError(err error) error {
	var code ConnectErrorCode
	switch ErrorName(err) {
	case BLUEZ_ERROR_FAILED:
		code = ConnectErrorFailed
	case BLUEZ_ERROR_IN_PROGRESS:
		code = ConnectErrorInProgress
	case BLUEZ_ERROR_NOT_SUPPORTED:
		code = ConnectErrorUnsupportedDevice
	default:
		code = ConnectErrorUnknown
	}
	return &ConnectError{Code: code, Err: err}
}

func pairError(err error) error {
	var code ConnectErrorCode
	switch ErrorName(err) {
	case BLUEZ_ERROR_CONNECTION_ATTEMPT_FAILED, BLUEZ_ERROR_FAILED:
		code = ConnectErrorFailed
	case BLUEZ_ERROR_IN_PROGRESS:
		code = ConnectErrorInProgress
	case BLUEZ_ERROR_AUTHENTICATION_FAILED:
		code = ConnectErrorAuthFailed
	case BLUEZ_ERROR_AUTHENTICATION_CANCELED:
		code = ConnectErrorAuthCanceled
	case BLUEZ_ERROR_AUTHENTICATION_REJECTED:
		code = ConnectErrorAuthRejected
	case BLUEZ_ERROR_AUTHENTICATION_TIMEOUT:
		code = ConnectErrorAuthTimeout
	case BLUEZ_ERROR_NOT_SUPPORTED:
		code = ConnectErrorUnsupportedDevice
	default:
		code = ConnectErrorUnknown
	}
	return &ConnectError{Code: code, Err: err}
}
