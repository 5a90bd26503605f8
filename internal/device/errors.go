// internal/device/errors.go
package device

import (
	"errors"
	"fmt"
)

// TransportError wraps an I/O failure on the serial link.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or out-of-sequence frame.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// EncryptionError reports a key-exchange or payload-cipher failure.
type EncryptionError struct {
	Stage string
	Err   error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption error during %s: %v", e.Stage, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// TimeoutError reports that no response arrived within the deadline, or that
// a queued command expired before it could be dispatched.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s", e.Op)
}

// StateConflictError reports a command that is not valid in the current
// device state. It is returned synchronously and never retried.
type StateConflictError struct {
	State   DeviceState
	Command CommandOp
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("command %s not valid in state %s", e.Command, e.State)
}

// DeviceUnavailableError reports a command submitted for a device whose
// session is offline, failed, or terminated.
type DeviceUnavailableError struct {
	DeviceID string
	Reason   string
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("device %s unavailable: %s", e.DeviceID, e.Reason)
}

// IsStateConflict reports whether err is a StateConflictError.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

// IsUnavailable reports whether err is a DeviceUnavailableError.
func IsUnavailable(err error) bool {
	var du *DeviceUnavailableError
	return errors.As(err, &du)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var to *TimeoutError
	return errors.As(err, &to)
}
