package allsky

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrClosed          = errors.New("camera is closed")
	ErrUnsupportedBaud = errors.New("unsupported baud rate")
	ErrAckMismatch     = errors.New("checksum acknowledgement mismatch")
	ErrShortReply      = errors.New("short reply from camera")
	ErrInvalidExposure = errors.New("invalid exposure duration")
)

// Internal handshake failures wrapped by ProtocolError.
var (
	errInitialCommsCheck = errors.New("initial communications test failed")
	errFinalCommsCheck   = errors.New("final communications test failed")
)

// ConnectionError indicates that the camera could not be reached at all:
// the serial device failed to open, or baud rate negotiation swept every
// candidate rate without establishing communication.
type ConnectionError struct {
	Device string // Serial device path, if known
	Err    error  // Underlying error
}

func (e *ConnectionError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("camera connection failed on %s: %v", e.Device, e.Err)
	}
	return fmt.Sprintf("camera connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError indicates an unexpected or mismatched acknowledgement or
// handshake byte. It is fatal for the operation that produced it; after a
// failed baud change the link is indeterminate and must be reopened.
type ProtocolError struct {
	Op  string // Operation that failed (e.g., "send command", "set baud rate")
	Err error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ChecksumError indicates that one image block could not be received
// intact within the retry budget. The transfer is aborted and any
// partial data discarded.
type ChecksumError struct {
	Block int // Zero-based index of the failing block
	Tries int // Number of attempts made
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("image block %d failed checksum after %d tries", e.Block, e.Tries)
}

// TimeoutError indicates that a blocking read exceeded its allotted
// window. Fatal for the exposure wait; re-issuing the take-image command
// mid-exposure is undefined behavior on the device.
type TimeoutError struct {
	Op      string        // Operation that timed out
	Timeout time.Duration // Window that elapsed
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Timeout)
}

// IsTimeout returns true if the error chain contains a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsChecksum returns true if the error chain contains a ChecksumError.
func IsChecksum(err error) bool {
	var ce *ChecksumError
	return errors.As(err, &ce)
}
