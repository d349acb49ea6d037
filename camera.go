// Package allsky controls the SBIG AllSky-340/340C CCD camera over a
// serial link. It negotiates the link speed, issues framed commands with
// a checksum acknowledgement, drives exposures to completion and streams
// images back as checksum-validated blocks with automatic retry.
//
// The protocol is half-duplex and lock-step: one command is outstanding
// at a time, and a Camera exclusively owns its serial port. Image
// post-processing and file encoding are out of scope; callers receive
// the raw pixel buffer and the exposure timestamp.
package allsky

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/badders/allsky/transports"
)

// Config holds configuration for opening a camera.
type Config struct {
	// Transport is the underlying communication transport.
	// If nil, Device must be specified to open a serial port.
	Transport Transport

	// Device is the serial device path (e.g., "/dev/ttyUSB0").
	// Ignored if Transport is provided.
	Device string

	// ExposureSlack is added to the exposure duration when waiting for
	// the completion marker. It absorbs the camera's hardware latency,
	// which is roughly one second regardless of exposure length.
	// Default is 5 seconds.
	ExposureSlack time.Duration

	// SkipBlockChecksum disables image block checksum validation.
	// Debug only: blocks are accepted unconditionally, though the OK
	// signal is still sent so the device-visible handshake is unchanged.
	SkipBlockChecksum bool
}

// Camera is the facade for one AllSky camera. It owns the Transport
// (and therefore the serial device handle) for its lifetime.
type Camera struct {
	transport Transport
	baudRate  int

	exposureSlack     time.Duration
	skipBlockChecksum bool

	mu     sync.Mutex
	closed bool
}

// Open connects to the camera and negotiates a working baud rate. The
// camera's rate survives power cycles and is not known a priori, so
// every open starts with an autobaud sweep. A ConnectionError is
// returned if the sweep exhausts all candidate rates.
func Open(cfg Config) (*Camera, error) {
	if cfg.ExposureSlack == 0 {
		cfg.ExposureSlack = 5 * time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		if cfg.Device == "" {
			return nil, errors.New("either Transport or Device must be specified")
		}
		var err error
		transport, err = transports.OpenSerial(transports.SerialConfig{
			Device:   cfg.Device,
			BaudRate: baudTable[0].rate,
			Timeout:  commsTimeout,
		})
		if err != nil {
			return nil, &ConnectionError{Device: cfg.Device, Err: err}
		}
	}

	c := &Camera{
		transport:         transport,
		exposureSlack:     cfg.ExposureSlack,
		skipBlockChecksum: cfg.SkipBlockChecksum,
	}

	if !c.autobaud(context.Background()) {
		transport.Close()
		return nil, &ConnectionError{Device: cfg.Device, Err: errors.New("baud rate autodetection failed")}
	}

	return c, nil
}

// Close closes the camera and releases the serial port.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.transport.Close()
}

// FirmwareVersion returns the camera firmware version in the format
// described in the manual, e.g. "R1.30" for release v1.30 or "T1.16"
// for test v1.16.
func (c *Camera) FirmwareVersion(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}

	if err := c.sendCommand([]byte{cmdFirmwareVersion}); err != nil {
		return "", &ProtocolError{Op: "firmware version", Err: err}
	}

	data, err := c.rx(ctx, 2, defaultTimeout)
	if err != nil {
		return "", err
	}
	if len(data) != 2 {
		return "", &ProtocolError{Op: "firmware version", Err: ErrShortReply}
	}

	versionType := "R"
	if data[0]&0x80 != 0 {
		versionType = "T"
	}
	return fmt.Sprintf("%s%d.%d", versionType, data[0]&0x7F, data[1]), nil
}

// SerialNumber returns the camera's serial number, a 9-byte string.
func (c *Camera) SerialNumber(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}

	if err := c.sendCommand([]byte{cmdSerialNumber}); err != nil {
		return "", &ProtocolError{Op: "serial number", Err: err}
	}

	data, err := c.rx(ctx, 9, defaultTimeout)
	if err != nil {
		return "", err
	}
	if len(data) != 9 {
		return "", &ProtocolError{Op: "serial number", Err: ErrShortReply}
	}

	return strings.TrimRight(string(data), "\x00"), nil
}

// OpenShutter opens the shutter, then de-energizes the shutter motor.
func (c *Camera) OpenShutter(ctx context.Context) error {
	return c.moveShutter(ctx, cmdOpenShutter)
}

// CloseShutter closes the shutter, then de-energizes the shutter motor.
func (c *Camera) CloseShutter(ctx context.Context) error {
	return c.moveShutter(ctx, cmdCloseShutter)
}

func (c *Camera) moveShutter(ctx context.Context, opcode byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.sendCommand([]byte{opcode}); err != nil {
		return &ProtocolError{Op: "move shutter", Err: err}
	}

	// Give the motor time to finish before cutting power.
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.sendCommand([]byte{cmdDeEnergize}); err != nil {
		return &ProtocolError{Op: "de-energize shutter", Err: err}
	}
	return nil
}

// ActivateHeater turns on the built-in heater.
func (c *Camera) ActivateHeater(ctx context.Context) error {
	return c.setHeater(true)
}

// DeactivateHeater turns off the built-in heater.
func (c *Camera) DeactivateHeater(ctx context.Context) error {
	return c.setHeater(false)
}

func (c *Camera) setHeater(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	state := byte(0x00)
	if on {
		state = 0x01
	}
	if err := c.sendCommand([]byte{cmdHeater, state}); err != nil {
		return &ProtocolError{Op: "set heater", Err: err}
	}
	return nil
}

// guiderTimeout bounds the guider operations, which run autonomously on
// the camera for minutes at a time.
const guiderTimeout = 240 * time.Second

// CalibrateGuider asks the camera to calibrate the guider and returns
// the calibration data it reports.
func (c *Camera) CalibrateGuider(ctx context.Context) ([]byte, error) {
	return c.guiderOp(ctx, cmdCalibrateGuider, "calibrate guider")
}

// AutonomousGuide begins the autonomous guiding process and returns the
// data the camera reports.
func (c *Camera) AutonomousGuide(ctx context.Context) ([]byte, error) {
	return c.guiderOp(ctx, cmdAutoGuide, "autonomous guide")
}

func (c *Camera) guiderOp(ctx context.Context, opcode byte, op string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if err := c.sendCommand([]byte{opcode}); err != nil {
		return nil, &ProtocolError{Op: op, Err: err}
	}

	data, found, err := c.rxUntil(ctx, guiderTerminator, guiderTimeout)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &TimeoutError{Op: op, Timeout: guiderTimeout}
	}
	return data, nil
}
