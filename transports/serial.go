// Package transports provides serial Transport implementations for the
// allsky camera driver, plus a mock for testing.
package transports

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialTransport implements the camera Transport using a hardware
// serial port via go.bug.st/serial.
type SerialTransport struct {
	port     serial.Port
	device   string
	baudRate int
	timeout  time.Duration
}

// SerialConfig holds configuration for opening a serial port.
type SerialConfig struct {
	Device   string
	BaudRate int
	Timeout  time.Duration
}

// OpenSerial opens a serial port with the given configuration. The
// camera link is always 8 data bits, no parity, one stop bit.
func OpenSerial(cfg SerialConfig) (*SerialTransport, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial device path is required")
	}

	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Millisecond
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &SerialTransport{
		port:     port,
		device:   cfg.Device,
		baudRate: cfg.BaudRate,
		timeout:  cfg.Timeout,
	}, nil
}

func (t *SerialTransport) Read(p []byte) (int, error) {
	return t.port.Read(p)
}

func (t *SerialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *SerialTransport) Close() error {
	return t.port.Close()
}

func (t *SerialTransport) SetReadTimeout(timeout time.Duration) error {
	t.timeout = timeout
	return t.port.SetReadTimeout(timeout)
}

// SetBaudRate changes the line speed without reopening the port.
func (t *SerialTransport) SetBaudRate(rate int) error {
	mode := &serial.Mode{
		BaudRate: rate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := t.port.SetMode(mode); err != nil {
		return fmt.Errorf("failed to set baud rate %d: %w", rate, err)
	}
	t.baudRate = rate
	return nil
}

func (t *SerialTransport) Flush() error {
	// Read and discard any buffered data
	buf := make([]byte, 4096)
	t.port.SetReadTimeout(10 * time.Millisecond)
	for {
		n, err := t.port.Read(buf)
		if n == 0 || err != nil {
			break
		}
	}
	// Restore original timeout
	t.port.SetReadTimeout(t.timeout)
	return nil
}

// Device returns the serial device path.
func (t *SerialTransport) Device() string {
	return t.device
}
