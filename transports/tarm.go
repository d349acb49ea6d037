package transports

import (
	"errors"
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// TarmTransport implements the camera Transport on github.com/tarm/serial.
// tarm fixes both the baud rate and the read timeout at open time, so
// changing either reopens the port with the updated configuration.
type TarmTransport struct {
	port *serial.Port
	cfg  serial.Config
}

// OpenTarm opens a serial port using the tarm/serial driver.
func OpenTarm(cfg SerialConfig) (*TarmTransport, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial device path is required")
	}

	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Millisecond
	}

	serialCfg := serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.Timeout,
	}

	port, err := serial.OpenPort(&serialCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	return &TarmTransport{port: port, cfg: serialCfg}, nil
}

func (t *TarmTransport) Read(p []byte) (int, error) {
	return t.port.Read(p)
}

func (t *TarmTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *TarmTransport) Close() error {
	return t.port.Close()
}

func (t *TarmTransport) SetReadTimeout(timeout time.Duration) error {
	if timeout == t.cfg.ReadTimeout {
		return nil
	}
	t.cfg.ReadTimeout = timeout
	return t.reopen()
}

func (t *TarmTransport) SetBaudRate(rate int) error {
	if rate == t.cfg.Baud {
		return nil
	}
	t.cfg.Baud = rate
	return t.reopen()
}

func (t *TarmTransport) Flush() error {
	return t.port.Flush()
}

func (t *TarmTransport) reopen() error {
	if err := t.port.Close(); err != nil {
		return err
	}
	port, err := serial.OpenPort(&t.cfg)
	if err != nil {
		return fmt.Errorf("failed to reopen serial port %s: %w", t.cfg.Name, err)
	}
	t.port = port
	return nil
}
