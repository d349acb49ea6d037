package allsky

import (
	"io"
	"time"
)

// Transport is the interface for byte-level communication with the
// camera. This abstraction allows for testing with mock implementations.
//
// The camera link is half-duplex and lock-step: a Transport is owned by
// exactly one Camera and is never accessed concurrently.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout sets the timeout for subsequent Read calls.
	SetReadTimeout(timeout time.Duration) error

	// SetBaudRate changes the line speed of the underlying port.
	SetBaudRate(rate int) error

	// Flush discards any buffered input data.
	Flush() error
}
