package allsky

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// baudTable maps the supported line speeds to the device's baud select
// commands, in ascending order. The table is never mutated at runtime.
var baudTable = []struct {
	rate int
	code []byte
}{
	{9600, []byte("B0")},
	{19200, []byte("B1")},
	{38400, []byte("B2")},
	{57600, []byte("B3")},
	{115200, []byte("B4")},
	{230400, []byte("B5")},
	{460800, []byte("B6")},
}

// autobaudExclude is the number of top-end rates skipped during
// negotiation. 230400 and 460800 are unreliable on the reference
// hardware, so they are never auto-selected.
const autobaudExclude = 2

// commsTimeout bounds each individual communications test exchange.
const commsTimeout = 100 * time.Millisecond

func baudCode(rate int) ([]byte, bool) {
	for _, entry := range baudTable {
		if entry.rate == rate {
			return entry.code, true
		}
	}
	return nil, false
}

// checkCommunications verifies the link with the communications test
// command. A single successful exchange is not trusted: stale bytes left
// over from a failed rate can coincidentally produce one false success,
// so at least requiredSuccesses passes out of count attempts are needed.
func (c *Camera) checkCommunications(ctx context.Context, count, requiredSuccesses int) bool {
	successes := 0

	for i := 0; i < count; i++ {
		if ctx != nil && ctx.Err() != nil {
			return false
		}
		glog.V(1).Infof("checking communications, try %d", i)

		if c.expect([]byte{cmdComTest}, []byte{replyCommsOK}, commsTimeout) {
			successes++
		}
		if successes >= requiredSuccesses {
			return true
		}
	}

	glog.V(1).Infof("communications test failed: successes=%d", successes)
	return false
}

// autobaud discovers the rate the camera is currently configured for by
// sweeping the candidate rates in ascending order, excluding the top
// two. The first rate that passes the communications check wins.
func (c *Camera) autobaud(ctx context.Context) bool {
	for _, entry := range baudTable[:len(baudTable)-autobaudExclude] {
		glog.V(1).Infof("testing baud rate %d", entry.rate)

		if err := c.transport.SetBaudRate(entry.rate); err != nil {
			glog.Errorf("set baud rate %d: %v", entry.rate, err)
			continue
		}
		if c.checkCommunications(ctx, 3, 2) {
			glog.Infof("autodetected baud rate %d", entry.rate)
			c.baudRate = entry.rate
			return true
		}
	}
	return false
}

// SetBaudRate switches the camera and the local port to a new line
// speed. The setting is stored in the camera's non-volatile memory, so
// it persists across power cycles.
//
// Only valid on an already-communicating link. On failure the link is
// left in an indeterminate state and the camera must be reopened.
func (c *Camera) SetBaudRate(ctx context.Context, rate int) error {
	code, ok := baudCode(rate)
	if !ok {
		return ErrUnsupportedBaud
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if !c.checkCommunications(ctx, 3, 2) {
		return &ProtocolError{Op: "set baud rate", Err: errInitialCommsCheck}
	}

	// Transmit the baud select command. The device does not echo the
	// usual checksum acknowledgement during this handshake, so the
	// command is sent raw and the reply drained.
	if err := c.tx(append(append([]byte{}, code...), commandChecksum(code))); err != nil {
		return &ProtocolError{Op: "set baud rate", Err: err}
	}
	c.drain(ctx)

	if err := c.transport.SetBaudRate(rate); err != nil {
		return &ProtocolError{Op: "set baud rate", Err: err}
	}
	c.drain(ctx)

	// The remainder of the handshake is two literal tokens with no
	// checksum, each followed by a drain of whatever the device sends.
	if err := c.tx([]byte("Test")); err != nil {
		return &ProtocolError{Op: "set baud rate", Err: err}
	}
	c.drain(ctx)

	if err := c.tx([]byte("k")); err != nil {
		return &ProtocolError{Op: "set baud rate", Err: err}
	}
	c.drain(ctx)

	// Re-verify at the new rate, being more liberal this time.
	if !c.checkCommunications(ctx, 10, 3) {
		return &ProtocolError{Op: "set baud rate", Err: errFinalCommsCheck}
	}

	c.baudRate = rate
	glog.Infof("baud rate changed to %d", rate)
	return nil
}

// drain reads and discards any stale bytes sitting in the link.
func (c *Camera) drain(ctx context.Context) {
	data, _ := c.rx(ctx, 100, defaultTimeout)
	if len(data) > 0 {
		glog.V(1).Infof("drained % X", data)
	}
}

// BaudRate returns the negotiated line speed.
func (c *Camera) BaudRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baudRate
}
