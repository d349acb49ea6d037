package allsky

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// The camera counts exposure time in 100µs ticks, up to a maximum
// representable value. Longer requests are clamped.
const (
	tickDuration     = 100 * time.Microsecond
	maxExposureTicks = 0x63FFFF
)

// MaxExposure is the longest exposure the camera can represent.
const MaxExposure = maxExposureTicks * tickDuration

// Exposure describes an exposure that was actually started.
type Exposure struct {
	// Timestamp is the UTC time at which the take-image command was
	// issued, not the time the exposure completed.
	Timestamp time.Time

	// Duration is the exposure applied by the camera. It differs from
	// the requested duration when the request exceeded MaxExposure.
	Duration time.Duration
}

// TakeImage runs an exposure of the CCD and blocks until the camera
// signals completion. The image stays in camera memory until fetched
// with TransferImage.
//
// The wait window is the exposure duration plus the configured slack;
// if the completion marker does not arrive in time a TimeoutError is
// returned. The command is never re-issued: re-arming mid-exposure is
// undefined behavior on the device.
func (c *Camera) TakeImage(ctx context.Context, exposure time.Duration) (Exposure, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Exposure{}, ErrClosed
	}

	// Clamp in 64 bits before narrowing: converting straight to uint32
	// would wrap requests past the 2^32 tick boundary down to a small
	// tick count.
	t := int64(exposure / tickDuration)
	if t < 0 {
		return Exposure{}, fmt.Errorf("%w: %v", ErrInvalidExposure, exposure)
	}
	if t > maxExposureTicks {
		t = maxExposureTicks
	}
	ticks := uint32(t)
	applied := time.Duration(ticks) * tickDuration

	// Opcode, tick count high byte first, then two fixed mode bytes.
	command := []byte{
		cmdTakeImage,
		byte(ticks >> 16), byte(ticks >> 8), byte(ticks),
		0x00, 0x01,
	}

	exp := Exposure{
		Timestamp: time.Now().UTC(),
		Duration:  applied,
	}

	glog.V(1).Infof("exposure begin: command % X", command)
	if err := c.sendCommand(command); err != nil {
		return Exposure{}, &ProtocolError{Op: "take image", Err: err}
	}

	timeout := applied + c.exposureSlack
	_, done, err := c.rxUntil(ctx, markerDone, timeout)
	if err != nil {
		return Exposure{}, err
	}
	if !done {
		return Exposure{}, &TimeoutError{Op: "exposure wait", Timeout: timeout}
	}

	glog.V(1).Info("exposure complete")
	return exp, nil
}

// AbortExposure cancels an exposure in progress.
func (c *Camera) AbortExposure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.sendCommand([]byte{cmdAbortImage}); err != nil {
		return &ProtocolError{Op: "abort exposure", Err: err}
	}
	return nil
}
