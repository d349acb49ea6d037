package allsky

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"
)

// Command opcodes per the AllSky-340 serial protocol. Every command is
// transmitted as the opcode (plus payload, if any) followed by its
// one-byte checksum.
const (
	cmdComTest         byte = 'E' // communications test
	cmdOpenShutter     byte = 'O'
	cmdCloseShutter    byte = 'C'
	cmdDeEnergize      byte = 'K' // de-energize shutter motor
	cmdHeater          byte = 'g' // payload 0x01 on, 0x00 off
	cmdFirmwareVersion byte = 'V'
	cmdSerialNumber    byte = 'r'
	cmdTakeImage       byte = 'T'
	cmdAbortImage      byte = 'A'
	cmdXferImage       byte = 'X'
	cmdCalibrateGuider byte = 'H'
	cmdAutoGuide       byte = 'I'
)

// Block-transfer signal bytes. These are sent bare, without a checksum.
const (
	sigChecksumOK    byte = 'K'
	sigChecksumError byte = 'R'
	sigStopTransfer  byte = 'S'
)

const (
	replyCommsOK     byte = 'O'  // reply to a successful communications test
	markerDone       byte = 'D'  // exposure completion marker
	guiderTerminator byte = 0x1A // terminates guider replies
)

// Sensor geometry. The raw image buffer returned by TransferImage is
// always ImageWidth * ImageHeight * PixelSize bytes.
const (
	ImageWidth  = 640
	ImageHeight = 480
	PixelSize   = 2
)

// defaultTimeout bounds the short reads used for command
// acknowledgements and drains.
const defaultTimeout = 500 * time.Millisecond

// tx writes data to the camera, failing on an incomplete write.
func (c *Camera) tx(data []byte) error {
	n, err := c.transport.Write(data)
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(data))
	}
	return nil
}

// rx reads up to nbytes from the camera, accumulating until the timeout
// elapses. A short result is not an error; callers must check the
// length. The error return is reserved for context cancellation and hard
// transport failures.
func (c *Camera) rx(ctx context.Context, nbytes int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, nbytes)
	total := 0
	deadline := time.Now().Add(timeout)

	for total < nbytes {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return buf[:total], ctx.Err()
			default:
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		c.transport.SetReadTimeout(remaining)

		n, err := c.transport.Read(buf[total:])
		total += n
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				// Hard transport failure, e.g. the port went away.
				// io.EOF just means nothing is buffered yet.
				return buf[:total], err
			}
			if err != nil && total > 0 {
				// Device went quiet mid-reply; hand back what arrived.
				break
			}
			// Nothing available yet, poll again until the deadline.
			time.Sleep(time.Millisecond)
		}
	}

	return buf[:total], nil
}

// rxUntil reads single bytes until terminator is seen or the timeout
// elapses. The terminator itself is excluded from the result. The
// boolean reports whether the terminator was actually received.
func (c *Camera) rxUntil(ctx context.Context, terminator byte, timeout time.Duration) ([]byte, bool, error) {
	var data []byte
	deadline := time.Now().Add(timeout)
	one := make([]byte, 1)

	for {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return data, false, ctx.Err()
			default:
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return data, false, nil
		}
		c.transport.SetReadTimeout(remaining)

		n, _ := c.transport.Read(one)
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		if one[0] == terminator {
			return data, true, nil
		}
		data = append(data, one[0])
	}
}

// sendCommand frames a command with its checksum, transmits it and
// verifies the camera's acknowledgement: the device echoes the checksum
// byte it received. Any mismatch, including a short or absent read, is a
// failure. This layer does not retry; retry policy belongs to callers.
func (c *Camera) sendCommand(command []byte) error {
	csum := commandChecksum(command)

	if err := c.tx(append(append([]byte{}, command...), csum)); err != nil {
		return err
	}

	ack, err := c.rx(nil, 1, defaultTimeout)
	if err != nil {
		return err
	}
	if len(ack) != 1 || ack[0] != csum {
		glog.Errorf("command % X csum %02X ack % X", command, csum, ack)
		return ErrAckMismatch
	}
	return nil
}

// expect sends a framed command and checks that the tail of everything
// read within the timeout equals checksum||reply. Used only during
// communications verification, never in normal operation.
func (c *Camera) expect(command, reply []byte, timeout time.Duration) bool {
	csum := commandChecksum(command)
	want := append([]byte{csum}, reply...)

	glog.V(2).Infof("expect: tx % X", append(append([]byte{}, command...), csum))
	if err := c.tx(append(append([]byte{}, command...), csum)); err != nil {
		glog.V(2).Infof("expect: tx failed: %v", err)
		return false
	}

	data, err := c.rx(nil, len(want)*10, timeout)
	if err != nil {
		return false
	}
	glog.V(2).Infof("expect: rx % X want tail % X", data, want)

	return bytes.HasSuffix(data, want)
}
