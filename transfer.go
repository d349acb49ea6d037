package allsky

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// At full frame the camera returns image data in blocks of 4096 pixels,
// two bytes per pixel, each followed by a one-byte XOR checksum.
const (
	blockPixels    = 4096
	blockTries     = 10
	blocksPerFrame = ImageWidth * ImageHeight / blockPixels
)

// transferTimeout returns the read window for nbytes of block data,
// scaled from the current line speed with a 1.5x slack factor.
func transferTimeout(baudRate, nbytes int) time.Duration {
	seconds := float64(baudRate) / (float64(nbytes) * 8) * 1.5
	return time.Duration(seconds * float64(time.Second))
}

// TransferImage fetches the image taken by the last exposure from the
// camera as raw pixel bytes, always ImageWidth*ImageHeight*PixelSize
// long.
//
// The transfer is strictly lock-step: the camera resends a block on a
// checksum-error signal and advances only on an OK signal. A block that
// fails too many times aborts the whole transfer with a ChecksumError;
// partial data is discarded, there is no resume.
//
// If progress is non-nil it is called synchronously after every accepted
// block with the percentage complete, from above 0 up to exactly 100. It
// must return promptly: the camera is waiting for the next signal.
func (c *Camera) TransferImage(ctx context.Context, progress func(percent float64)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if err := c.sendCommand([]byte{cmdXferImage}); err != nil {
		return nil, &ProtocolError{Op: "begin transfer", Err: err}
	}

	data := make([]byte, 0, ImageWidth*ImageHeight*PixelSize)
	for block := 0; block < blocksPerFrame; block++ {
		blockData, err := c.transferBlock(ctx, block)
		if err != nil {
			return nil, err
		}
		data = append(data, blockData...)

		glog.V(1).Infof("received block %d of %d", block+1, blocksPerFrame)
		if progress != nil {
			progress(float64(block+1) / blocksPerFrame * 100)
		}
	}

	glog.V(1).Info("image download complete")
	return data, nil
}

// transferBlock receives one image block, retrying on short reads and
// checksum mismatches up to the try budget. On retry a checksum-error
// signal tells the camera to resend the same block. When the budget is
// exhausted a stop signal aborts the transfer on the camera side.
func (c *Camera) transferBlock(ctx context.Context, block int) ([]byte, error) {
	nbytes := blockPixels * PixelSize

	for try := 0; try < blockTries; try++ {
		if ctx != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		glog.V(1).Infof("block %d: try %d", block, try)

		if try > 0 {
			if err := c.tx([]byte{sigChecksumError}); err != nil {
				return nil, err
			}
		}

		timeout := transferTimeout(c.baudRate, nbytes)
		data, err := c.rx(ctx, nbytes, timeout)
		if err != nil {
			return nil, err
		}
		csumByte, err := c.rx(ctx, 1, defaultTimeout)
		if err != nil {
			return nil, err
		}

		if len(data) != nbytes || len(csumByte) != 1 {
			glog.V(1).Infof("block %d: short read, %d of %d bytes", block, len(data), nbytes)
			continue
		}

		csum := blockChecksum(data)
		glog.V(2).Infof("block %d: checksum camera %02X calculated %02X", block, csumByte[0], csum)

		// The debug bypass accepts the block without validating, but
		// still acknowledges it so the camera-side handshake is
		// indistinguishable from a normal accept.
		if c.skipBlockChecksum || csum == csumByte[0] {
			if err := c.tx([]byte{sigChecksumOK}); err != nil {
				return nil, err
			}
			return data, nil
		}
	}

	glog.Errorf("block %d: retries exhausted, aborting transfer", block)
	if err := c.tx([]byte{sigStopTransfer}); err != nil {
		return nil, err
	}
	return nil, &ChecksumError{Block: block, Tries: blockTries}
}
