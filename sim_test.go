package allsky

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// simCamera is a scripted stand-in for the device side of the protocol.
// It implements Transport, parsing the host's writes and queueing the
// camera's replies for the host to read back.
type simCamera struct {
	mu sync.Mutex

	out     bytes.Buffer // bytes waiting for the host
	baud    int
	baudLog []int
	closed  bool

	// respondRates restricts the rates at which the communications test
	// succeeds. Nil means every rate works.
	respondRates map[int]bool

	// flakyRate passes the communications test exactly once, then goes
	// silent. Used to prove a single success is not trusted.
	flakyRate  int
	flakyUsed  bool
	commsCount int

	// exposure behavior
	doneDelay   time.Duration // delay before the done marker appears
	neverDone   bool          // suppress the done marker entirely
	lastTakeCmd []byte

	// transfer behavior
	blocks       [][]byte                  // block payloads, without checksums
	corrupt      func(block, try int) bool // flip the checksum for this attempt
	truncate     func(block, try int) bool // deliver a short block for this attempt
	curBlock     int
	tries        map[int]int
	stopped      bool
	transferring bool
}

func newSimCamera() *simCamera {
	return &simCamera{tries: make(map[int]int)}
}

// fullFrame populates the simulator with a complete 75-block frame of
// deterministic pixel data.
func (s *simCamera) fullFrame() {
	s.blocks = make([][]byte, blocksPerFrame)
	for i := range s.blocks {
		block := make([]byte, blockPixels*PixelSize)
		for j := range block {
			block[j] = byte(i + j)
		}
		s.blocks[i] = block
	}
}

func (s *simCamera) respondsAt(rate int) bool {
	if rate == s.flakyRate {
		if s.flakyUsed {
			return false
		}
		s.flakyUsed = true
		return true
	}
	if s.respondRates == nil {
		return true
	}
	return s.respondRates[rate]
}

func (s *simCamera) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

func (s *simCamera) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Bare single-byte block-transfer signals carry no checksum.
	if s.transferring && len(p) == 1 {
		switch p[0] {
		case sigChecksumOK:
			s.curBlock++
			if s.curBlock < len(s.blocks) {
				s.queueBlock()
			} else {
				s.transferring = false
			}
			return 1, nil
		case sigChecksumError:
			s.tries[s.curBlock]++
			s.queueBlock()
			return 1, nil
		case sigStopTransfer:
			s.stopped = true
			s.transferring = false
			return 1, nil
		}
	}

	// Baud-change handshake tokens arrive without a checksum.
	if bytes.Equal(p, []byte("Test")) || bytes.Equal(p, []byte("k")) {
		return len(p), nil
	}

	if len(p) < 2 {
		return len(p), nil
	}
	command, csum := p[:len(p)-1], p[len(p)-1]
	if commandChecksum(command) != csum {
		return len(p), nil
	}

	switch command[0] {
	case cmdComTest:
		s.commsCount++
		if s.respondsAt(s.baud) {
			s.out.WriteByte(csum)
			s.out.WriteByte(replyCommsOK)
		}
	case cmdFirmwareVersion:
		s.out.WriteByte(csum)
		s.out.Write([]byte{0x01, 30}) // R1.30
	case cmdSerialNumber:
		s.out.WriteByte(csum)
		s.out.Write([]byte("SN1234567"))
	case cmdTakeImage:
		s.lastTakeCmd = append([]byte{}, command...)
		s.out.WriteByte(csum)
		if !s.neverDone {
			if s.doneDelay == 0 {
				s.out.WriteByte(markerDone)
			} else {
				time.AfterFunc(s.doneDelay, func() {
					s.mu.Lock()
					defer s.mu.Unlock()
					s.out.WriteByte(markerDone)
				})
			}
		}
	case cmdXferImage:
		s.out.WriteByte(csum)
		s.curBlock = 0
		s.tries = make(map[int]int)
		s.transferring = true
		s.queueBlock()
	case cmdCalibrateGuider, cmdAutoGuide:
		s.out.WriteByte(csum)
		s.out.Write([]byte("guider data"))
		s.out.WriteByte(guiderTerminator)
	default:
		// Shutter, heater, abort and baud select commands just ack.
		s.out.WriteByte(csum)
	}

	return len(p), nil
}

func (s *simCamera) queueBlock() {
	if s.curBlock >= len(s.blocks) {
		return
	}
	block := s.blocks[s.curBlock]
	try := s.tries[s.curBlock]

	if s.truncate != nil && s.truncate(s.curBlock, try) {
		s.out.Write(block[:len(block)/2])
		return
	}

	csum := blockChecksum(block)
	if s.corrupt != nil && s.corrupt(s.curBlock, try) {
		csum ^= 0xFF
	}
	s.out.Write(block)
	s.out.WriteByte(csum)
}

func (s *simCamera) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *simCamera) SetReadTimeout(timeout time.Duration) error {
	return nil
}

func (s *simCamera) SetBaudRate(rate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baud = rate
	s.baudLog = append(s.baudLog, rate)
	return nil
}

func (s *simCamera) Flush() error {
	return nil
}

// newTestCamera wires a Camera directly to a simulator, bypassing
// autobaud, for tests that exercise a single operation.
func newTestCamera(sim *simCamera) *Camera {
	sim.baud = 115200
	return &Camera{
		transport:     sim,
		baudRate:      115200,
		exposureSlack: time.Second,
	}
}
