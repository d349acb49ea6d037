package allsky

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTakeImage(t *testing.T) {
	sim := newSimCamera()
	cam := newTestCamera(sim)

	before := time.Now().UTC()
	exp, err := cam.TakeImage(context.Background(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("TakeImage failed: %v", err)
	}

	if exp.Duration != 500*time.Millisecond {
		t.Errorf("applied exposure: got %v, want 500ms", exp.Duration)
	}
	if exp.Timestamp.Before(before) || exp.Timestamp.After(time.Now().UTC()) {
		t.Errorf("timestamp %v outside expected window", exp.Timestamp)
	}

	// 500ms = 5000 ticks of 100µs, sent high byte first after the
	// opcode, then the two fixed mode bytes.
	want := []byte{cmdTakeImage, 0x00, 0x13, 0x88, 0x00, 0x01}
	if len(sim.lastTakeCmd) != len(want) {
		t.Fatalf("take-image command: got % X, want % X", sim.lastTakeCmd, want)
	}
	for i := range want {
		if sim.lastTakeCmd[i] != want[i] {
			t.Fatalf("take-image command: got % X, want % X", sim.lastTakeCmd, want)
		}
	}
}

func TestTakeImage_DelayedMarkerWithinSlack(t *testing.T) {
	// The camera has roughly a second of hardware latency independent
	// of exposure length; the slack absorbs a marker that arrives well
	// after the nominal exposure time.
	sim := newSimCamera()
	sim.doneDelay = 300 * time.Millisecond
	cam := newTestCamera(sim) // 1s slack

	if _, err := cam.TakeImage(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("TakeImage failed: %v", err)
	}
}

func TestTakeImage_Timeout(t *testing.T) {
	// With zero slack and the marker delayed past the window the wait
	// must fail with a TimeoutError. The command is never re-issued.
	sim := newSimCamera()
	sim.doneDelay = time.Second
	cam := newTestCamera(sim)
	cam.exposureSlack = 0

	_, err := cam.TakeImage(context.Background(), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !IsTimeout(err) {
		t.Errorf("expected TimeoutError, got %T: %v", err, err)
	}
}

func TestTakeImage_ClampsToMaxExposure(t *testing.T) {
	sim := newSimCamera()
	cam := newTestCamera(sim)

	// Two hours is far beyond the camera's representable range; the
	// caller must be told the duration actually applied.
	exp, err := cam.TakeImage(context.Background(), 2*time.Hour)
	if err != nil {
		t.Fatalf("TakeImage failed: %v", err)
	}

	if exp.Duration != MaxExposure {
		t.Errorf("applied exposure: got %v, want %v", exp.Duration, MaxExposure)
	}

	// Tick bytes on the wire must be the clamped maximum, 0x63FFFF.
	want := []byte{cmdTakeImage, 0x63, 0xFF, 0xFF, 0x00, 0x01}
	for i := range want {
		if sim.lastTakeCmd[i] != want[i] {
			t.Fatalf("take-image command: got % X, want % X", sim.lastTakeCmd, want)
		}
	}
}

func TestTakeImage_ClampBeyondTickOverflow(t *testing.T) {
	sim := newSimCamera()
	cam := newTestCamera(sim)

	// A request past the 32-bit tick boundary (~5 days) must clamp to
	// the maximum like any other over-long request, not wrap to a
	// small tick count and silently arm a short exposure.
	exposure := time.Duration(int64(1)<<32+1000) * tickDuration
	exp, err := cam.TakeImage(context.Background(), exposure)
	if err != nil {
		t.Fatalf("TakeImage failed: %v", err)
	}

	if exp.Duration != MaxExposure {
		t.Errorf("applied exposure: got %v, want %v", exp.Duration, MaxExposure)
	}

	want := []byte{cmdTakeImage, 0x63, 0xFF, 0xFF, 0x00, 0x01}
	for i := range want {
		if sim.lastTakeCmd[i] != want[i] {
			t.Fatalf("take-image command: got % X, want % X", sim.lastTakeCmd, want)
		}
	}
}

func TestTakeImage_NegativeExposureRejected(t *testing.T) {
	sim := newSimCamera()
	cam := newTestCamera(sim)

	_, err := cam.TakeImage(context.Background(), -time.Second)
	if !errors.Is(err, ErrInvalidExposure) {
		t.Fatalf("expected ErrInvalidExposure, got %v", err)
	}
	if sim.lastTakeCmd != nil {
		t.Errorf("command % X was armed for a negative exposure", sim.lastTakeCmd)
	}
}

func TestAbortExposure(t *testing.T) {
	cam := newTestCamera(newSimCamera())

	if err := cam.AbortExposure(context.Background()); err != nil {
		t.Fatalf("AbortExposure failed: %v", err)
	}
}
