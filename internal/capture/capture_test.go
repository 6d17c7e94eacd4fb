package capture

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBufferRingConservationAfterMarkDoneAndRelease(t *testing.T) {
	r := newBufferRing(3)
	r.reset()
	if !r.conserved() {
		t.Fatal("expected conserved ring after reset")
	}

	r.markDone(0)
	if !r.conserved() {
		t.Fatal("expected conserved ring after markDone")
	}
	if r.FrontDone() != 0 {
		t.Fatalf("FrontDone() = %d, want 0", r.FrontDone())
	}

	idx, ok := r.release()
	if !ok || idx != 0 {
		t.Fatalf("release() = (%d, %v), want (0, true)", idx, ok)
	}
	if !r.conserved() {
		t.Fatal("expected conserved ring after release")
	}
	if r.HasDone() {
		t.Fatal("expected empty done queue after release")
	}
}

func TestBufferRingReleaseOnEmptyQueueIsNoop(t *testing.T) {
	r := newBufferRing(2)
	r.reset()
	_, ok := r.release()
	if ok {
		t.Fatal("expected release() on empty done queue to report ok=false")
	}
}

func TestBufferRingFIFOOrdering(t *testing.T) {
	r := newBufferRing(3)
	r.reset()
	r.markDone(2)
	r.markDone(0)
	r.markDone(1)

	for _, want := range []int{2, 0, 1} {
		idx, ok := r.release()
		if !ok || idx != want {
			t.Fatalf("release() = (%d, %v), want (%d, true)", idx, ok, want)
		}
	}
}

func TestSubsamplingControlValue(t *testing.T) {
	if subsamplingControlValue(444) != 0 {
		t.Fatal("expected 444 subsampling to map to control value 0")
	}
	if subsamplingControlValue(420) != 1 {
		t.Fatal("expected 420 subsampling to map to control value 1")
	}
	if subsamplingControlValue(999) != 1 {
		t.Fatal("expected unknown subsampling to default to 4:2:0")
	}
}

type fakeSignal struct {
	noSignal bool
	err      error
}

func (f fakeSignal) SignalStatus() (bool, error) { return f.noSignal, f.err }

func TestSignalStatusWithNoDeviceReportsNoSignal(t *testing.T) {
	s := &State{}
	noSignal, err := s.SignalStatus()
	if err != nil {
		t.Fatalf("SignalStatus() error = %v, want nil", err)
	}
	if !noSignal {
		t.Fatal("expected noSignal=true when no device is open")
	}
}

func TestScreenShotFallsBackToNoSignalImageOnError(t *testing.T) {
	dir := t.TempDir()
	noSignalPath := filepath.Join(dir, "nosignal.jpeg")
	if err := os.WriteFile(noSignalPath, []byte("NOSIGNAL"), 0644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "out.jpeg")

	s := &State{}
	sig := fakeSignal{err: os.ErrClosed}
	if err := s.ScreenShot(dst, sig, false, noSignalPath, filepath.Join(dir, "poweroff.jpeg")); err != nil {
		t.Fatalf("ScreenShot() error = %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "NOSIGNAL" {
		t.Fatalf("screenshot bytes = %q, want NOSIGNAL", got)
	}
}

func TestScreenShotUsesPowerOffImageWhenHostOff(t *testing.T) {
	dir := t.TempDir()
	noSignalPath := filepath.Join(dir, "nosignal.jpeg")
	powerOffPath := filepath.Join(dir, "poweroff.jpeg")
	os.WriteFile(noSignalPath, []byte("NOSIGNAL"), 0644)
	os.WriteFile(powerOffPath, []byte("POWEROFF"), 0644)
	dst := filepath.Join(dir, "out.jpeg")

	s := &State{}
	sig := fakeSignal{noSignal: true}
	if err := s.ScreenShot(dst, sig, true, noSignalPath, powerOffPath); err != nil {
		t.Fatalf("ScreenShot() error = %v", err)
	}

	got, _ := os.ReadFile(dst)
	if string(got) != "POWEROFF" {
		t.Fatalf("screenshot bytes = %q, want POWEROFF", got)
	}
}

func TestScreenShotUsesNoSignalImageWhenHostOn(t *testing.T) {
	dir := t.TempDir()
	noSignalPath := filepath.Join(dir, "nosignal.jpeg")
	powerOffPath := filepath.Join(dir, "poweroff.jpeg")
	os.WriteFile(noSignalPath, []byte("NOSIGNAL"), 0644)
	os.WriteFile(powerOffPath, []byte("POWEROFF"), 0644)
	dst := filepath.Join(dir, "out.jpeg")

	s := &State{}
	sig := fakeSignal{noSignal: true}
	if err := s.ScreenShot(dst, sig, false, noSignalPath, powerOffPath); err != nil {
		t.Fatalf("ScreenShot() error = %v", err)
	}

	got, _ := os.ReadFile(dst)
	if string(got) != "NOSIGNAL" {
		t.Fatalf("screenshot bytes = %q, want NOSIGNAL", got)
	}
}
