// Package capture implements the V4L2 streaming capture engine: device
// open/format negotiation, the mmap buffer ring, DV-timings resize, and
// JPEG/RGB24 frame delivery to the RFB Server Adapter.
package capture

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/openbmc-ikvm/ikvmd/internal/logging"
	"golang.org/x/sys/unix"
)

var log = logging.L("capture")

// Frame format values, matching the vendor JPEG flavor negotiated with the
// capture hardware.
const (
	FormatStandardJPEG = 0
	FormatReserved     = 1
	FormatPartialJPEG  = 2
)

// Raw V4L2 pixel format fourccs, exported so the RFB Server Adapter can
// switch on State.PixelFormat() without importing unexported constants.
const (
	PixelFormatJPEG  = v4l2PixFmtJPEG
	PixelFormatRGB24 = v4l2PixFmtRGB24
)

const (
	minRequestedBuffers  = 3
	dequeueSelectTimeout = time.Second
)

// Waker sends the HID wake-up packet that primes the remote input path
// before the video stream opens. Satisfied by *hidrelay.Relay.
type Waker interface {
	SendWakeupPacket() error
}

// SignalStatuser reports whether the capture hardware currently has a
// video signal. A non-nil error marks a device I/O failure; noSignal
// distinguishes a clean "no signal" status from a live picture.
type SignalStatuser interface {
	SignalStatus() (noSignal bool, err error)
}

// State owns the V4L2 file descriptor and mmap buffer ring. Created closed;
// Start negotiates format and streams on; Stop tears everything down.
type State struct {
	VideoPath    string
	FrameRate    int
	Subsampling  int
	CalcFrameCRC bool

	frameFormat         int
	originalFrameFormat int

	dev         *device
	ring        *BufferRing
	width       uint32
	height      uint32
	pixelFormat uint32

	resizeAfterOpen bool
	timingsError    bool

	waker Waker
}

// New creates a capture engine in the closed state for the given device
// path, with the given steady-state frame format.
func New(videoPath string, frameRate, subsampling, frameFormat int, calcFrameCRC bool, waker Waker) *State {
	return &State{
		VideoPath:           videoPath,
		FrameRate:           frameRate,
		Subsampling:         subsampling,
		CalcFrameCRC:        calcFrameCRC,
		frameFormat:         frameFormat,
		originalFrameFormat: frameFormat,
		waker:               waker,
	}
}

func (s *State) FrameFormat() int         { return s.frameFormat }
func (s *State) OriginalFrameFormat() int { return s.originalFrameFormat }
func (s *State) Width() uint32            { return s.width }
func (s *State) Height() uint32           { return s.height }
func (s *State) PixelFormat() uint32      { return s.pixelFormat }

// Start opens the device, negotiates format, and streams on. Structural
// failures here are fatal and should be surfaced to the process top.
func (s *State) Start() error {
	if s.waker != nil {
		if err := s.waker.SendWakeupPacket(); err != nil {
			log.Warn("wakeup packet failed", "error", err)
		}
	}

	dev, err := openDevice(s.VideoPath)
	if err != nil {
		return fmt.Errorf("capture start: %w", err)
	}
	s.dev = dev

	cap, err := dev.queryCapabilities()
	if err != nil {
		dev.Close()
		return fmt.Errorf("query capabilities: %w", err)
	}
	if cap.Capabilities&v4l2CapVideoCapture == 0 || cap.Capabilities&v4l2CapStreaming == 0 {
		dev.Close()
		return fmt.Errorf("device %s lacks VIDEO_CAPTURE or STREAMING capability", s.VideoPath)
	}

	prevWidth, prevHeight := s.width, s.height

	fmtv, err := dev.getFormat()
	if err != nil {
		dev.Close()
		return fmt.Errorf("get format: %w", err)
	}
	fmtv.Pix.PixelFormat = v4l2PixFmtJPEG
	if s.frameFormat == FormatPartialJPEG {
		fmtv.Pix.Flags |= v4l2FmtFlagPartialJPG
	}
	if err := dev.setFormat(&fmtv); err != nil {
		dev.Close()
		return fmt.Errorf("set format: %w", err)
	}

	if err := dev.setFrameRate(s.FrameRate); err != nil {
		log.Warn("set frame rate failed, continuing", "error", err)
	}
	if err := dev.setControl(v4l2CIDJPEGChromaSubsampling, int32(subsamplingControlValue(s.Subsampling))); err != nil {
		log.Warn("set chroma subsampling failed, continuing", "error", err)
	}

	s.width = fmtv.Pix.Width
	s.height = fmtv.Pix.Height
	s.pixelFormat = fmtv.Pix.PixelFormat
	if s.pixelFormat != v4l2PixFmtJPEG && s.pixelFormat != v4l2PixFmtRGB24 {
		log.Warn("unexpected pixel format from driver", "pixelFormat", s.pixelFormat)
	}

	if err := s.resizeLocked(); err != nil {
		dev.Close()
		return fmt.Errorf("initial resize: %w", err)
	}

	if prevWidth != 0 && (prevWidth != s.width || prevHeight != s.height) {
		s.resizeAfterOpen = true
	}

	return nil
}

// Stop performs STREAMOFF, unmaps all slots, and closes the device.
func (s *State) Stop() error {
	if s.dev == nil {
		return nil
	}
	if err := s.dev.streamOff(); err != nil {
		log.Warn("streamoff failed", "error", err)
	}
	s.unmapAll()
	err := s.dev.Close()
	s.dev = nil
	s.ring = nil
	return err
}

func (s *State) unmapAll() {
	if s.ring == nil {
		return
	}
	for i := 0; i < s.ring.Len(); i++ {
		b := s.ring.At(i)
		if b.data != nil {
			unix.Munmap(b.data)
			b.data = nil
		}
	}
}

// Resize performs a full requeue cycle while keeping the fd open: stream
// off, unmap, zero-request, re-query and re-apply DV timings, then request
// 3 buffers, map and queue each, stream on. Idempotent when
// resizeAfterOpen is set; the flag is consumed and the driver untouched.
func (s *State) Resize() error {
	if s.resizeAfterOpen {
		s.resizeAfterOpen = false
		return nil
	}
	return s.resizeLocked()
}

func (s *State) resizeLocked() error {
	if s.ring != nil {
		s.dev.streamOff()
		s.unmapAll()
		s.dev.requestBuffers(0)
	}

	timings, err := s.dev.queryDVTimings()
	if err == nil {
		s.dev.setDVTimings(&timings)
	}

	count, err := s.dev.requestBuffers(minRequestedBuffers)
	if err != nil {
		return fmt.Errorf("request buffers: %w", err)
	}
	if count < 2 {
		return fmt.Errorf("request buffers: driver granted only %d buffers, need at least 2", count)
	}

	ring := newBufferRing(int(count))
	for i := 0; i < int(count); i++ {
		qb, err := s.dev.queryBuffer(uint32(i))
		if err != nil {
			return fmt.Errorf("query buffer %d: %w", i, err)
		}
		data, err := s.dev.mmapBuffer(int64(qb.MOffset), int(qb.Length))
		if err != nil {
			return fmt.Errorf("mmap buffer %d: %w", i, err)
		}
		b := ring.At(i)
		b.data = data
		b.length = 0
		b.queued = true
		if err := s.dev.enqueue(uint32(i)); err != nil {
			return fmt.Errorf("enqueue buffer %d: %w", i, err)
		}
	}
	s.ring = ring

	if err := s.dev.streamOn(); err != nil {
		return fmt.Errorf("stream on: %w", err)
	}
	return nil
}

// NeedsResize queries DV timings and compares against current dimensions.
// A query failure triggers restart (stop+start) rather than a crash,
// because the video signal can vanish at any instant.
func (s *State) NeedsResize() (bool, error) {
	if s.resizeAfterOpen {
		return true, nil
	}

	timings, err := s.dev.queryDVTimings()
	if err != nil {
		if !s.timingsError {
			s.timingsError = true
			log.Warn("DV timings query failed, restarting capture", "error", err)
		}
		if restartErr := s.restart(); restartErr != nil {
			return false, restartErr
		}
		return false, nil
	}
	s.timingsError = false

	if timings.BT.Width == 0 || timings.BT.Height == 0 {
		return false, fmt.Errorf("DV timings reported zero dimensions")
	}

	if timings.BT.Width != s.width || timings.BT.Height != s.height {
		s.width = timings.BT.Width
		s.height = timings.BT.Height
		if s.ring != nil {
			s.ring.done = s.ring.done[:0]
		}
		return true, nil
	}
	return false, nil
}

func (s *State) restart() error {
	if err := s.Stop(); err != nil {
		log.Warn("restart: stop failed", "error", err)
	}
	return s.Start()
}

// GetFrame returns immediately if a dequeued frame is already waiting.
// Otherwise it flips the fd non-blocking, runs a 1-second select, and
// drains every ready buffer, restoring blocking mode afterward.
func (s *State) GetFrame() error {
	if s.ring.HasDone() {
		return nil
	}

	if err := s.dev.setNonBlocking(true); err != nil {
		return fmt.Errorf("set non-blocking: %w", err)
	}
	defer s.dev.setNonBlocking(false)

	tv := unix.NsecToTimeval(dequeueSelectTimeout.Nanoseconds())
	ready, err := s.dev.selectReadable(tv)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	if !ready {
		return nil
	}

	for {
		buf, err := s.dev.dequeue()
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			return fmt.Errorf("dequeue: %w", err)
		}

		index := int(buf.Index)
		b := s.ring.At(index)

		if buf.Flags&v4l2BufFlagError != 0 {
			s.dev.enqueue(buf.Index)
			continue
		}

		b.length = buf.BytesUsed
		b.sequence = buf.Sequence
		b.crop = v4l2Rect{}

		if s.frameFormat == FormatPartialJPEG {
			if sel, err := s.dev.getSelection(v4l2SelTgtCropDefault); err == nil {
				b.crop = sel.Rect
			} else {
				b.crop = v4l2Rect{Width: s.width, Height: s.height}
			}
		}

		s.ring.markDone(index)
	}

	return nil
}

// ReleaseFrames pops the front of the done queue and re-queues that buffer
// to the driver. Idempotent on an empty queue.
func (s *State) ReleaseFrames() error {
	index, ok := s.ring.release()
	if !ok {
		return nil
	}
	return s.dev.enqueue(uint32(index))
}

// FrontFrame returns the oldest undelivered buffer, or nil if none is ready.
func (s *State) FrontFrame() *Buffer {
	idx := s.ring.FrontDone()
	if idx < 0 {
		return nil
	}
	return s.ring.At(idx)
}

// SignalStatus satisfies SignalStatuser for the Manager's own screenshot
// calls. It queries VIDIOC_ENUMINPUT on the current input: an ioctl
// failure is a device I/O error (distinct from a clean no-signal read),
// while a successful read reports noSignal from the v4l2InStNoSignal
// status bit.
func (s *State) SignalStatus() (noSignal bool, err error) {
	if s.dev == nil {
		return true, nil
	}
	in, ierr := s.dev.enumInput(0)
	if ierr != nil {
		return false, fmt.Errorf("enum input: %w", ierr)
	}
	return in.Status&v4l2InStNoSignal != 0, nil
}

// FormatChange stops, switches frameFormat, then starts again. Used by the
// Manager to cross between Standard and Partial JPEG around screenshots.
func (s *State) FormatChange(format int) error {
	if err := s.Stop(); err != nil {
		log.Warn("formatChange: stop failed", "error", err)
	}
	s.frameFormat = format
	return s.Start()
}

// ScreenShot writes a JPEG to path: a static NO_SIGNAL/POWER_OFF fallback
// image on signal loss, otherwise the front done-buffer's bytes (Standard
// JPEG only).
func (s *State) ScreenShot(path string, sig SignalStatuser, hostPowerOff bool, noSignalImage, powerOffImage string) error {
	if sig != nil {
		noSignal, err := sig.SignalStatus()
		if err != nil {
			return copyFile(noSignalImage, path)
		}
		if noSignal {
			if hostPowerOff {
				return copyFile(powerOffImage, path)
			}
			return copyFile(noSignalImage, path)
		}
	}

	b := s.FrontFrame()
	if b == nil {
		return fmt.Errorf("screenshot: no frame available")
	}
	return os.WriteFile(path, b.Data(), 0644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open fallback image %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create screenshot %s: %w", dst, err)
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

const v4l2CIDJPEGChromaSubsampling = 0x009a0903

func subsamplingControlValue(subsampling int) int {
	switch subsampling {
	case 444:
		return 0
	default:
		return 1 // 4:2:0
	}
}
