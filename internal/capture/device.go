package capture

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// device wraps the raw V4L2 character device file descriptor. Every
// operation is a direct ioctl/mmap syscall through golang.org/x/sys/unix;
// no cgo, no libv4l shim.
type device struct {
	fd   int
	path string
}

func openDevice(path string) (*device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &device{fd: fd, path: path}, nil
}

func (d *device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *device) ioctl(request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *device) queryCapabilities() (v4l2Capability, error) {
	var cap v4l2Capability
	err := d.ioctl(vidiocQuerycap, unsafe.Pointer(&cap))
	return cap, err
}

func (d *device) getFormat() (v4l2Format, error) {
	fmtv := v4l2Format{Type: v4l2BufTypeVideoCapture}
	err := d.ioctl(vidiocGFmt, unsafe.Pointer(&fmtv))
	return fmtv, err
}

func (d *device) setFormat(f *v4l2Format) error {
	f.Type = v4l2BufTypeVideoCapture
	return d.ioctl(vidiocSFmt, unsafe.Pointer(f))
}

func (d *device) setFrameRate(frameRate int) error {
	sp := v4l2StreamParm{
		Type:              v4l2BufTypeVideoCapture,
		TimeperframeNum:   1,
		TimeperframeDenom: uint32(frameRate),
	}
	return d.ioctl(vidiocSParm, unsafe.Pointer(&sp))
}

func (d *device) setControl(id uint32, value int32) error {
	ctrl := v4l2Control{ID: id, Value: value}
	return d.ioctl(vidiocSCtrl, unsafe.Pointer(&ctrl))
}

func (d *device) requestBuffers(count uint32) (uint32, error) {
	rb := v4l2RequestBuffers{
		Count:  count,
		Type:   v4l2BufTypeVideoCapture,
		Memory: v4l2MemoryMMAP,
	}
	if err := d.ioctl(vidiocReqbufs, unsafe.Pointer(&rb)); err != nil {
		return 0, err
	}
	return rb.Count, nil
}

func (d *device) queryBuffer(index uint32) (v4l2Buffer, error) {
	buf := v4l2Buffer{
		Index:  index,
		Type:   v4l2BufTypeVideoCapture,
		Memory: v4l2MemoryMMAP,
	}
	err := d.ioctl(vidiocQuerybuf, unsafe.Pointer(&buf))
	return buf, err
}

func (d *device) mmapBuffer(offset int64, length int) ([]byte, error) {
	return unix.Mmap(d.fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (d *device) enqueue(index uint32) error {
	buf := v4l2Buffer{
		Index:  index,
		Type:   v4l2BufTypeVideoCapture,
		Memory: v4l2MemoryMMAP,
	}
	return d.ioctl(vidiocQbuf, unsafe.Pointer(&buf))
}

// dequeue attempts a non-blocking dequeue. The caller must have switched the
// fd to O_NONBLOCK and run select() first; EAGAIN means nothing is ready.
func (d *device) dequeue() (v4l2Buffer, error) {
	var buf v4l2Buffer
	buf.Type = v4l2BufTypeVideoCapture
	buf.Memory = v4l2MemoryMMAP
	err := d.ioctl(vidiocDqbuf, unsafe.Pointer(&buf))
	return buf, err
}

func (d *device) streamOn() error {
	typ := uint32(v4l2BufTypeVideoCapture)
	return d.ioctl(vidiocStreamon, unsafe.Pointer(&typ))
}

func (d *device) streamOff() error {
	typ := uint32(v4l2BufTypeVideoCapture)
	return d.ioctl(vidiocStreamoff, unsafe.Pointer(&typ))
}

func (d *device) queryDVTimings() (v4l2DVTimings, error) {
	var t v4l2DVTimings
	err := d.ioctl(vidiocQueryDVTimings, unsafe.Pointer(&t))
	return t, err
}

func (d *device) setDVTimings(t *v4l2DVTimings) error {
	return d.ioctl(vidiocSDVTimings, unsafe.Pointer(t))
}

// enumInput queries the current input's status, including the
// v4l2InStNoSignal bit. index 0 is always the capture card's sole input.
func (d *device) enumInput(index uint32) (v4l2Input, error) {
	in := v4l2Input{Index: index}
	err := d.ioctl(vidiocEnumInput, unsafe.Pointer(&in))
	return in, err
}

func (d *device) getSelection(target uint32) (v4l2Selection, error) {
	sel := v4l2Selection{
		Type:   v4l2BufTypeVideoCapture,
		Target: target,
	}
	err := d.ioctl(vidiocGSelection, unsafe.Pointer(&sel))
	return sel, err
}

func (d *device) setNonBlocking(nonBlocking bool) error {
	return unix.SetNonblock(d.fd, nonBlocking)
}

// selectReadable waits up to timeout for the device fd to become readable.
// Returns false on a plain timeout (not an error) so the caller can treat
// an empty select as "nothing ready" rather than a structural failure.
func (d *device) selectReadable(timeout unix.Timeval) (bool, error) {
	var rfds unix.FdSet
	fdSetSet(&rfds, d.fd)
	tv := timeout
	n, err := unix.Select(d.fd+1, &rfds, nil, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

func fdSetSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}
