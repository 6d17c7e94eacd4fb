package capture

import "golang.org/x/sys/unix"

// V4L2 ioctl request codes. Values match linux/videodev2.h's _IOR/_IOW/_IOWR
// encodings for the 'V' ioctl type; ikvmd talks to the kernel driver
// directly, with no cgo and no libv4l dependency.
const (
	vidiocQuerycap       = 0x80685600
	vidiocGFmt           = 0xC0D05604
	vidiocSFmt           = 0xC0D05605
	vidiocReqbufs        = 0xC0145608
	vidiocQuerybuf       = 0xC0585609
	vidiocQbuf           = 0xC058560F
	vidiocDqbuf          = 0xC0585611
	vidiocStreamon       = 0x40045612
	vidiocStreamoff      = 0x40045613
	vidiocGParm          = 0xC0CC5615
	vidiocSParm          = 0xC0CC5616
	vidiocSCtrl          = 0xC008561C
	vidiocQueryDVTimings = 0x80845663
	vidiocSDVTimings     = 0xC0845657
	vidiocGSelection     = 0xC040565E
	vidiocEnumInput      = 0xC050561A
)

const (
	v4l2BufTypeVideoCapture = 1
	v4l2MemoryMMAP          = 1

	v4l2CapVideoCapture = 0x00000001
	v4l2CapStreaming    = 0x04000000

	v4l2PixFmtJPEG  = 0x4745504A // 'JPEG'
	v4l2PixFmtRGB24 = 0x33424752 // 'RGB3'

	v4l2BufFlagError = 0x0040

	v4l2SelTgtCropDefault = 1

	// Vendor flag repurposing a format reserved bit to request partial-JPEG
	// (tile + crop rectangle) encoding from the capture hardware.
	v4l2FmtFlagPartialJPG = 0x00000200

	// v4l2InStNoSignal is struct v4l2_input's status bit reporting that the
	// currently selected input has no incoming video signal.
	v4l2InStNoSignal = 0x00000002
)

// v4l2Capability mirrors struct v4l2_capability.
type v4l2Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

// v4l2PixFormat mirrors struct v4l2_pix_format.
type v4l2PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// v4l2Format mirrors struct v4l2_format for the VIDEO_CAPTURE union arm.
// The union is oversized relative to v4l2_pix_format to match the kernel's
// 200-byte fmt union; unused trailing bytes are left zero.
type v4l2Format struct {
	Type uint32
	_    [4]byte // alignment padding before the union on 64-bit
	Pix  v4l2PixFormat
	_    [156]byte
}

// v4l2RequestBuffers mirrors struct v4l2_requestbuffers.
type v4l2RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Reserved     [1]uint32
}

// v4l2Timecode mirrors struct v4l2_timecode (embedded in v4l2_buffer).
type v4l2Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

// v4l2Buffer mirrors struct v4l2_buffer for VIDEO_CAPTURE / MMAP streaming.
type v4l2Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	Timestamp unix.Timeval
	Timecode  v4l2Timecode
	Sequence  uint32
	Memory    uint32
	MOffset   uint32 // union m; mmap offset arm
	_         [4]byte
	Length    uint32
	Reserved2 uint32
	RequestFD int32
}

// v4l2StreamParm mirrors the capture arm of struct v4l2_streamparm.
type v4l2StreamParm struct {
	Type              uint32
	Capability        uint32
	Capturemode       uint32
	TimeperframeNum   uint32
	TimeperframeDenom uint32
	ExtendedMode      uint32
	Readbuffers       uint32
	Reserved          [4]uint32
}

// v4l2Control mirrors struct v4l2_control.
type v4l2Control struct {
	ID    uint32
	Value int32
}

// v4l2BTTimings mirrors the BT.656/1120 timings arm of struct v4l2_dv_timings.
type v4l2BTTimings struct {
	Width         uint32
	Height        uint32
	Interlaced    uint32
	Polarities    uint32
	Pixelclock    uint64
	Hfrontporch   uint32
	Hsync         uint32
	Hbackporch    uint32
	Vfrontporch   uint32
	Vsync         uint32
	Vbackporch    uint32
	Ilvfrontporch uint32
	Ilvsync       uint32
	Ilvbackporch  uint32
	Standards     uint32
	Flags         uint32
	Reserved      [14]uint32
}

// v4l2DVTimings mirrors struct v4l2_dv_timings.
type v4l2DVTimings struct {
	Type uint32
	_    [4]byte
	BT   v4l2BTTimings
	_    [32]byte
}

// v4l2Selection mirrors struct v4l2_selection.
type v4l2Selection struct {
	Type     uint32
	Target   uint32
	Flags    uint32
	Rect     v4l2Rect
	Reserved [9]uint32
}

type v4l2Rect struct {
	Left   int32
	Top    int32
	Width  uint32
	Height uint32
}

// v4l2Input mirrors struct v4l2_input. Status carries the v4l2InStNoSignal
// bit the signal-loss probe reads.
type v4l2Input struct {
	Index        uint32
	Name         [32]byte
	Type         uint32
	Audioset     uint32
	Tuner        uint32
	Std          uint64
	Status       uint32
	Capabilities uint32
	Reserved     [3]uint32
}
