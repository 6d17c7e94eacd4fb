// Package hidrelay relays RFB keyboard/pointer events into USB HID gadget
// device nodes and echoes host keyboard LED state back to remote clients.
package hidrelay

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/openbmc-ikvm/ikvmd/internal/logging"
	"golang.org/x/sys/unix"
)

var log = logging.L("hidrelay")

const (
	// KeyReportLength is the HID boot-protocol keyboard report size: 1
	// modifier byte, 1 reserved byte, 6 keycodes. readKeyBoardOutReport
	// reads at most KeyReportLength-1 bytes of the output (LED) report.
	KeyReportLength = 8

	// InitialLEDState marks "not yet learned from host" and triggers the
	// NumLock probe in the RFB Server Adapter.
	InitialLEDState = 0xFF

	ledBitNumLock    = 1 << 0
	ledBitCapsLock   = 1 << 1
	ledBitScrollLock = 1 << 2

	keycodeModifierLeftCtrl = 0x01
)

// Relay owns the keyboard and pointer HID gadget device nodes.
type Relay struct {
	mu sync.Mutex

	keyboardPath string
	pointerPath  string
	udcName      string

	keyboardFD int
	pointerFD  int

	ledState byte

	lastActivity map[uint8]time.Time
}

// New creates a relay for the given HID gadget device nodes. Connect must
// be called before key/pointer events are forwarded.
func New(keyboardPath, pointerPath, udcName string) *Relay {
	return &Relay{
		keyboardPath: keyboardPath,
		pointerPath:  pointerPath,
		udcName:      udcName,
		keyboardFD:   -1,
		pointerFD:    -1,
		ledState:     InitialLEDState,
		lastActivity: make(map[uint8]time.Time),
	}
}

// Connect opens both HID device nodes read-write.
func (r *Relay) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kfd, err := unix.Open(r.keyboardPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open keyboard device %s: %w", r.keyboardPath, err)
	}
	pfd, err := unix.Open(r.pointerPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(kfd)
		return fmt.Errorf("open pointer device %s: %w", r.pointerPath, err)
	}

	r.keyboardFD = kfd
	r.pointerFD = pfd
	log.Info("input relay connected", "keyboard", r.keyboardPath, "pointer", r.pointerPath)
	return nil
}

// Disconnect closes both HID device nodes.
func (r *Relay) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	if r.keyboardFD >= 0 {
		if err := unix.Close(r.keyboardFD); err != nil {
			firstErr = err
		}
		r.keyboardFD = -1
	}
	if r.pointerFD >= 0 {
		if err := unix.Close(r.pointerFD); err != nil && firstErr == nil {
			firstErr = err
		}
		r.pointerFD = -1
	}
	return firstErr
}

// SendWakeupPacket writes an all-zero key report to wake the remote input
// channel before the video stream opens.
func (r *Relay) SendWakeupPacket() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.keyboardFD < 0 {
		return nil
	}
	report := make([]byte, KeyReportLength)
	_, err := unix.Write(r.keyboardFD, report)
	return err
}

// KeyEvent forwards a down/up transition for keysym to the keyboard HID
// node and records activity for the owning client's session id.
func (r *Relay) KeyEvent(down bool, keysym uint32, sessionID uint8) error {
	r.touchActivity(sessionID)

	usage, ok := TranslateKeysym(keysym)
	if !ok {
		log.Warn("no HID usage for keysym", "keysym", fmt.Sprintf("0x%04X", keysym))
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keyboardFD < 0 {
		return nil
	}

	report := make([]byte, KeyReportLength)
	if down {
		report[2] = usage
	}
	_, err := unix.Write(r.keyboardFD, report)
	return err
}

// PointerEvent forwards a pointer report to the pointer HID node and
// records activity for the owning client's session id.
func (r *Relay) PointerEvent(buttonMask uint8, x, y uint16, sessionID uint8) error {
	r.touchActivity(sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pointerFD < 0 {
		return nil
	}

	report := []byte{buttonMask, byte(x), byte(x >> 8), byte(y), byte(y >> 8)}
	_, err := unix.Write(r.pointerFD, report)
	return err
}

func (r *Relay) touchActivity(sessionID uint8) {
	r.mu.Lock()
	r.lastActivity[sessionID] = time.Now()
	r.mu.Unlock()
}

// LastActivity returns the monotonic instant of the last key/pointer event
// for sessionID, or the zero Time if none has been recorded.
func (r *Relay) LastActivity(sessionID uint8) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity[sessionID]
}

// ReadKeyBoardOutReport opens the keyboard node non-blocking, selects until
// readable, and reads the LED output report's first byte.
func (r *Relay) ReadKeyBoardOutReport() error {
	fd, err := unix.Open(r.keyboardPath, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open keyboard device %s: %w", r.keyboardPath, err)
	}
	defer unix.Close(fd)

	var rfds unix.FdSet
	rfds.Bits[fd/64] |= 1 << (uint(fd) % 64)
	n, err := unix.Select(fd+1, &rfds, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	if n <= 0 {
		return nil
	}

	buf := make([]byte, KeyReportLength-1)
	read, err := unix.Read(fd, buf)
	if err != nil {
		return fmt.Errorf("read keyboard report: %w", err)
	}
	if read < 1 {
		return nil
	}

	r.mu.Lock()
	r.ledState = buf[0]
	r.mu.Unlock()
	return nil
}

// GetKeyboardLedState returns the last-read LED byte. InitialLEDState
// indicates the host has not yet reported LED state.
func (r *Relay) GetKeyboardLedState() byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledState
}

func (r *Relay) NumLockOn() bool    { return r.ledBitOn(ledBitNumLock) }
func (r *Relay) CapsLockOn() bool   { return r.ledBitOn(ledBitCapsLock) }
func (r *Relay) ScrollLockOn() bool { return r.ledBitOn(ledBitScrollLock) }

// ledBitOn reports whether bit is set in the learned LED state; while the
// state is still InitialLEDState every lock reports off.
func (r *Relay) ledBitOn(bit byte) bool {
	s := r.GetKeyboardLedState()
	return s != InitialLEDState && s&bit != 0
}

// SetUSBPowerSave toggles the gadget UDC's power-save sysfs attribute.
// Mode false disables power save on client connect; true re-enables it
// once the last client disconnects.
func (r *Relay) SetUSBPowerSave(enabled bool) error {
	if r.udcName == "" {
		return nil
	}
	path := fmt.Sprintf("/sys/bus/platform/devices/%s/power/control", r.udcName)
	value := "on"
	if enabled {
		value = "auto"
	}
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		log.Warn("set USB power save failed", "path", path, "error", err)
		return err
	}
	return nil
}
