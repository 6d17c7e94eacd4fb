package rfbserver

import (
	"sync"

	"github.com/openbmc-ikvm/ikvmd/internal/audit"
	"github.com/openbmc-ikvm/ikvmd/internal/capture"
)

// numLockKeysym is the probe keysym synthesized when a client connects
// before the host has ever reported a real LED state.
const numLockKeysym = 0xFF7F

// SendFrame runs the per-tick frame delivery sequence: KVM-disabled
// disconnect, per-client CRC suppression, Tight/JPEG rect encoding, and
// LED-state/IVTP housekeeping for every connected client.
func (s *Server) SendFrame() {
	clients := s.snapshotClients()

	if s.core != nil && s.core.KvmStatus() {
		s.disconnectAll()
		return
	}

	frame := s.frames.FrontFrame()
	anySent := false

	for _, c := range clients {
		if s.sendFrameToClient(c, frame) {
			anySent = true
		}
	}

	if anySent {
		if err := s.frames.ReleaseFrames(); err != nil {
			log.Warn("release frames failed", "error", err)
		}
	}
}

func (s *Server) snapshotClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

// sendFrameToClient runs steps 1-14 for one client and reports whether a
// frame was actually transmitted (step 15's trigger for releaseFrames).
func (s *Server) sendFrameToClient(c *client, frame *capture.Buffer) bool {
	if s.core != nil {
		if idle := c.idleFor(); idle >= s.core.SessionTimeout() && s.core.SessionTimeout() > 0 {
			s.audit.Log(audit.EventSessionForceClosed, sessionCommandID(c.getSessionID()), map[string]any{"reason": "idle_timeout"})
			s.clientGone(c)
			return false
		}
		sid := c.getSessionID()
		if sid != 0 && !s.core.HasSession(sid) {
			s.audit.Log(audit.EventSessionForceClosed, sessionCommandID(sid), map[string]any{"reason": "session_revoked"})
			s.clientGone(c)
			return false
		}
	}

	if c.decrementSkipFrame() {
		s.incSkipped()
		return false
	}

	if !c.getNeedUpdate() {
		s.incSkipped()
		return false
	}

	if frame == nil || !validJPEGTrailer(frame.Data()) {
		s.incDropped()
		return false
	}

	if s.frames != nil {
		pf := s.frames.PixelFormat()
		if pf == capture.PixelFormatJPEG {
			// Identical-frame suppression runs for every JPEG frame: the
			// calc_frame_crc setting is stored in capture.State but is not
			// read here or anywhere else, so it does not turn this off.
			crc := frameCRC(frame.Data())
			if c.checkAndUpdateCRC(crc) {
				s.incSkipped()
				return false
			}
		}
	}

	c.setNeedUpdate(false)

	if s.input != nil && s.input.GetKeyboardLedState() == 0xFF {
		sid := c.getSessionID()
		s.input.KeyEvent(true, numLockKeysym, sid)
		s.input.KeyEvent(false, numLockKeysym, sid)
		s.input.KeyEvent(true, numLockKeysym, sid)
		s.input.KeyEvent(false, numLockKeysym, sid)
	}

	if err := s.writeFramebufferUpdate(c, frame); err != nil {
		log.Warn("write framebuffer update failed", "error", err)
		s.incDropped()
		s.clientGone(c)
		return false
	}

	if c.ledExtSupported && s.input != nil {
		led := s.input.GetKeyboardLedState()
		if led != c.lastLEDSent {
			if err := s.writeLEDState(c, led); err != nil {
				log.Warn("write led state failed", "error", err)
			} else {
				c.lastLEDSent = led
			}
		}
	}

	if c.lastRectSupported {
		if err := s.writeLastRectMarker(c); err != nil {
			log.Warn("write last-rect marker failed", "error", err)
		}
	}

	if err := c.conn.flush(); err != nil {
		log.Warn("flush client failed", "error", err)
		s.incDropped()
		s.clientGone(c)
		return false
	}

	return true
}

func (s *Server) incSkipped() {
	if s.metrics != nil {
		s.metrics.FramesSkipped.Inc()
	}
}

func (s *Server) incDropped() {
	if s.metrics != nil {
		s.metrics.FramesDropped.Inc()
	}
}

// writeFramebufferUpdate emits the rfbFramebufferUpdate header and one
// rectangle: a raw copy for RGB24, or a Tight/legacy-JPEG rectangle for
// JPEG, honoring the PartialJPEG crop box when present.
func (s *Server) writeFramebufferUpdate(c *client, frame *capture.Buffer) error {
	wc := c.conn

	if err := wc.writeUint8(msgFramebufferUpdate); err != nil {
		return err
	}
	if err := wc.writeUint8(0); err != nil { // padding
		return err
	}

	rectCount := uint16(1)
	if c.ledExtSupported || c.lastRectSupported {
		rectCount = 0xFFFF
	}
	if err := wc.writeUint16(rectCount); err != nil {
		return err
	}

	pf := s.frames.PixelFormat()
	switch pf {
	case capture.PixelFormatRGB24:
		return s.writeRawRect(c, frame)
	case capture.PixelFormatJPEG:
		return s.writeTightJPEGRect(c, frame)
	default:
		return nil
	}
}

func (s *Server) writeRawRect(c *client, frame *capture.Buffer) error {
	wc := c.conn
	w, h := uint16(s.frames.Width()), uint16(s.frames.Height())
	if err := s.writeRectHeader(wc, 0, 0, w, h, encodingRaw); err != nil {
		return err
	}
	return wc.writeBytes(frame.Data())
}

// writeTightJPEGRect manually frames a Tight update carrying compressed
// JPEG payload, using the PartialJPEG crop box when one is set; falls
// back to a legacy raw-JPEG-as-raw-rect encode for clients that never
// negotiated Tight.
func (s *Server) writeTightJPEGRect(c *client, frame *capture.Buffer) error {
	wc := c.conn

	x, y, w, h := uint16(0), uint16(0), uint16(s.frames.Width()), uint16(s.frames.Height())
	if cx, cy, cw, ch := frame.CropRect(); cw != 0 && ch != 0 {
		x, y, w, h = uint16(cx), uint16(cy), uint16(cw), uint16(ch)
	}

	if !c.tightSupported {
		return s.writeRectHeader(wc, x, y, w, h, encodingRaw)
	}

	if err := s.writeRectHeader(wc, x, y, w, h, encodingTight); err != nil {
		return err
	}
	if err := wc.writeUint8(rfbTightJpeg << 4); err != nil {
		return err
	}
	return writeTightCompactLength(wc, frame.Data())
}

func (s *Server) writeRectHeader(wc *wireConn, x, y, w, h uint16, encoding int32) error {
	for _, v := range []uint16{x, y, w, h} {
		if err := wc.writeUint16(v); err != nil {
			return err
		}
	}
	return wc.writeUint32(uint32(encoding))
}

// writeTightCompactLength writes Tight's variable-length compact length
// header (1-3 bytes: 7 payload bits plus continuation bit 0x80 in each of
// the first two, the remaining 8 bits in the third) then the JPEG payload
// itself.
func writeTightCompactLength(wc *wireConn, data []byte) error {
	n := len(data)
	for i := 0; ; i++ {
		if i == 2 {
			if err := wc.writeUint8(byte(n)); err != nil {
				return err
			}
			break
		}
		b := byte(n & 0x7F)
		n >>= 7
		if n > 0 {
			b |= 0x80
		}
		if err := wc.writeUint8(b); err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return wc.writeBytes(data)
}

// writeLEDState sends the keyboard-LED-state pseudo-rectangle extension
// message carrying the current LED byte.
func (s *Server) writeLEDState(c *client, led byte) error {
	wc := c.conn
	if err := s.writeRectHeader(wc, 0, 0, 1, 1, encodingLEDState); err != nil {
		return err
	}
	return wc.writeUint8(led)
}

// writeLastRectMarker terminates a rectangle stream with the LastRect
// pseudo-encoding sentinel.
func (s *Server) writeLastRectMarker(c *client) error {
	return s.writeRectHeader(c.conn, 0, 0, 0, 0, encodingLastRect)
}

// disconnectAll closes every client after writing the IVTP
// stop-session-immediate frame, implementing the kvmStatus mass-disconnect
// path from step 2.
func (s *Server) disconnectAll() {
	frame := EncodeStopSessionImmediate()
	clients := s.snapshotClients()

	if s.disconnectPool == nil {
		for _, c := range clients {
			s.disconnectOne(c, frame)
		}
		return
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		c := c
		wg.Add(1)
		if !s.disconnectPool.Submit(func() {
			defer wg.Done()
			s.disconnectOne(c, frame)
		}) {
			wg.Done()
			s.disconnectOne(c, frame)
		}
	}
	wg.Wait()
}

func (s *Server) disconnectOne(c *client, frame []byte) {
	if err := c.conn.writeBytes(frame); err != nil {
		log.Error("ivtp disconnect write failed", "error", err)
	} else {
		c.conn.flush()
	}
	s.audit.Log(audit.EventSessionForceClosed, sessionCommandID(c.getSessionID()), map[string]any{"reason": "kvm_disabled"})
	s.clientGone(c)
}
