// Package rfbserver implements the RFB Server Adapter: an RFB 3.x screen
// with the Tight, Keyboard-LED-State, and LastRect extensions, per-client
// session tracking, identical-frame suppression, and forced-disconnect
// framing over a vendor IVTP tunnel inside ServerCutText.
package rfbserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/openbmc-ikvm/ikvmd/internal/audit"
	"github.com/openbmc-ikvm/ikvmd/internal/capture"
	"github.com/openbmc-ikvm/ikvmd/internal/corestate"
	"github.com/openbmc-ikvm/ikvmd/internal/logging"
	"github.com/openbmc-ikvm/ikvmd/internal/metrics"
	"github.com/openbmc-ikvm/ikvmd/internal/workerpool"
)

var log = logging.L("rfbserver")

// FrameSource is the subset of the Capture Engine the adapter needs to
// render a frame: current geometry, pixel format, and the oldest
// undelivered buffer.
type FrameSource interface {
	PixelFormat() uint32
	Width() uint32
	Height() uint32
	FrontFrame() *capture.Buffer
	ReleaseFrames() error
}

// InputRelay is the subset of the Input Relay the adapter drives directly:
// key/pointer forwarding for RFB wire events, and LED readback for the
// NumLock probe and LED-state extension.
type InputRelay interface {
	KeyEvent(down bool, keysym uint32, sessionID uint8) error
	PointerEvent(buttonMask uint8, x, y uint16, sessionID uint8) error
	GetKeyboardLedState() byte
	SetUSBPowerSave(enabled bool) error
	Connect() error
	Disconnect() error
}

// SessionRegistry models the platform session manager that the adapter
// registers/unregisters RFB clients against.
type SessionRegistry interface {
	SessionRegister(serviceType, privilege string, userID uint32, userName, remoteIP string) error
	SessionList() ([]uint8, error)
	SessionUnregister(sessionID uint8, serviceType, reason string) error
}

const (
	serviceTypeKVM      = "KVM"
	privilegeAdmin      = "Admin"
	reasonLogout        = "LOGOUT"
	remoteIPPlaceholder = "~"
)

// Server is the RFB Server Adapter. One Server owns one listening socket
// and all currently-connected clients.
type Server struct {
	addr       string
	serverName string
	frameRate  int

	frames  FrameSource
	input   InputRelay
	session SessionRegistry
	core    *corestate.CoreContext
	metrics *metrics.Registry
	audit   *audit.Logger

	listener net.Listener

	mu            sync.Mutex
	clients       map[*client]struct{}
	frameCounter  int
	pendingResize bool
	resizeWidth   uint32
	resizeHeight  uint32

	processTime time.Duration

	disconnectPool *workerpool.Pool
}

// disconnectPoolWorkers/QueueSize bound the fan-out used when every client
// must be force-closed at once (kvmStatus disabled mid-session); one slow
// client socket write must not delay closing the others.
const (
	disconnectPoolWorkers  = 4
	disconnectPoolQueueLen = 64
)

// NewServer allocates the adapter. processTime is
// 1,000,000/frameRate - 100 microseconds, the per-tick RFB pump slice.
func NewServer(addr, serverName string, frameRate int, frames FrameSource, input InputRelay, session SessionRegistry, core *corestate.CoreContext, metricsReg *metrics.Registry, auditLogger *audit.Logger) *Server {
	if frameRate <= 0 {
		frameRate = 1
	}
	return &Server{
		addr:           addr,
		serverName:     serverName,
		frameRate:      frameRate,
		frames:         frames,
		input:          input,
		session:        session,
		core:           core,
		metrics:        metricsReg,
		audit:          auditLogger,
		clients:        make(map[*client]struct{}),
		processTime:    time.Duration(1_000_000/frameRate-100) * time.Microsecond,
		disconnectPool: workerpool.New(disconnectPoolWorkers, disconnectPoolQueueLen),
	}
}

// Listen binds the loopback listen address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rfb listen %s: %w", s.addr, err)
	}
	s.listener = ln
	log.Info("rfb listening", "addr", s.addr)
	return nil
}

// Close stops accepting connections and drops every client.
func (s *Server) Close() error {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.clientGone(c)
	}
	if s.disconnectPool != nil {
		s.disconnectPool.StopAccepting()
		s.disconnectPool.Shutdown(context.Background())
	}
	return nil
}

// Run executes one per-tick operation: accept new connections for up to
// processTime, bump frameCounter while any client is connected, and
// perform a deferred resize once the grace window has elapsed.
func (s *Server) Run() {
	deadline := time.Now().Add(s.processTime)
	if s.listener != nil {
		s.listener.(*net.TCPListener).SetDeadline(deadline)
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				break
			}
			go s.handleConn(conn)
		}
	}

	s.mu.Lock()
	if len(s.clients) > 0 {
		s.frameCounter++
	}
	doResize := s.pendingResize && s.frameCounter > s.frameRate
	width, height := s.resizeWidth, s.resizeHeight
	if doResize {
		s.pendingResize = false
	}
	s.mu.Unlock()

	if doResize {
		s.DoResize(width, height)
	}
}

// RequestResize defers a framebuffer resize until the client grace window
// (frameCounter > frameRate ticks) has elapsed.
func (s *Server) RequestResize(width, height uint32) {
	s.mu.Lock()
	s.pendingResize = true
	s.resizeWidth = width
	s.resizeHeight = height
	s.mu.Unlock()
}

// WantsFrame reports whether any client is currently connected.
func (s *Server) WantsFrame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) > 0
}

func (s *Server) handleConn(conn net.Conn) {
	width, height := int(s.frames.Width()), int(s.frames.Height())
	wc := newWireConn(conn)
	if err := wc.handshake(width, height, s.serverName); err != nil {
		log.Warn("rfb handshake failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	c := newClientConn(conn, s)
	c.conn = wc
	s.newClient(c)

	for {
		cmd, err := wc.readByte()
		if err != nil {
			break
		}
		if err := s.dispatch(c, cmd); err != nil {
			log.Warn("rfb client command failed", "remote", conn.RemoteAddr(), "error", err)
			break
		}
	}
	s.clientGone(c)
}

func (s *Server) dispatch(c *client, cmd byte) error {
	wc := c.conn
	switch cmd {
	case cmdSetPixelFormat:
		if err := wc.skip(3); err != nil {
			return err
		}
		return wc.skip(16)
	case cmdSetEncodings:
		if err := wc.skip(1); err != nil {
			return err
		}
		n, err := wc.readUint16()
		if err != nil {
			return err
		}
		for i := 0; i < int(n); i++ {
			enc, err := wc.readInt32()
			if err != nil {
				return err
			}
			switch enc {
			case encodingTight:
				c.tightSupported = true
			case encodingLEDState:
				c.ledExtSupported = true
			case encodingLastRect:
				c.lastRectSupported = true
			}
		}
		return nil
	case cmdFramebufferUpdateRequest:
		if err := wc.skip(9); err != nil {
			return err
		}
		c.setNeedUpdate(true)
		return nil
	case cmdKeyEvent:
		down, err := wc.readUint8()
		if err != nil {
			return err
		}
		if err := wc.skip(2); err != nil {
			return err
		}
		key, err := wc.readUint32()
		if err != nil {
			return err
		}
		c.touchActivity()
		return s.input.KeyEvent(down != 0, key, c.getSessionID())
	case cmdPointerEvent:
		mask, err := wc.readUint8()
		if err != nil {
			return err
		}
		x, err := wc.readUint16()
		if err != nil {
			return err
		}
		y, err := wc.readUint16()
		if err != nil {
			return err
		}
		c.touchActivity()
		return s.input.PointerEvent(mask, x, y, c.getSessionID())
	case cmdClientCutText:
		if err := wc.skip(3); err != nil {
			return err
		}
		n, err := wc.readUint32()
		if err != nil {
			return err
		}
		_, err = wc.readFull(int(n))
		return err
	default:
		return fmt.Errorf("unsupported rfb command type %d", cmd)
	}
}
