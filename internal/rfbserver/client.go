package rfbserver

import (
	"net"
	"sync"
	"time"
)

// noCRC is the "no frame sent yet" sentinel for client.lastCRC.
const noCRC = int64(-1)

// client holds the per-connection ClientData state:
// skip-frame grace counter, needs-update flag, last-sent CRC, session id,
// and the monotonic instant of the client's last key/pointer event (set to
// the connect time by newClient until the first such event).
type client struct {
	conn   *wireConn
	raw    net.Conn
	server *Server

	mu sync.Mutex

	skipFrame    int
	needUpdate   bool
	lastCRC      int64
	sessionID    uint8
	lastActivity time.Time

	tightSupported    bool
	ledExtSupported   bool
	lastRectSupported bool
	lastLEDSent       byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newClientConn(conn net.Conn, srv *Server) *client {
	return &client{
		conn:        newWireConn(conn),
		raw:         conn,
		server:      srv,
		lastCRC:     noCRC,
		lastLEDSent: 0xFF,
		closed:      make(chan struct{}),
	}
}

func (c *client) setSkipFrame(n int) {
	c.mu.Lock()
	c.skipFrame = n
	c.mu.Unlock()
}

// decrementSkipFrame returns true (and skips the tick) when skipFrame was
// still above zero.
func (c *client) decrementSkipFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.skipFrame > 0 {
		c.skipFrame--
		return true
	}
	return false
}

func (c *client) setNeedUpdate(v bool) {
	c.mu.Lock()
	c.needUpdate = v
	c.mu.Unlock()
}

func (c *client) getNeedUpdate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needUpdate
}

func (c *client) setSessionID(id uint8) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *client) getSessionID() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *client) touchActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *client) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastActivity.IsZero() {
		return 0
	}
	return time.Since(c.lastActivity)
}

// checkAndUpdateCRC reports whether crc matches the previously sent value.
// The first comparison against the sentinel never matches.
func (c *client) checkAndUpdateCRC(crc uint32) (identical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := int64(crc)
	if c.lastCRC == v {
		return true
	}
	c.lastCRC = v
	return false
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.raw.Close()
	})
}

func (c *client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
