package rfbserver

import (
	"net"
	"testing"
	"time"
)

func newTestClient(t *testing.T) (*client, net.Conn) {
	t.Helper()
	server, _ := net.Pipe()
	c := newClientConn(server, nil)
	t.Cleanup(func() { c.close() })
	return c, server
}

func TestClientSkipFrameCountsDownToZero(t *testing.T) {
	c, _ := newTestClient(t)
	c.setSkipFrame(2)

	if !c.decrementSkipFrame() {
		t.Fatal("expected skip at count 2")
	}
	if !c.decrementSkipFrame() {
		t.Fatal("expected skip at count 1")
	}
	if c.decrementSkipFrame() {
		t.Fatal("expected no skip once count reaches 0")
	}
}

func TestClientCRCSentinelNeverMatchesFirstFrame(t *testing.T) {
	c, _ := newTestClient(t)
	if c.checkAndUpdateCRC(0) {
		t.Fatal("expected the -1 sentinel to never match a real CRC, even 0")
	}
	if !c.checkAndUpdateCRC(0) {
		t.Fatal("expected the second identical CRC to match")
	}
	if c.checkAndUpdateCRC(12345) {
		t.Fatal("expected a changed CRC to not match")
	}
}

func TestClientIdleForZeroBeforeAnyActivity(t *testing.T) {
	c, _ := newTestClient(t)
	if c.idleFor() != 0 {
		t.Fatal("expected zero idle duration before any recorded activity")
	}
	c.touchActivity()
	time.Sleep(time.Millisecond)
	if c.idleFor() <= 0 {
		t.Fatal("expected positive idle duration after touchActivity")
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t)
	c.close()
	c.close()
	if !c.isClosed() {
		t.Fatal("expected client to report closed")
	}
}
